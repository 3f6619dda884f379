package offline

import "sync"

// subscriberBuffer is how many notifications a slow client may lag behind
const subscriberBuffer = 8

// Notifier fans controller notifications out to connected clients.
// Sends never block; a client whose buffer is full misses the message.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan string
}

// NewNotifier creates an empty notifier
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan string)}
}

// Subscribe registers a client. Call cancel to unsubscribe; the channel is then closed.
func (n *Notifier) Subscribe() (<-chan string, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan string, subscriberBuffer)
	n.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast sends msg to every client and returns how many received it
func (n *Notifier) Broadcast(msg string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	delivered := 0
	for _, ch := range n.subs {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Len returns the number of connected clients
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
