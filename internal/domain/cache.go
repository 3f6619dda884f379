package domain

import (
	"net/http"
	"time"
)

// CachedResponse is a stored HTTP response: status, headers and the full body.
type CachedResponse struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	StoredAt   time.Time   `json:"storedAt"`
}

// OK reports whether the stored status is 2xx
func (c *CachedResponse) OK() bool {
	return c.StatusCode >= 200 && c.StatusCode < 300
}

// Size returns the approximate stored size in bytes
func (c *CachedResponse) Size() int64 {
	size := int64(len(c.Body))
	for k, vs := range c.Header {
		for _, v := range vs {
			size += int64(len(k) + len(v))
		}
	}
	return size
}
