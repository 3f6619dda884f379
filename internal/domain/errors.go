package domain

import "errors"

// Sentinel errors for domain operations
var (
	// ErrOffline indicates the network failed and no cached fallback exists
	ErrOffline = errors.New("network unavailable and nothing cached")

	// ErrUnknownMessage indicates a control message the cache controller does not recognize
	ErrUnknownMessage = errors.New("unknown control message")

	// ErrStoreClosed indicates the local store was used after Close
	ErrStoreClosed = errors.New("store is closed")
)
