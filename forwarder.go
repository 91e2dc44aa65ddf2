package cortex

import "context"

// Forwarder is the consumer-facing edge: whatever external surface
// drives interactive chat turns into a ConversationOrchestrator and
// relays its output back out. It is deliberately the only boundary
// interface in this module that faces a human consumer rather than a
// backing service — every other external integration (store, model
// provider, tool servers) is an internal dependency Runtime owns.
type Forwarder interface {
	// Start begins accepting connections/messages and blocks until ctx
	// is cancelled or an unrecoverable error occurs.
	Start(ctx context.Context, handle MessageFunc) error
	// Close shuts down the forwarder's transport.
	Close() error
}

// MessageFunc is invoked once per inbound message a Forwarder receives,
// returning the text to relay back to that sender.
type MessageFunc func(ctx context.Context, connectionID, userID, text string) (string, error)
