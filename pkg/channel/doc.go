// Package channel defines the bidirectional packet pipe between this host
// and one peer, and provides a TLS implementation and an in-memory pipe.
//
// A Channel reports its lifecycle to subscribers as Events. Subscriptions are
// cancellable: once Cancel returns, the handler is never invoked again, which
// lets a session rebind to a new channel without hearing stale events from
// the old one.
//
// Handlers are invoked from the channel's own goroutine and must not block.
package channel
