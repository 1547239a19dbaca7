// Package pairing implements the trust-on-first-use pairing state machine.
//
// A Machine tracks whether a peer is trusted and runs the request, accept,
// reject, timeout and revoke transitions. It performs no I/O itself: every
// side effect (sending pair packets, pinning the certificate, showing the
// prompt, loading plugins) goes through the Env it was created with.
//
// A Machine is not safe for concurrent use. The owner calls it from a single
// goroutine and routes timer expiry back onto that goroutine with
// Config.Dispatch.
package pairing
