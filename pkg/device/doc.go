// Package device implements the per-peer session: it binds one channel to a
// remote device, enforces the pinned-certificate check, drives the pairing
// state machine and routes received packets to plugins.
//
// Every state change of a Device runs on its own event loop goroutine.
// Channel events, pairing timeouts and public actions are queued to the loop
// and handled one at a time, so a disconnect finishes unloading plugins
// before any packet queued behind it is looked at. Public actions block until
// the loop has run them; attribute getters read a snapshot and never block on
// the loop.
//
// Observers, pair prompts and plugins are called on the loop. They must not
// block and must not call the Device's blocking methods (Activate, Attach,
// Pair, Unpair, AcceptPair, RejectPair, HandlePacket, Close) synchronously.
// PairPrompt actions are safe to call from any other goroutine.
package device
