// Package connection keeps device sessions connected.
//
// A Device never reconnects by itself: after a disconnect it waits for an
// explicit Activate. A Supervisor watches one device and calls Activate
// again with exponential backoff until the channel is back.
//
// # Reconnection Strategy
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, ...
//  3. Maximum delay: 2 minutes
//  4. Reset to the initial delay once connected
//
// Each delay gets up to 25% random jitter so peers that dropped together do
// not redial together. A channel that opens but then fails certificate
// verification counts as a failed attempt.
package connection
