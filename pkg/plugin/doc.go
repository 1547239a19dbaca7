// Package plugin selects, loads and routes packets to the feature plugins
// of a trusted peer.
//
// A Registry lists the plugins this host knows about. Each Descriptor names
// the packet types the plugin consumes (incoming) and produces (outgoing).
// A plugin is supported for a peer when it can consume something the peer
// produces, or produce something the peer consumes.
//
// A Manager owns the loaded plugin instances of one peer and the routing
// table from packet type to plugin. A packet type is routed to the first
// plugin that claimed it; later claimants are reported as conflicts.
package plugin
