// Package packet defines the wire format exchanged with a peer device.
//
// Every packet is a JSON object with three members:
//
//	{
//	  "id":   1700000000000,          // integer, sender-chosen (ms timestamp)
//	  "type": "kdeconnect.identity",  // packet type, also the capability name
//	  "body": { ... }                 // type-specific object
//	}
//
// Packets travel newline-delimited: one JSON document per line.
//
// # Built-in types
//
// Two types are handled by the session core itself:
//   - TypeIdentity: announces the peer's id, name, type, address and capabilities
//   - TypePair: requests (pair=true) or revokes/rejects (pair=false) trust
//
// Every other type is routed to a plugin by its capability name.
package packet
