// Package cert holds the certificate primitives used for trust-on-first-use
// pairing.
//
// Every device owns a long-lived self-signed certificate whose common name is
// its device ID. Nothing here chains to a CA: when a peer is paired, its
// certificate is recorded as-is, and every later connection must present the
// byte-for-byte identical DER encoding.
package cert
