package cert

import "fmt"

// VerifyPinned applies the trust-on-first-use rule. With no pinned
// certificate any presented certificate is accepted. Otherwise the presented
// certificate must be byte-for-byte identical to the pinned one.
func VerifyPinned(pinned, presented *Certificate) error {
	if pinned == nil {
		return nil
	}
	if presented == nil {
		return ErrNoCertificate
	}
	if !pinned.Equal(presented) {
		return fmt.Errorf("%w: expected %s, got %s",
			ErrCertificateMismatch, pinned.Fingerprint(), presented.Fingerprint())
	}
	return nil
}

// PeerCertificate extracts the leaf certificate from a TLS handshake's raw
// certificate list.
func PeerCertificate(rawCerts [][]byte) (*Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, ErrNoCertificate
	}
	return FromDER(rawCerts[0])
}
