package cert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DeviceCertValidity is the validity period of a generated device certificate.
const DeviceCertValidity = 10 * 365 * 24 * time.Hour // 10 years

// Certificate errors.
var (
	ErrInvalidCert         = errors.New("invalid certificate")
	ErrCertificateMismatch = errors.New("certificate does not match the paired certificate")
	ErrNoCertificate       = errors.New("no certificate presented")
)

// Certificate wraps a parsed X.509 certificate.
type Certificate struct {
	x509 *x509.Certificate
}

// FromX509 wraps an already parsed certificate.
func FromX509(c *x509.Certificate) (*Certificate, error) {
	if c == nil || len(c.Raw) == 0 {
		return nil, ErrInvalidCert
	}
	return &Certificate{x509: c}, nil
}

// FromDER parses a DER encoded certificate.
func FromDER(der []byte) (*Certificate, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Join(ErrInvalidCert, err)
	}
	return &Certificate{x509: c}, nil
}

// X509 returns the underlying certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.x509
}

// Raw returns the DER encoding.
func (c *Certificate) Raw() []byte {
	if c == nil {
		return nil
	}
	return c.x509.Raw
}

// CommonName returns the subject common name, which is the owner's device ID.
func (c *Certificate) CommonName() string {
	if c == nil {
		return ""
	}
	return c.x509.Subject.CommonName
}

// Equal reports whether both certificates have identical DER encodings.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return c == nil && other == nil
	}
	return bytes.Equal(c.x509.Raw, other.x509.Raw)
}

// Fingerprint returns the SHA-1 digest of the DER encoding as colon
// separated lowercase hex, e.g. "3a:07:...".
func (c *Certificate) Fingerprint() string {
	if c == nil {
		return ""
	}
	sum := sha1.Sum(c.x509.Raw)
	return formatFingerprint(sum[:])
}

func formatFingerprint(sum []byte) string {
	var b strings.Builder
	b.Grow(len(sum) * 3)
	for i, v := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex.EncodeToString([]byte{v}))
	}
	return b.String()
}

// Identity is a device's own certificate together with its private key.
type Identity struct {
	Certificate *Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// DeviceID returns the device ID embedded in the certificate.
func (id *Identity) DeviceID() string {
	return id.Certificate.CommonName()
}

// TLSCertificate returns the identity in the form crypto/tls expects.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw()},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate.X509(),
	}
}
