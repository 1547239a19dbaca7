package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrEmptyDeviceID is returned when generating a certificate without a device ID.
var ErrEmptyDeviceID = errors.New("device ID is required")

// GenerateIdentity creates an ECDSA P-256 key and a self-signed certificate
// whose common name is deviceID.
func GenerateIdentity(deviceID string) (*Identity, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	// Backdate by a year so peers with a skewed clock still accept it.
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"kclink"},
			OrganizationalUnit: []string{"kclink"},
		},
		NotBefore:             now.Add(-365 * 24 * time.Hour),
		NotAfter:              now.Add(DeviceCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	c, err := FromDER(der)
	if err != nil {
		return nil, err
	}
	return &Identity{Certificate: c, PrivateKey: key}, nil
}
