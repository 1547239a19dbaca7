package cert

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PEM encoding/decoding errors.
var (
	ErrInvalidPEM = errors.New("invalid PEM data")
	ErrInvalidKey = errors.New("invalid private key")
)

// File names used by LoadOrCreateIdentity.
const (
	CertificateFile = "certificate.pem"
	PrivateKeyFile  = "private.pem"
)

// EncodePEM encodes a certificate to PEM format.
func EncodePEM(c *Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: c.Raw(),
	}))
}

// DecodePEM decodes a PEM-encoded certificate.
func DecodePEM(data string) (*Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	return FromDER(block.Bytes)
}

// EncodeKeyPEM encodes an ECDSA private key to PEM format.
func EncodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	}), nil
}

// DecodeKeyPEM decodes a PEM-encoded ECDSA private key.
func DecodeKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Join(ErrInvalidKey, err)
	}
	return key, nil
}

// LoadIdentity reads a certificate and private key from dir.
func LoadIdentity(dir string) (*Identity, error) {
	certData, err := os.ReadFile(filepath.Join(dir, CertificateFile))
	if err != nil {
		return nil, err
	}
	keyData, err := os.ReadFile(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		return nil, err
	}

	c, err := DecodePEM(string(certData))
	if err != nil {
		return nil, err
	}
	key, err := DecodeKeyPEM(keyData)
	if err != nil {
		return nil, err
	}
	if !key.PublicKey.Equal(c.X509().PublicKey) {
		return nil, fmt.Errorf("%w: key does not match certificate", ErrInvalidKey)
	}
	return &Identity{Certificate: c, PrivateKey: key}, nil
}

// SaveIdentity writes the certificate and private key to dir. The key file
// is only readable by the owner.
func SaveIdentity(dir string, id *Identity) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	keyData, err := EncodeKeyPEM(id.PrivateKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), keyData, 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, CertificateFile), []byte(EncodePEM(id.Certificate)), 0644)
}

// LoadOrCreateIdentity loads the identity stored in dir, generating and
// saving a new one for deviceID if none exists yet.
func LoadOrCreateIdentity(dir, deviceID string) (*Identity, error) {
	id, err := LoadIdentity(dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = GenerateIdentity(deviceID)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}
