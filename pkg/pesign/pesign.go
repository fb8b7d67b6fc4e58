// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pesign implements the PE (portable executable) signing.
package pesign

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/foxboron/go-uefi/authenticode"
)

// ErrSigning is returned when the signing key is unavailable or malformed,
// or the signature could not be produced.
var ErrSigning = errors.New("signing failed")

// CertificateSigner is a provider of the certificate and the signer.
type CertificateSigner interface {
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// Signer signs PE (portable executable) files.
type Signer struct {
	provider CertificateSigner
}

// NewSigner creates a new Signer.
func NewSigner(provider CertificateSigner) (*Signer, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: no certificate provider", ErrSigning)
	}

	return &Signer{
		provider: provider,
	}, nil
}

// SignData signs the PE image in memory and returns the signed bytes. The
// signature covers all embedded sections, and is verified once before the
// bytes are handed back.
func (s *Signer) SignData(unsigned []byte) ([]byte, error) {
	binary, err := authenticode.Parse(bytes.NewReader(unsigned))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing PE binary: %w", ErrSigning, err)
	}

	// Sign returns the detached signature; the signed binary is what gets
	// published.
	if _, err := binary.Sign(s.provider.Signer(), s.provider.Certificate()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	ok, err := binary.Verify(s.provider.Certificate())
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: produced signature does not verify", ErrSigning)
	}

	return binary.Bytes(), nil
}

// Sign signs the input file and writes the output to the output file.
func (s *Signer) Sign(input, output string) error {
	slog.Debug("Signing file", "input", input, "output", output)

	unsigned, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrSigning, input, err)
	}

	signed, err := s.SignData(unsigned)
	if err != nil {
		return err
	}

	return os.WriteFile(output, signed, 0o600)
}

// VerifyData checks the authenticode signature of a PE image against a
// certificate.
func VerifyData(image []byte, cert *x509.Certificate) (bool, error) {
	binary, err := authenticode.Parse(bytes.NewReader(image))
	if err != nil {
		return false, err
	}

	return binary.Verify(cert)
}

// SecureBootSigner implements the CertificateSigner interface over a
// file-based or PKCS#11-based key.
type SecureBootSigner struct {
	key  crypto.Signer
	cert *x509.Certificate
}

// Verify interface.
var _ CertificateSigner = (*SecureBootSigner)(nil)

// Signer returns the signer.
func (s *SecureBootSigner) Signer() crypto.Signer {
	return s.key
}

// Certificate returns the certificate.
func (s *SecureBootSigner) Certificate() *x509.Certificate {
	return s.cert
}

// NewSecureBootSigner loads the signing certificate and key. The key may be a
// PEM file path or a pkcs11: URI.
func NewSecureBootSigner(certPath, keyPath string) (*SecureBootSigner, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(keyPath, "pkcs11:") {
		key, err := loadPKCS11Signer(keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSigning, err)
		}

		return &SecureBootSigner{key: key, cert: cert}, nil
	}

	key, err := loadRSAKey(keyPath)
	if err != nil {
		return nil, err
	}

	return &SecureBootSigner{key: key, cert: cert}, nil
}

func loadCertificate(certPath string) (*x509.Certificate, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, fmt.Errorf("%w: failed to decode certificate %s", ErrSigning, certPath)
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse certificate: %w", ErrSigning, err)
	}

	return cert, nil
}

func loadRSAKey(keyPath string) (*rsa.PrivateKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode private key %s", ErrSigning, keyPath)
	}

	// PKCS#8 first, PKCS#1 as fallback.
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an RSA key", ErrSigning, keyPath)
		}

		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse private RSA key: %w", ErrSigning, err)
	}

	return rsaKey, nil
}

// PCRSigner implements the types.RSAKey interface for PCR policy signing.
type PCRSigner struct {
	key *rsa.PrivateKey
}

// PublicRSAKey returns the public key.
func (s *PCRSigner) PublicRSAKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Public returns the public key.
func (s *PCRSigner) Public() crypto.PublicKey {
	return s.PublicRSAKey()
}

// Sign implements the crypto.Signer interface.
func (s *PCRSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) (signature []byte, err error) {
	return s.key.Sign(rand, digest, opts)
}

// NewPCRSigner creates a new PCR signer from the private key file.
func NewPCRSigner(keyPath string) (*PCRSigner, error) {
	key, err := loadRSAKey(keyPath)
	if err != nil {
		return nil, err
	}

	return &PCRSigner{key}, nil
}
