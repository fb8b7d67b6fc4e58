// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keystore manages the Secure Boot key hierarchy: the Platform Key
// (PK), the Key Exchange Key (KEK) and the signature database key (db),
// together with their enrollment into the firmware variable store.
package keystore

import (
	"crypto/rsa"
	stdx509 "crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/siderolabs/crypto/x509"
)

// KeyPair is one certificate plus its private key.
type KeyPair struct {
	Cert *stdx509.Certificate
	Key  *rsa.PrivateKey

	CertPEM []byte
	KeyPEM  []byte
}

// Hierarchy is the three-tier Secure Boot trust hierarchy. PK authorizes KEK
// updates, KEK authorizes db updates, db authorizes bootable-image
// signatures.
type Hierarchy struct {
	PK  *KeyPair
	KEK *KeyPair
	Db  *KeyPair
}

// NewKeyPair generates a self-signed RSA certificate and key.
func NewKeyPair(commonName string) (*KeyPair, error) {
	now := time.Now()

	ca, err := x509.NewSelfSignedCertificateAuthority(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName(commonName),
		x509.NotBefore(now),
		x509.NotAfter(now.AddDate(10, 0, 0)),
	)
	if err != nil {
		return nil, fmt.Errorf("generating %q: %w", commonName, err)
	}

	return parseKeyPair(ca.CrtPEM, ca.KeyPEM)
}

// LoadKeyPair reads a certificate and key from PEM files.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	return parseKeyPair(certPEM, keyPEM)
}

func parseKeyPair(certPEM, keyPEM []byte) (*KeyPair, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := stdx509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode key PEM")
	}

	var key *rsa.PrivateKey

	if parsed, err := stdx509.ParsePKCS8PrivateKey(keyBlock.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA key")
		}

		key = rsaKey
	} else {
		key, err = stdx509.ParsePKCS1PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	return &KeyPair{
		Cert:    cert,
		Key:     key,
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
	}, nil
}

// Save writes the pair as <prefix>.pem / <prefix>.key under dir.
func (kp *KeyPair) Save(dir, prefix string) error {
	if err := os.WriteFile(filepath.Join(dir, prefix+".pem"), kp.CertPEM, 0o600); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, prefix+".key"), kp.KeyPEM, 0o600)
}

// GenerateHierarchy creates a fresh PK/KEK/db hierarchy.
func GenerateHierarchy(owner string) (*Hierarchy, error) {
	h := &Hierarchy{}

	for _, gen := range []struct {
		name string
		dst  **KeyPair
	}{
		{owner + " Platform Key", &h.PK},
		{owner + " Key Exchange Key", &h.KEK},
		{owner + " Signature Database Key", &h.Db},
	} {
		kp, err := NewKeyPair(gen.name)
		if err != nil {
			return nil, err
		}

		*gen.dst = kp
	}

	return h, nil
}

// LoadHierarchy reads PK/KEK/db pairs from dir (PK.pem/PK.key etc.).
func LoadHierarchy(dir string) (*Hierarchy, error) {
	h := &Hierarchy{}

	for _, load := range []struct {
		prefix string
		dst    **KeyPair
	}{
		{"PK", &h.PK},
		{"KEK", &h.KEK},
		{"db", &h.Db},
	} {
		kp, err := LoadKeyPair(
			filepath.Join(dir, load.prefix+".pem"),
			filepath.Join(dir, load.prefix+".key"),
		)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", load.prefix, err)
		}

		*load.dst = kp
	}

	return h, nil
}

// Save writes all three pairs under dir.
func (h *Hierarchy) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	for _, save := range []struct {
		prefix string
		kp     *KeyPair
	}{
		{"PK", h.PK},
		{"KEK", h.KEK},
		{"db", h.Db},
	} {
		if err := save.kp.Save(dir, save.prefix); err != nil {
			return err
		}
	}

	return nil
}
