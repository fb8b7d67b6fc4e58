// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivars

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/foxboron/go-uefi/efivar"
	"github.com/foxboron/go-uefi/efivarfs"
)

// AuthStore is the firmware-backed store with the authenticated update
// capability. Plain reads and writes go through the efivarfs layout directly;
// signature-database updates are wrapped into authenticated payloads by
// go-uefi, which also lifts the immutable attribute on the variable files.
type AuthStore struct {
	*FSStore

	efifs *efivarfs.Efivarfs
}

var _ SignedUpdater = (*AuthStore)(nil)

// NewAuthStore opens the platform efivarfs for authenticated updates.
func NewAuthStore() *AuthStore {
	return &AuthStore{
		FSStore: NewFSStore(),
		efifs: efivarfs.NewFS().
			CheckImmutable().
			UnsetImmutable().
			Open(),
	}
}

// WriteSignedUpdate implements SignedUpdater.
func (s *AuthStore) WriteSignedUpdate(v Variable, db *signature.SignatureDatabase, key crypto.Signer, cert *x509.Certificate) error {
	var ev efivar.Efivar

	switch v {
	case PKVar:
		ev = efivar.PK
	case KEKVar:
		ev = efivar.KEK
	case DbVar:
		ev = efivar.Db
	default:
		return fmt.Errorf("variable %s does not accept signed updates", v)
	}

	return s.efifs.WriteSignedUpdate(ev, db, key, cert)
}
