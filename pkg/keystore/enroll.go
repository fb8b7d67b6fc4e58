// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keystore

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/foxboron/go-uefi/efi/util"
	"github.com/google/uuid"

	"github.com/perigee-os/trustboot/pkg/efivars"
)

// ErrEnrollment is returned when the key chain cannot be validated or
// written. Nothing is written to the store on an enrollment error.
var ErrEnrollment = errors.New("enrollment failed")

// update is one staged variable write: a signature list plus the key pair
// that authorizes it.
type update struct {
	variable efivars.Variable
	esl      *signature.SignatureDatabase
	issuer   *KeyPair
	subject  *KeyPair
}

// signatureDatabase builds the EFI signature list holding the pair's
// certificate, with the owner GUID derived from the certificate itself.
//
// ref: https://blog.hansenpartnership.com/the-meaning-of-all-the-uefi-keys/
func signatureDatabase(kp *KeyPair) (*signature.SignatureDatabase, error) {
	owner := uuid.NewHash(sha256.New(), uuid.NameSpaceX500, kp.Cert.Raw, 4)

	efiGUID := util.StringToGUID(owner.String())

	db := signature.NewSignatureDatabase()
	if err := db.Append(signature.CERT_X509_GUID, *efiGUID, kp.Cert.Raw); err != nil {
		return nil, err
	}

	return db, nil
}

// updates stages the three variable writes in dependency order, PK last.
func (h *Hierarchy) updates() ([]update, error) {
	for _, req := range []struct {
		name string
		kp   *KeyPair
	}{
		{"PK", h.PK},
		{"KEK", h.KEK},
		{"db", h.Db},
	} {
		if req.kp == nil || req.kp.Cert == nil || req.kp.Key == nil {
			return nil, fmt.Errorf("%w: %s key material missing", ErrEnrollment, req.name)
		}
	}

	staged := make([]update, 0, 3)

	for _, link := range []struct {
		variable efivars.Variable
		subject  *KeyPair
		issuer   *KeyPair
	}{
		// db is authorized by KEK, KEK by PK, PK by itself. PK is
		// written last: its enrollment finalizes and locks the chain.
		{efivars.DbVar, h.Db, h.KEK},
		{efivars.KEKVar, h.KEK, h.PK},
		{efivars.PKVar, h.PK, h.PK},
	} {
		esl, err := signatureDatabase(link.subject)
		if err != nil {
			return nil, fmt.Errorf("%w: building %s signature list: %w", ErrEnrollment, link.variable.Name, err)
		}

		staged = append(staged, update{
			variable: link.variable,
			esl:      esl,
			issuer:   link.issuer,
			subject:  link.subject,
		})
	}

	return staged, nil
}

// validate checks every link against its issuer before anything is written:
// the issuer's key must match the issuer's certificate, and each certificate
// must carry a valid self-signature.
func validate(staged []update) error {
	for _, up := range staged {
		issuerPub, ok := up.issuer.Cert.PublicKey.(interface{ Equal(x crypto.PublicKey) bool })
		if !ok || !issuerPub.Equal(up.issuer.Key.Public()) {
			return fmt.Errorf("%w: %s issuer key does not match issuer certificate", ErrEnrollment, up.variable.Name)
		}

		if err := up.subject.Cert.CheckSignature(
			up.subject.Cert.SignatureAlgorithm,
			up.subject.Cert.RawTBSCertificate,
			up.subject.Cert.Signature,
		); err != nil {
			return fmt.Errorf("%w: %s certificate self-signature invalid: %w", ErrEnrollment, up.variable.Name, err)
		}
	}

	return nil
}

// Enroll writes the hierarchy into the variable store in strict dependency
// order: db, then KEK, then PK. The whole chain is validated first; a
// validation failure leaves no partial variable written.
func (h *Hierarchy) Enroll(store efivars.Store) error {
	staged, err := h.updates()
	if err != nil {
		return err
	}

	if err := validate(staged); err != nil {
		return err
	}

	signedUpdater, authenticated := store.(efivars.SignedUpdater)

	// Variable writes are not transactional: a failure below can leave db or
	// KEK written without PK. Because PK goes last, a partial chain never
	// activates enforcement, and re-running Enroll overwrites it in place.
	for _, up := range staged {
		slog.Info("Enrolling key", "variable", up.variable.Name, "subject", up.subject.Cert.Subject.CommonName)

		if authenticated {
			err = signedUpdater.WriteSignedUpdate(up.variable, up.esl, up.issuer.Key, up.issuer.Cert)
		} else {
			err = store.Set(up.variable,
				efivars.NonVolatile|efivars.BootServiceAccess|efivars.RuntimeAccess|efivars.TimeBasedAuthenticatedAccess,
				up.esl.Bytes())
		}

		if err != nil {
			return fmt.Errorf("%w: writing %s: %w", ErrEnrollment, up.variable.Name, err)
		}
	}

	return nil
}

// WriteSignatureLists exports the enrollment artifacts (PK.esl, KEK.esl,
// db.esl) consumable by external enrollment tooling.
func (h *Hierarchy) WriteSignatureLists(dir string) error {
	staged, err := h.updates()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	for _, up := range staged {
		path := filepath.Join(dir, up.variable.Name+".esl")
		if err := os.WriteFile(path, up.esl.Bytes(), 0o600); err != nil {
			return err
		}
	}

	return nil
}

// DbCertificate returns the signature-database certificate used to verify
// bootable images.
func (h *Hierarchy) DbCertificate() *x509.Certificate {
	return h.Db.Cert
}
