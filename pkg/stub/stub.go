// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stub implements the boot-time verification state machine: it
// parses an installed image, verifies its signature against the enrolled
// signature database, recomputes the payload hashes, extends the kernel
// image PCR and hands the verified payload off.
package stub

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/foxboron/go-uefi/efi/signature"

	"github.com/perigee-os/trustboot/pkg/assemble"
	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/efivars"
	"github.com/perigee-os/trustboot/pkg/pesign"
	"github.com/perigee-os/trustboot/pkg/utils"
)

// Verification error taxonomy.
var (
	ErrSignatureInvalid   = errors.New("image signature invalid")
	ErrHashMismatch       = errors.New("payload hash mismatch")
	ErrMeasurementFailure = errors.New("TPM measurement failed")
	ErrVariableExport     = errors.New("variable export failed")
)

// State of the verification state machine.
type State string

const (
	StateLoaded           State = "Loaded"
	StateSignatureChecked State = "SignatureChecked"
	StateHashChecked      State = "HashChecked"
	StateMeasured         State = "Measured"
	StateHandedOff        State = "HandedOff"
	StateRejected         State = "Rejected"
)

// Policy decides whether a failed check is fatal.
type Policy int

const (
	// PolicyEnforcing fails closed: any signature or hash failure rejects
	// the boot.
	PolicyEnforcing Policy = iota
	// PolicyPermissive logs failed checks as warnings and boots anyway.
	PolicyPermissive
)

func (p Policy) String() string {
	if p == PolicyEnforcing {
		return "enforcing"
	}

	return "permissive"
}

// PolicyFromPlatform derives the policy from the platform Secure Boot
// enablement flag, consulted exactly once per boot.
func PolicyFromPlatform(store efivars.Store) (Policy, error) {
	enabled, err := efivars.SecureBootEnabled(store)
	if err != nil {
		return PolicyEnforcing, err
	}

	if enabled {
		return PolicyEnforcing, nil
	}

	return PolicyPermissive, nil
}

// EmbeddedConfig is the configuration embedded into the image at assembly
// time.
type EmbeddedConfig struct {
	KernelPath string
	KernelHash []byte
	InitrdPath string
	InitrdHash []byte
	Cmdline    string
	OSRelease  string
}

// ParseConfig extracts the embedded configuration from an installed image.
func ParseConfig(image []byte) (*EmbeddedConfig, error) {
	cfg := &EmbeddedConfig{}

	for _, section := range []struct {
		name constants.Section
		dst  *[]byte
	}{
		{constants.KernelHash, &cfg.KernelHash},
		{constants.InitrdHash, &cfg.InitrdHash},
	} {
		data, err := assemble.ReadSection(image, section.name)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", section.name, err)
		}

		if len(data) != sha256.Size {
			return nil, fmt.Errorf("section %s is not a SHA-256 hash (%d bytes)", section.name, len(data))
		}

		*section.dst = data
	}

	for _, section := range []struct {
		name constants.Section
		dst  *string
	}{
		{constants.KernelPath, &cfg.KernelPath},
		{constants.InitrdPath, &cfg.InitrdPath},
		{constants.CMDLine, &cfg.Cmdline},
		{constants.OSRel, &cfg.OSRelease},
	} {
		data, err := assemble.ReadSection(image, section.name)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", section.name, err)
		}

		*section.dst = string(data)
	}

	return cfg, nil
}

// Payload is the verified kernel, initrd and command line ready for handoff.
type Payload struct {
	Kernel  []byte
	Initrd  []byte
	Cmdline string
}

// Verifier runs the verification state machine once per boot attempt. There
// are no retries: each check runs exactly once.
type Verifier struct {
	// Image is the installed image, mapped in by the firmware.
	Image []byte
	// Boot is the filesystem the payload artifacts are loaded from.
	Boot fs.FS
	// Vars is the platform variable store.
	Vars efivars.Store
	// TPM is the measurement capability; nil means no TPM present.
	TPM TPM
	// Policy decides fail-open vs fail-closed.
	Policy Policy
	// Info identifies the booted image for the exported variables.
	Info BootInfo

	Logger *slog.Logger

	state State
}

// State returns the current state of the machine.
func (v *Verifier) State() State {
	return v.state
}

// Run executes Loaded → SignatureChecked → HashChecked → Measured →
// HandedOff, entering the terminal Rejected state on a fatal check failure.
func (v *Verifier) Run() (*Payload, error) {
	if v.Logger == nil {
		v.Logger = slog.Default()
	}

	v.state = StateLoaded

	cfg, err := ParseConfig(v.Image)
	if err != nil {
		// an image without embedded configuration cannot be booted
		// under any policy
		v.state = StateRejected

		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	if err := v.advance(v.verifySignature(), StateSignatureChecked); err != nil {
		return nil, err
	}

	payload, hashErr := v.loadPayload(cfg)
	if err := v.advance(hashErr, StateHashChecked); err != nil {
		return nil, err
	}

	if payload == nil {
		// artifacts unreadable: nothing to hand off even when permissive
		v.state = StateRejected

		return nil, fmt.Errorf("%w: payload not loadable", ErrHashMismatch)
	}

	if err := v.measure(); err != nil {
		// a present-but-failing TPM blocks the boot under any policy
		v.state = StateRejected

		return nil, err
	}

	v.state = StateMeasured

	if err := v.export(); err != nil {
		// advisory variables: log and continue
		v.Logger.Warn("Failed to export status variables", "error", err)
	}

	v.state = StateHandedOff

	return payload, nil
}

// advance moves to the next state, deciding whether a failed check is fatal
// based on the enforcement policy.
func (v *Verifier) advance(err error, next State) error {
	if err == nil {
		v.state = next

		return nil
	}

	if v.Policy == PolicyEnforcing {
		v.Logger.Error("Verification failed", "state", v.state, "error", err)
		v.state = StateRejected

		return err
	}

	v.Logger.Warn("Verification failed, continuing: enforcement inactive", "state", v.state, "error", err)
	v.state = next

	return nil
}

// verifySignature checks the image's authenticode signature against the
// X.509 certificates in the enrolled signature database.
func (v *Verifier) verifySignature() error {
	dbData, err := v.Vars.Get(efivars.DbVar)
	if err != nil {
		return fmt.Errorf("%w: reading signature database: %w", ErrSignatureInvalid, err)
	}

	db, err := signature.ReadSignatureDatabase(bytes.NewReader(dbData))
	if err != nil {
		return fmt.Errorf("%w: parsing signature database: %w", ErrSignatureInvalid, err)
	}

	for _, list := range db {
		if list.SignatureType != signature.CERT_X509_GUID {
			continue
		}

		for _, sig := range list.Signatures {
			cert, err := x509.ParseCertificate(sig.Data)
			if err != nil {
				v.Logger.Debug("Skipping unparseable db certificate", "error", err)

				continue
			}

			ok, err := pesign.VerifyData(v.Image, cert)
			if err == nil && ok {
				v.Logger.Debug("Image signature verified", "subject", cert.Subject.CommonName)

				return nil
			}
		}
	}

	return fmt.Errorf("%w: no enrolled certificate verifies the image", ErrSignatureInvalid)
}

// loadPayload reads the kernel and initrd artifacts and compares their
// hashes against the signature-protected values embedded in the image.
func (v *Verifier) loadPayload(cfg *EmbeddedConfig) (*Payload, error) {
	kernel, err := fs.ReadFile(v.Boot, utils.FromESPPath(cfg.KernelPath))
	if err != nil {
		return nil, fmt.Errorf("%w: reading kernel %q: %w", ErrHashMismatch, cfg.KernelPath, err)
	}

	initrd, err := fs.ReadFile(v.Boot, utils.FromESPPath(cfg.InitrdPath))
	if err != nil {
		return nil, fmt.Errorf("%w: reading initrd %q: %w", ErrHashMismatch, cfg.InitrdPath, err)
	}

	payload := &Payload{
		Kernel:  kernel,
		Initrd:  initrd,
		Cmdline: cfg.Cmdline,
	}

	if kernelHash := sha256.Sum256(kernel); !bytes.Equal(kernelHash[:], cfg.KernelHash) {
		return payload, fmt.Errorf("%w: kernel hash does not match", ErrHashMismatch)
	}

	if initrdHash := sha256.Sum256(initrd); !bytes.Equal(initrdHash[:], cfg.InitrdHash) {
		return payload, fmt.Errorf("%w: initrd hash does not match", ErrHashMismatch)
	}

	return payload, nil
}

// measure extends the kernel image PCR with the static sections, in the same
// order the expected values are precomputed in. TPM absence skips the step;
// an extend failure on a present TPM is fatal.
func (v *Verifier) measure() error {
	if v.TPM == nil {
		v.Logger.Info("No TPM present, skipping measurement")

		return nil
	}

	for _, section := range constants.OrderedSections() {
		data, err := assemble.ReadSection(v.Image, section)
		if err != nil {
			continue
		}

		for _, event := range [][]byte{append([]byte(section), 0), data} {
			if err := v.TPM.Extend(constants.KernelImagePCR, event); err != nil {
				return fmt.Errorf("%w: extending PCR %d: %w", ErrMeasurementFailure, constants.KernelImagePCR, err)
			}
		}
	}

	return nil
}

func (v *Verifier) export() error {
	measured := v.TPM != nil

	return ExportVariables(v.Vars, v.Info, measured)
}
