// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package efivars models the firmware variable store as an explicit
// read/write capability. The boot-time verifier and the enrollment path only
// ever see the Store interface, so they can be exercised against the
// in-memory implementation without touching the platform.
package efivars

import (
	"crypto"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/foxboron/go-uefi/efi/signature"

	"github.com/perigee-os/trustboot/pkg/constants"
)

// ErrNotFound is returned when a variable does not exist in the store.
var ErrNotFound = errors.New("efi variable not found")

// Attributes is the EFI variable attribute bitmask.
type Attributes uint32

const (
	NonVolatile                  Attributes = 0x1
	BootServiceAccess            Attributes = 0x2
	RuntimeAccess                Attributes = 0x4
	TimeBasedAuthenticatedAccess Attributes = 0x20
)

// Variable identifies an EFI variable by name and vendor GUID namespace.
type Variable struct {
	Name string
	GUID string
}

func (v Variable) String() string {
	return fmt.Sprintf("%s-%s", v.Name, v.GUID)
}

// Well-known variables.
var (
	SecureBootVar = Variable{Name: "SecureBoot", GUID: constants.GlobalVariableGUID}
	SetupModeVar  = Variable{Name: "SetupMode", GUID: constants.GlobalVariableGUID}
	PKVar         = Variable{Name: "PK", GUID: constants.GlobalVariableGUID}
	KEKVar        = Variable{Name: "KEK", GUID: constants.GlobalVariableGUID}
	DbVar         = Variable{Name: "db", GUID: constants.ImageSecurityDatabaseGUID}
)

// Store is the variable store capability.
type Store interface {
	// Get returns the variable contents without the attribute prefix.
	Get(v Variable) ([]byte, error)
	// Set writes the variable contents with the given attributes.
	Set(v Variable, attrs Attributes, data []byte) error
}

// SignedUpdater is the optional capability of stores that accept
// authenticated signature-database updates. The firmware-backed store
// implements it; the in-memory store does not, and enrollment falls back to
// writing the raw signature list.
type SignedUpdater interface {
	WriteSignedUpdate(v Variable, db *signature.SignatureDatabase, key crypto.Signer, cert *x509.Certificate) error
}

// SecureBootEnabled reads the platform SecureBoot flag. A missing variable
// means the platform has no Secure Boot support, which reads as disabled.
func SecureBootEnabled(store Store) (bool, error) {
	return readBinaryVariable(store, SecureBootVar)
}

// SetupModeEnabled reads the platform SetupMode flag.
func SetupModeEnabled(store Store) (bool, error) {
	return readBinaryVariable(store, SetupModeVar)
}

func readBinaryVariable(store Store, v Variable) (bool, error) {
	data, err := store.Get(v)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if len(data) != 1 {
		return false, fmt.Errorf("variable %s has unexpected number of bytes (got %d)", v, len(data))
	}

	switch data[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("unexpected contents of variable %s: %d", v, data[0])
	}
}

// FSStore is a Store backed by an efivarfs-style directory: one file per
// variable named <Name>-<GUID>, contents prefixed with a 4-byte little-endian
// attribute word.
type FSStore struct {
	// Root of the variable filesystem, normally /sys/firmware/efi/efivars.
	Root string
}

// NewFSStore returns a Store over the platform efivarfs mount.
func NewFSStore() *FSStore {
	return &FSStore{Root: "/sys/firmware/efi/efivars"}
}

func (s *FSStore) path(v Variable) string {
	return filepath.Join(s.Root, v.String())
}

// Get implements Store.
func (s *FSStore) Get(v Variable) ([]byte, error) {
	data, err := os.ReadFile(s.path(v))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, v)
	}

	if err != nil {
		return nil, err
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("variable %s is truncated (%d bytes)", v, len(data))
	}

	return data[4:], nil
}

// Set implements Store.
func (s *FSStore) Set(v Variable, attrs Attributes, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(attrs))
	copy(buf[4:], data)

	return os.WriteFile(s.path(v), buf, 0o644)
}

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu   sync.Mutex
	vars map[Variable][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{vars: map[Variable][]byte{}}
}

// Get implements Store.
func (s *MemStore) Get(v Variable) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.vars[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, v)
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

// Set implements Store.
func (s *MemStore) Set(v Variable, _ Attributes, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.vars[v] = stored

	return nil
}

// Len returns the number of variables currently in the store.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.vars)
}
