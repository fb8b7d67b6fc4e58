// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stub

import (
	"crypto/sha256"
	"errors"
	"io/fs"
	"os"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
)

// TPM is the measurement capability the verifier needs. A nil TPM means no
// TPM is present, which is not an error.
type TPM interface {
	// Extend extends a PCR with the SHA-256 digest of the event.
	Extend(index int, event []byte) error
	Close() error
}

// DeviceTPM extends PCRs of the platform TPM character device.
type DeviceTPM struct {
	transport transport.TPMCloser
}

var tpmDevicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}

// OpenTPM opens the platform TPM. It returns (nil, nil) when no TPM device
// exists, so callers can distinguish absence from failure.
func OpenTPM() (*DeviceTPM, error) {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		t, err := linuxtpm.Open(path)
		if err != nil {
			return nil, err
		}

		return &DeviceTPM{transport: t}, nil
	}

	return nil, nil
}

// Extend implements TPM.
func (t *DeviceTPM) Extend(index int, event []byte) error {
	digest := sha256.Sum256(event)

	_, err := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(index),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{
				{
					HashAlg: tpm2.TPMAlgSHA256,
					Digest:  digest[:],
				},
			},
		},
	}.Execute(t.transport)

	return err
}

// Close implements TPM.
func (t *DeviceTPM) Close() error {
	return t.transport.Close()
}
