// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcr

import (
	"crypto"
)

// Digest emulates a PCR register: a zero-initialized value extended with the
// digest of each event, never overwritten.
type Digest struct {
	alg   crypto.Hash
	value []byte
}

// NewDigest returns a zeroed PCR emulation for the given algorithm.
func NewDigest(alg crypto.Hash) *Digest {
	return &Digest{
		alg:   alg,
		value: make([]byte, alg.Size()),
	}
}

// Extend extends the PCR value with the digest of data.
func (d *Digest) Extend(data []byte) {
	eventHash := d.alg.New()
	eventHash.Write(data)

	registerHash := d.alg.New()
	registerHash.Write(d.value)
	registerHash.Write(eventHash.Sum(nil))

	d.value = registerHash.Sum(nil)
}

// Hash returns the current PCR value.
func (d *Digest) Hash() []byte {
	out := make([]byte, len(d.value))
	copy(out, d.value)

	return out
}
