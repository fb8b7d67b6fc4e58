// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package types holds the shared data model: generations, specialisations,
// image sections and the PCR signature document.
package types

import (
	"crypto"
	"crypto/rsa"
	"sort"

	"github.com/google/go-tpm/tpm2"

	"github.com/perigee-os/trustboot/pkg/constants"
)

// SecretsManifest maps a destination path inside the initrd to the source
// file the secret is read from at install time.
type SecretsManifest map[string]string

// SortedPaths returns the destination paths in deterministic order.
func (m SecretsManifest) SortedPaths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// Specialisation is a named variant of a generation sharing its number but
// overriding the command line and/or secrets. Its image is always installed
// strictly after the parent generation's image.
type Specialisation struct {
	Name    string          `json:"name"`
	Cmdline string          `json:"cmdline,omitempty"`
	Secrets SecretsManifest `json:"secrets,omitempty"`
}

// Generation identifies one installable OS version. It is immutable: a
// changed generation is a new generation.
type Generation struct {
	Number          int              `json:"generation"`
	KernelPath      string           `json:"kernel"`
	InitrdPath      string           `json:"initrd"`
	Cmdline         string           `json:"cmdline"`
	Version         string           `json:"version,omitempty"`
	Secrets         SecretsManifest  `json:"secrets,omitempty"`
	Specialisations []Specialisation `json:"specialisations,omitempty"`
}

// ImageSection is a PE section to be embedded into the bootable image.
type ImageSection struct {
	// Section name.
	Name constants.Section
	// Contents of the section.
	Data []byte
	// Should the section be measured to the TPM?
	Measure bool
	// Should the section be appended, or is it already in the PE file.
	Append bool
}

// PCRData is the data structure for PCR signature json.
type PCRData struct {
	SHA1   []BankData `json:"sha1,omitempty"`
	SHA256 []BankData `json:"sha256,omitempty"`
	SHA384 []BankData `json:"sha384,omitempty"`
	SHA512 []BankData `json:"sha512,omitempty"`
}

// BankData contains data for a specific PCR bank.
type BankData struct {
	// list of PCR banks
	PCRs []int `json:"pcrs"`
	// Public key of the TPM
	PKFP string `json:"pkfp"`
	// Policy digest
	Pol string `json:"pol"`
	// Signature of the policy digest in base64
	Sig string `json:"sig"`
}

// Algorithm pairs a TPM hash algorithm with the bank the results land in.
type Algorithm struct {
	Alg            tpm2.TPMAlgID
	BankDataSetter *[]BankData
}

// TPMAlgorithms returns an empty PCRData together with the algorithms that
// fill its banks.
func TPMAlgorithms() (*PCRData, []Algorithm) {
	data := &PCRData{}
	algs := []Algorithm{
		{
			Alg:            tpm2.TPMAlgSHA1,
			BankDataSetter: &data.SHA1,
		},
		{
			Alg:            tpm2.TPMAlgSHA256,
			BankDataSetter: &data.SHA256,
		},
		{
			Alg:            tpm2.TPMAlgSHA384,
			BankDataSetter: &data.SHA384,
		},
		{
			Alg:            tpm2.TPMAlgSHA512,
			BankDataSetter: &data.SHA512,
		},
	}

	return data, algs
}

// RSAKey is the signing key input for the PCR policy calculation.
type RSAKey interface {
	crypto.Signer
	PublicRSAKey() *rsa.PublicKey
}
