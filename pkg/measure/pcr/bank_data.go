// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pcr implements the expected-PCR calculation and policy signing for
// the static image sections.
package pcr

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/go-tpm/tpm2"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/types"
)

// CalculateBankData calculates the PCR bank data for a given set of image
// sections.
//
// This mimics the PCR extensions happening when the image is loaded: for each
// static section, in order, the NULL-terminated section name and the section
// contents are measured.
func CalculateBankData(pcrNumber int, alg tpm2.TPMAlgID, sectionData map[constants.Section][]byte, rsaKey types.RSAKey) (types.BankData, error) {
	if rsaKey == nil {
		return types.BankData{}, errors.New("nil RSAKey passed")
	}

	hashAlg, err := alg.Hash()
	if err != nil {
		return types.BankData{}, err
	}

	hashData := NewDigest(hashAlg)

	for _, section := range constants.OrderedSections() {
		if data, ok := sectionData[section]; ok {
			slog.Debug("Measuring section", "section", section, "alg", hashAlg.String())

			// NULL terminated, thats why we adding the 0 at the end
			hashData.Extend(append([]byte(section), 0))
			hashData.Extend(data)
		}
	}

	return signedBankData(pcrNumber, alg, hashData.Hash(), rsaKey)
}

// CalculateBankDataForFile calculates the PCR bank data for a single file
// measured as one event.
func CalculateBankDataForFile(pcrNumber int, alg tpm2.TPMAlgID, file string, rsaKey types.RSAKey) (types.BankData, error) {
	if rsaKey == nil {
		return types.BankData{}, errors.New("nil RSAKey passed")
	}

	hashAlg, err := alg.Hash()
	if err != nil {
		return types.BankData{}, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return types.BankData{}, err
	}

	hashData := NewDigest(hashAlg)
	hashData.Extend(data)

	return signedBankData(pcrNumber, alg, hashData.Hash(), rsaKey)
}

func signedBankData(pcrNumber int, alg tpm2.TPMAlgID, pcrValue []byte, rsaKey types.RSAKey) (types.BankData, error) {
	pubKeyFingerprint := sha256.Sum256(x509.MarshalPKCS1PublicKey(rsaKey.PublicRSAKey()))

	pcrSelector, err := CreateSelector([]int{pcrNumber})
	if err != nil {
		return types.BankData{}, fmt.Errorf("failed to create PCR selection: %w", err)
	}

	pcrSelection := tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      alg,
				PCRSelect: pcrSelector,
			},
		},
	}

	policyPCR, err := CalculatePolicy(pcrValue, pcrSelection)
	if err != nil {
		return types.BankData{}, err
	}

	signature, err := rsaKey.Sign(rand.Reader, policyPCR, crypto.SHA256)
	if err != nil {
		return types.BankData{}, err
	}

	slog.Debug("signed policy",
		"PKFP", hex.EncodeToString(pubKeyFingerprint[:]),
		"pol", hex.EncodeToString(policyPCR))

	return types.BankData{
		PCRs: []int{pcrNumber},
		PKFP: hex.EncodeToString(pubKeyFingerprint[:]),
		Pol:  hex.EncodeToString(policyPCR),
		Sig:  base64.StdEncoding.EncodeToString(signature),
	}, nil
}

// CreateSelector converts PCR numbers into a bitmask.
func CreateSelector(pcrs []int) ([]byte, error) {
	// From https://trustedcomputinggroup.org/resource/pc-client-platform-tpm-profile-ptp-specification/
	// A conformant TPM SHALL allow an allocation of a minimum of 24 PCRs, 0-23, within all allocated banks

	const sizeOfPCRSelect = 3

	mask := make([]byte, sizeOfPCRSelect)

	for _, n := range pcrs {
		if n >= 8*sizeOfPCRSelect {
			return nil, fmt.Errorf("PCR index %d is out of range (exceeds maximum value %d)", n, 8*sizeOfPCRSelect-1)
		}

		mask[n>>3] |= 1 << (n & 0x7)
	}

	return mask, nil
}

// CalculatePolicy calculates the policy hash for a given PCR value and PCR selection.
func CalculatePolicy(pcrValue []byte, pcrSelection tpm2.TPMLPCRSelection) ([]byte, error) {
	calculator, err := tpm2.NewPolicyCalculator(tpm2.TPMAlgSHA256)
	if err != nil {
		return nil, err
	}

	calculator.Reset()

	pcrHash := sha256.Sum256(pcrValue)

	policy := tpm2.PolicyPCR{
		PcrDigest: tpm2.TPM2BDigest{
			Buffer: pcrHash[:],
		},
		Pcrs: pcrSelection,
	}

	if err := policy.Update(calculator); err != nil {
		return nil, err
	}

	return calculator.Hash().Digest, nil
}
