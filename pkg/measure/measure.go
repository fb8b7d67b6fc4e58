// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package measure computes the expected PCR values for the static image
// sections and signs the resulting TPM policy, so sealed secrets can be bound
// to a specific image before it ever boots.
package measure

import (
	"log/slog"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/measure/pcr"
	"github.com/perigee-os/trustboot/pkg/types"
)

// SectionsData holds a map of Section to the contents of the section.
type SectionsData map[constants.Section][]byte

// GenerateSignedPCR generates the signed PCR policy data for a given set of
// image sections, across all supported banks.
func GenerateSignedPCR(sectionsData SectionsData, rsaKey types.RSAKey, pcrNumber int, logger *slog.Logger) (*types.PCRData, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("Generating PCR data", "sections", len(sectionsData), "pcr", pcrNumber)

	data, algorithms := types.TPMAlgorithms()

	for _, algo := range algorithms {
		bankData, err := pcr.CalculateBankData(pcrNumber, algo.Alg, sectionsData, rsaKey)
		if err != nil {
			return nil, err
		}

		*algo.BankDataSetter = append(*algo.BankDataSetter, bankData)
	}

	return data, nil
}

// GenerateSignedPCRForBytes generates the signed PCR policy data for a single
// file measured as one event.
func GenerateSignedPCRForBytes(file string, rsaKey types.RSAKey, pcrNumber int) (*types.PCRData, error) {
	data, algorithms := types.TPMAlgorithms()

	for _, algo := range algorithms {
		bankData, err := pcr.CalculateBankDataForFile(pcrNumber, algo.Alg, file, rsaKey)
		if err != nil {
			return nil, err
		}

		*algo.BankDataSetter = append(*algo.BankDataSetter, bankData)
	}

	return data, nil
}
