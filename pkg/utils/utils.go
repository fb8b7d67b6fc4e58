// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package utils holds small shared helpers.
package utils

import (
	"strings"

	"github.com/siderolabs/gen/xslices"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/types"
)

// SectionsData transforms a []types.ImageSection into a
// map[constants.Section][]byte based on types.ImageSection.Measure being
// true, so it obtains the set of sections that have to be measured.
func SectionsData(sections []types.ImageSection) map[constants.Section][]byte {
	measured := xslices.Filter(sections, func(s types.ImageSection) bool {
		return s.Measure
	})

	if len(measured) == 0 {
		return nil
	}

	return xslices.ToMap(measured, func(s types.ImageSection) (constants.Section, []byte) {
		return s.Name, s.Data
	})
}

// ToESPPath converts a slash-separated ESP-relative path to the
// backslash-separated form embedded into images and loader entries.
func ToESPPath(p string) string {
	return "\\" + strings.ReplaceAll(strings.TrimPrefix(p, "/"), "/", "\\")
}

// FromESPPath converts a backslash-separated ESP path back to a
// slash-separated path relative to the ESP root.
func FromESPPath(p string) string {
	return strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
}
