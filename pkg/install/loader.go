// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// LoaderConf is the loader configuration written wholesale on each
// successful install.
type LoaderConf struct {
	// Timeout of the boot menu in seconds.
	Timeout int
	// Default entry file name.
	Default string
	// ConsoleMode of the loader.
	ConsoleMode string
}

// Marshal renders the key-value loader configuration.
func (c LoaderConf) Marshal() []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "timeout %d\n", c.Timeout)

	if c.Default != "" {
		fmt.Fprintf(&buf, "default %s\n", c.Default)
	}

	if c.ConsoleMode != "" {
		fmt.Fprintf(&buf, "console-mode %s\n", c.ConsoleMode)
	}

	return buf.Bytes()
}

// write atomically replaces the loader configuration at path.
func (c LoaderConf) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return renameio.WriteFile(path, c.Marshal(), 0o644)
}
