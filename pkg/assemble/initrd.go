// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package assemble

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/cavaliergopher/cpio"

	"github.com/perigee-os/trustboot/pkg/types"
)

// InjectSecrets appends the secrets manifest to a copy of the initrd as a
// trailing newc cpio archive, so the kernel overlays them over the base
// initrd contents. The secrets become part of what gets hashed and measured:
// a secrets-only change yields a different initrd and a different image.
func InjectSecrets(initrd []byte, secrets types.SecretsManifest) ([]byte, error) {
	if len(secrets) == 0 {
		return initrd, nil
	}

	var archive bytes.Buffer

	writer := cpio.NewWriter(&archive)

	seen := map[string]bool{}

	for _, dest := range secrets.SortedPaths() {
		data, err := os.ReadFile(secrets[dest])
		if err != nil {
			return nil, fmt.Errorf("reading secret source for %q: %w", dest, err)
		}

		name := strings.TrimPrefix(dest, "/")
		if name == "" {
			return nil, fmt.Errorf("invalid secret destination %q", dest)
		}

		// parent directories first, once
		if err := writeParents(writer, path.Dir(name), seen); err != nil {
			return nil, err
		}

		hdr := &cpio.Header{
			Name: name,
			Mode: 0o400,
			Size: int64(len(data)),
		}

		if err := writer.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing secret header for %q: %w", dest, err)
		}

		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("writing secret for %q: %w", dest, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing secrets archive: %w", err)
	}

	out := make([]byte, 0, len(initrd)+archive.Len())
	out = append(out, initrd...)
	out = append(out, archive.Bytes()...)

	return out, nil
}

func writeParents(writer *cpio.Writer, dir string, seen map[string]bool) error {
	if dir == "." || dir == "/" || seen[dir] {
		return nil
	}

	if parent := path.Dir(dir); parent != dir {
		if err := writeParents(writer, parent, seen); err != nil {
			return err
		}
	}

	seen[dir] = true

	return writer.WriteHeader(&cpio.Header{
		Name: dir,
		Mode: cpio.TypeDir | 0o500,
	})
}
