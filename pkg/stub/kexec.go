// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stub

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// StageHandoff loads the verified payload for execution via
// kexec_file_load. The actual reboot into the staged kernel is left to the
// caller.
func StageHandoff(payload *Payload) error {
	kernel, err := stagePayloadFile("trustboot-kernel-*", payload.Kernel)
	if err != nil {
		return err
	}

	defer kernel.Close()

	initrd, err := stagePayloadFile("trustboot-initrd-*", payload.Initrd)
	if err != nil {
		return err
	}

	defer initrd.Close()

	if err := unix.KexecFileLoad(int(kernel.Fd()), int(initrd.Fd()), payload.Cmdline, 0); err != nil {
		return fmt.Errorf("kexec_file_load: %w", err)
	}

	return nil
}

func stagePayloadFile(pattern string, data []byte) (*os.File, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, err
	}

	// unlinked immediately, the fd keeps it alive
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()

		return nil, err
	}

	if _, err := f.Seek(0, 0); err != nil {
		f.Close()

		return nil, err
	}

	return f, nil
}
