// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package install turns a set of generation descriptors into the published
// state of the EFI system partition, atomically and idempotently.
//
// Ordering is a fixed, enforced sequence: every image is fully published
// before the loader configuration is updated, and the loader configuration
// is updated before anything is pruned. A crash at any point leaves a
// previously-bootable state intact.
package install

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/perigee-os/trustboot/pkg/assemble"
	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/pesign"
	"github.com/perigee-os/trustboot/pkg/types"
	"github.com/perigee-os/trustboot/pkg/utils"
)

// ErrInstall is returned when the install aborts. No destructive step has
// run by then: the loader configuration and the previously published images
// are untouched.
var ErrInstall = errors.New("install failed")

// ErrUnbootable guards against installing a configuration that would leave
// the system without a single bootable generation.
var ErrUnbootable = fmt.Errorf("%w: would result in zero bootable generations", ErrInstall)

// Installer assembles, signs and publishes all configured generations.
type Installer struct {
	// ESP is the mount point of the EFI system partition.
	ESP string
	// StubPath is the base stub binary images are assembled from.
	StubPath string
	// Signer signs every published image with the db key.
	Signer *pesign.Signer
	// PCRSigner optionally signs the expected PCR policy per image.
	PCRSigner types.RSAKey

	// Generations to publish. Everything else gets pruned.
	Generations []types.Generation

	// OSName used for generated os-release sections.
	OSName string
	// Loader configuration knobs.
	Timeout     int
	ConsoleMode string

	Logger *slog.Logger
}

// Result reports what an install did, for logging and verification.
type Result struct {
	Published []string
	Skipped   []string
	Pruned    []string
}

// Install publishes the configured set. For each generation, then each of
// its specialisations, the image is assembled, signed and atomically
// published; afterwards the loader configuration is replaced and stale
// files are pruned.
func (i *Installer) Install() (*Result, error) {
	if i.Logger == nil {
		i.Logger = slog.Default()
	}

	if i.Signer == nil {
		return nil, fmt.Errorf("%w: no image signer configured", ErrInstall)
	}

	entries := plan(i.Generations)
	if len(entries) == 0 {
		return nil, ErrUnbootable
	}

	expected := map[string]bool{}
	result := &Result{}

	for _, entry := range entries {
		if err := i.publishEntry(entry, expected, result); err != nil {
			return nil, fmt.Errorf("%w: publishing %s: %w", ErrInstall, entry.Name(), err)
		}
	}

	conf := LoaderConf{
		Timeout:     i.Timeout,
		Default:     defaultEntry(entries).ImageFile(),
		ConsoleMode: i.ConsoleMode,
	}

	if conf.ConsoleMode == "" {
		conf.ConsoleMode = "keep"
	}

	if err := conf.write(filepath.Join(i.ESP, constants.LoaderConfPath)); err != nil {
		return nil, fmt.Errorf("%w: writing loader configuration: %w", ErrInstall, err)
	}

	pruned, err := i.prune(expected)
	if err != nil {
		return nil, fmt.Errorf("%w: pruning: %w", ErrInstall, err)
	}

	result.Pruned = pruned

	i.Logger.Info("Install complete",
		"published", len(result.Published),
		"skipped", len(result.Skipped),
		"pruned", len(result.Pruned))

	return result, nil
}

// defaultEntry picks the loader default: the highest parent generation.
func defaultEntry(entries []BootEntry) BootEntry {
	def := entries[0]

	for _, entry := range entries {
		if entry.Specialisation == nil {
			def = entry
		}
	}

	return def
}

func (i *Installer) publishEntry(entry BootEntry, expected map[string]bool, result *Result) error {
	builder := assemble.Builder{
		StubPath:      i.StubPath,
		KernelPath:    entry.Generation.KernelPath,
		InitrdPath:    entry.Generation.InitrdPath,
		Cmdline:       entry.Cmdline(),
		Name:          i.OSName,
		Version:       entry.Generation.Version,
		Secrets:       entry.Secrets(),
		KernelESPPath: utils.ToESPPath(entry.KernelArtifact()),
		InitrdESPPath: utils.ToESPPath(entry.InitrdArtifact()),
		PCRSigner:     i.PCRSigner,
		Logger:        i.Logger,
	}

	image, err := builder.Assemble()
	if err != nil {
		return err
	}

	signed, err := i.Signer.SignData(image.Data)
	if err != nil {
		return err
	}

	// payload artifacts first, so the image never references anything
	// that is not yet on disk
	if err := i.publishFile(entry.KernelArtifact(), image.Kernel, expected, result); err != nil {
		return err
	}

	if err := i.publishFile(entry.InitrdArtifact(), image.Initrd, expected, result); err != nil {
		return err
	}

	imagePath := entry.ImagePath()
	expected[imagePath] = true

	if existing, err := os.ReadFile(filepath.Join(i.ESP, imagePath)); err == nil && imageCurrent(existing, image, entry) {
		i.Logger.Debug("Image already current", "path", imagePath)
		result.Skipped = append(result.Skipped, imagePath)

		return nil
	}

	if err := i.writeAtomic(imagePath, signed); err != nil {
		return err
	}

	i.Logger.Info("Published image", "path", imagePath)
	result.Published = append(result.Published, imagePath)

	return nil
}

// publishFile atomically publishes a payload artifact, skipping the write
// when the on-disk content already matches.
func (i *Installer) publishFile(rel string, data []byte, expected map[string]bool, result *Result) error {
	expected[rel] = true

	if existing, err := os.ReadFile(filepath.Join(i.ESP, rel)); err == nil {
		existingHash := sha256.Sum256(existing)
		newHash := sha256.Sum256(data)

		if existingHash == newHash {
			result.Skipped = append(result.Skipped, rel)

			return nil
		}
	}

	if err := i.writeAtomic(rel, data); err != nil {
		return err
	}

	result.Published = append(result.Published, rel)

	return nil
}

func (i *Installer) writeAtomic(rel string, data []byte) error {
	abs := filepath.Join(i.ESP, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	return renameio.WriteFile(abs, data, 0o644)
}

// imageCurrent reports whether an already-published image carries exactly
// the payload paths, payload hashes and command line the fresh assembly
// produced. The paths matter as much as the hashes: an image pointing at a
// stale artifact path would reference a file the prune step removes.
// Anything unreadable counts as stale.
func imageCurrent(existing []byte, image *assemble.Image, entry BootEntry) bool {
	for _, check := range []struct {
		section constants.Section
		want    []byte
	}{
		{constants.KernelPath, []byte(utils.ToESPPath(entry.KernelArtifact()))},
		{constants.KernelHash, image.KernelHash},
		{constants.InitrdPath, []byte(utils.ToESPPath(entry.InitrdArtifact()))},
		{constants.InitrdHash, image.InitrdHash},
		{constants.CMDLine, []byte(entry.Cmdline())},
	} {
		data, err := assemble.ReadSection(existing, check.section)
		if err != nil || !bytes.Equal(data, check.want) {
			return false
		}
	}

	return true
}

// prune removes published files that no configured generation references
// anymore. It only ever runs after the new set is fully published and the
// loader configuration points at it.
func (i *Installer) prune(expected map[string]bool) ([]string, error) {
	var pruned []string

	for dir, prefixes := range map[string][]string{
		constants.ArtifactDir: {"kernel-", "initrd-"},
		constants.ImageDir:    {"generation-"},
	} {
		files, err := os.ReadDir(filepath.Join(i.ESP, dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return pruned, err
		}

		for _, file := range files {
			if file.IsDir() || !ours(file.Name(), prefixes) {
				continue
			}

			rel := path.Join(dir, file.Name())
			if expected[rel] {
				continue
			}

			if err := os.Remove(filepath.Join(i.ESP, rel)); err != nil {
				return pruned, err
			}

			i.Logger.Info("Pruned stale file", "path", rel)
			pruned = append(pruned, rel)
		}
	}

	return pruned, nil
}

func ours(name string, prefixes []string) bool {
	if !strings.HasSuffix(name, ".efi") {
		return false
	}

	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}
