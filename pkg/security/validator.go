// Package security checks archive contents before they are written to a
// FAT32 partition.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/units"
)

// FAT32MaxFileSize is the largest file FAT32 can store.
const FAT32MaxFileSize = 4*units.GiB - 1

// fatReserved are characters FAT long names cannot contain.
const fatReserved = `<>:"\|?*`

// Validator provides validation for archive extraction onto FAT32
type Validator struct {
	maxFileSize  uint64
	maxTotalSize uint64

	mu               sync.Mutex
	currentTotalSize uint64
}

// NewValidator creates a validator. maxTotalSize is usually the free space of
// the target partition; zero disables the total check.
func NewValidator(maxFileSize, maxTotalSize uint64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/units.MiB,
		"max_total_size_mb", maxTotalSize/units.MiB)

	return &Validator{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidatePath checks for path traversal and names FAT32 cannot hold.
func (v *Validator) ValidatePath(entry string) error {
	if filepath.IsAbs(entry) {
		slog.Error("security_path_validation_failed", "path", entry, "reason", "absolute_path")
		return errors.Integrity(fmt.Sprintf("archive entry has an absolute path: %s", entry),
			"the archive is malformed; download it again or pick another source")
	}

	clean := filepath.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", entry, "reason", "path_traversal")
		return errors.Integrity(fmt.Sprintf("archive entry escapes the target directory: %s", entry),
			"the archive is malformed; download it again or pick another source")
	}

	for _, part := range strings.Split(clean, "/") {
		if strings.ContainsAny(part, fatReserved) {
			slog.Error("security_path_validation_failed", "path", entry, "reason", "fat_reserved_char")
			return errors.Validation(fmt.Sprintf("archive entry %s has a name FAT32 cannot store", entry),
				"repack the archive without the characters "+fatReserved)
		}
	}
	return nil
}

// ValidateFileSize rejects files the filesystem cannot hold.
func (v *Validator) ValidateFileSize(name string, size uint64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"path", name,
			"file_size_mb", size/units.MiB,
			"max_file_size_mb", v.maxFileSize/units.MiB)
		return errors.Validation(
			fmt.Sprintf("%s is %s, larger than the %s FAT32 file limit", name, units.HumanSize(size), units.HumanSize(v.maxFileSize+1)),
			"split the image into smaller files (e.g. Clonezilla splits at 4GB by default)")
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.maxTotalSize > 0 && v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/units.MiB,
			"max_total_mb", v.maxTotalSize/units.MiB,
			"file_size_mb", size/units.MiB)
		return &errors.ShortageError{What: "extracted archive", Required: v.currentTotalSize, Available: v.maxTotalSize}
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// TotalSize returns the size accounted so far.
func (v *Validator) TotalSize() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
