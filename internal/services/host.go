package services

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// CapabilityHost unloads what an add-on contributed to the running host application
type CapabilityHost interface {
	RemoveFile(addOnID, file string) error
	UnloadExtension(addOnID, extension string) error
	UnloadActiveRule(addOnID, rule string) error
	UnloadPassiveRule(addOnID, rule string) error
}

// FileSystemHost removes declared files below a home directory. Rules and
// extensions have no runtime here, so unloading them is only logged.
type FileSystemHost struct {
	home string
}

// NewFileSystemHost creates a host rooted at home
func NewFileSystemHost(home string) *FileSystemHost {
	return &FileSystemHost{home: home}
}

// RemoveFile deletes a file the add-on installed. Paths may not leave the home directory.
func (h *FileSystemHost) RemoveFile(addOnID, file string) error {
	clean := filepath.Clean(filepath.FromSlash(file))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("file %q of %s is outside the home directory", file, addOnID)
	}

	path := filepath.Join(h.home, clean)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// UnloadExtension logs the extension unload
func (h *FileSystemHost) UnloadExtension(addOnID, extension string) error {
	log.Printf("[Host] Unloaded extension %s of %s", extension, addOnID)
	return nil
}

// UnloadActiveRule logs the active rule unload
func (h *FileSystemHost) UnloadActiveRule(addOnID, rule string) error {
	log.Printf("[Host] Unloaded active rule %s of %s", rule, addOnID)
	return nil
}

// UnloadPassiveRule logs the passive rule unload
func (h *FileSystemHost) UnloadPassiveRule(addOnID, rule string) error {
	log.Printf("[Host] Unloaded passive rule %s of %s", rule, addOnID)
	return nil
}
