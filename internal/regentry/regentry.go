// Package regentry persists the platform-native application-registration
// record described in spec §6 ("equivalent of Windows 'Uninstall' registry
// entries"). No corpus dependency talks to a platform registry or package
// database, so this is a plain JSON sidecar file written with the standard
// library, following the same encoding/json convention internal/manifest
// uses for its own documents.
package regentry

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry mirrors the fields spec §6 names for the registration record.
type Entry struct {
	DisplayName     string `json:"DisplayName"`
	DisplayVersion  string `json:"DisplayVersion"`
	Publisher       string `json:"Publisher"`
	InstallLocation string `json:"InstallLocation"`
	UninstallString string `json:"UninstallString"`
	EstimatedSize   uint64 `json:"EstimatedSize"`
}

// Write records entry at path, creating or overwriting it.
func Write(path string, entry *Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("regentry: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

// Read loads a previously written Entry from path.
func Read(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("regentry: %w", err)
	}
	defer f.Close()
	var e Entry
	if err := json.NewDecoder(f).Decode(&e); err != nil {
		return nil, fmt.Errorf("regentry: %w", err)
	}
	return &e, nil
}

// Remove deletes the registration record at path, if present.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("regentry: %w", err)
	}
	return nil
}
