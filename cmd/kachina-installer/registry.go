package main

import (
	"encoding/json"
	"os"

	"github.com/kachina-project/kachina/internal/format"
	"github.com/kachina-project/kachina/internal/regentry"
)

// appConfig is the subset of the bundled \0CONFIG segment this CLI reads
// for the OS registration record spec §6 describes. Everything else in
// that segment is the external desktop-shell's concern, out of scope here.
type appConfig struct {
	DisplayName string `json:"display_name"`
	Publisher   string `json:"publisher"`
}

// readRegistryConfig reads this executable's own \0CONFIG segment for
// optional DisplayName/Publisher fields, returning nil if the executable
// carries no package region or no such fields (spec §6 "OS registration").
func readRegistryConfig() *regentry.Entry {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	f, err := os.Open(exe)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}
	idx, err := format.Parse(f, info.Size())
	if err != nil || len(idx.Config) == 0 {
		return nil
	}

	var cfg appConfig
	if err := json.Unmarshal(idx.Config, &cfg); err != nil {
		return nil
	}
	if cfg.DisplayName == "" && cfg.Publisher == "" {
		return nil
	}
	return &regentry.Entry{
		DisplayName:     cfg.DisplayName,
		Publisher:       cfg.Publisher,
		UninstallString: exe + " -U",
	}
}
