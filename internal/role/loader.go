package role

import (
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/conductor/internal/config"
)

// File is the on-disk layout of a roles file.
type File struct {
	Roles []*Role `koanf:"roles" toml:"roles"`
}

// LoadFile reads roles from a YAML or TOML file. Relative prompt_file
// entries are resolved against the file's directory.
func LoadFile(path string) ([]*Role, error) {
	var f File
	if err := config.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to load roles file: %w", err)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool, len(f.Roles))
	for i, r := range f.Roles {
		if r == nil || r.ID == "" {
			return nil, fmt.Errorf("roles file %s: entry %d has no id", path, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("roles file %s: duplicate role id %q", path, r.ID)
		}
		seen[r.ID] = true
		if r.Name == "" {
			r.Name = r.ID
		}
		if r.PromptFile != "" && !filepath.IsAbs(r.PromptFile) {
			r.PromptFile = filepath.Join(dir, r.PromptFile)
		}
		r.Builtin = false
	}
	return f.Roles, nil
}
