package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// DecodeFile decodes a definition file into out, choosing the format by
// extension: .yaml/.yml go through koanf, .toml through BurntSushi/toml.
// Structs are matched on their koanf and toml tags respectively.
func DecodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) > maxConfigFileSize {
		return fmt.Errorf("%s too large: %d bytes (max %d)", path, len(data), maxConfigFileSize)
	}
	return DecodeBytes(data, strings.ToLower(filepath.Ext(path)), out)
}

// DecodeBytes decodes data in the format named by ext (".yaml", ".yml", ".toml").
func DecodeBytes(data []byte, ext string, out any) error {
	switch ext {
	case ".yaml", ".yml":
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return fmt.Errorf("invalid yaml: %w", err)
		}
		if err := k.Unmarshal("", out); err != nil {
			return fmt.Errorf("failed to decode yaml: %w", err)
		}
		return nil
	case ".toml":
		if _, err := toml.Decode(string(data), out); err != nil {
			return fmt.Errorf("invalid toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported definition format %q", ext)
	}
}
