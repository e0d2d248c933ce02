package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ParseInstructions decodes a custom instruction document.
// Unknown fields are ignored; shape errors are returned as-is.
func ParseInstructions(data []byte) (Instructions, error) {
	var in Instructions
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return Instructions{}, fmt.Errorf("failed to parse custom instructions: %w", err)
	}
	return in, nil
}

// LoadFile reads a custom instruction document. A missing file is not an
// error: it returns an empty document and found=false.
func LoadFile(path string) (in Instructions, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Instructions{}, false, nil
	}
	if err != nil {
		return Instructions{}, false, fmt.Errorf("failed to read custom instructions '%s': %w", path, err)
	}
	in, err = ParseInstructions(data)
	if err != nil {
		return Instructions{}, true, err
	}
	return in, true, nil
}

// SaveFile writes the document atomically (temp file + rename).
func SaveFile(path string, in Instructions) error {
	if in.Rules == nil {
		in.Rules = []Rule{}
	}
	if in.Dictionaries == nil {
		in.Dictionaries = []Dictionary{}
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode custom instructions: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create '%s': %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".custom_instructions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write custom instructions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write custom instructions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace '%s': %w", path, err)
	}
	return nil
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
