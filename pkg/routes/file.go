package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Document is the on-disk routes file: {"routes": [...]}.
type Document struct {
	Routes []Rule `json:"routes"`
}

// LoadFile reads the routes file. A missing file yields an empty rule
// list so a fresh deployment starts with an empty table.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	return doc.Routes, nil
}

// SaveFile rewrites the whole routes document atomically
// (write-temp + rename).
func SaveFile(path string, rules []Rule) error {
	doc := Document{Routes: rules}
	if doc.Routes == nil {
		doc.Routes = []Rule{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routes file: %w", err)
	}
	raw = append(raw, '\n')
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".routes-*.json")
	if err != nil {
		return fmt.Errorf("create temp routes file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp routes file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp routes file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace routes file: %w", err)
	}
	return nil
}
