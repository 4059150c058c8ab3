package routes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// File is the persisted routes document.
type File struct {
	Routes []Rule `json:"routes" yaml:"routes"`
}

// LoadFile reads a routes document. The format is chosen by extension:
// .yaml/.yml parse as YAML, everything else as JSON.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse routes yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse routes json %s: %w", path, err)
		}
	}
	return f.Routes, nil
}

// SaveFile atomically rewrites the routes document (temp file + rename)
// in the same format it was loaded from.
func SaveFile(path string, rules []Rule) error {
	f := File{Routes: rules}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(&f)
	default:
		data, err = json.MarshalIndent(&f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".routes-*")
	if err != nil {
		return fmt.Errorf("routes temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write routes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
