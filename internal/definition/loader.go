// Package definition loads entity type definitions from YAML, validates them,
// and serves the resulting transition registries through an atomically
// swappable catalog.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/lifecycle/model"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into an EntityDefinition. Files are returned in lexical path order per
// directory.
func (l *Loader) LoadAll(directories []string) ([]model.EntityDefinition, error) {
	var defs []model.EntityDefinition

	for _, dir := range directories {
		var paths []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}

		sort.Strings(paths)
		for _, path := range paths {
			def, err := l.LoadFile(path)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. It computes the
// SHA-256 checksum and records the source file path. Unknown keys are
// rejected so that a misspelled field such as "requires_coment" cannot
// silently drop a guard.
func (l *Loader) LoadFile(path string) (model.EntityDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.EntityDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return model.EntityDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path

	return def, nil
}

// Parse decodes one definition document and stamps its checksum.
func Parse(data []byte) (model.EntityDefinition, error) {
	var def model.EntityDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.EntityDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
