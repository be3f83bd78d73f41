package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/lifecycle/internal/workflow"
	"github.com/pitabwire/lifecycle/model"
)

// snapshot is an immutable set of definitions and the registries built from
// them, indexed by entity type.
type snapshot struct {
	defs       map[string]model.EntityDefinition
	registries map[string]*workflow.Registry
	checksum   string
}

// Catalog is the immutable set of loaded entity types. It is built once by
// NewCatalog and has no mutators, so any number of goroutines may read it
// without synchronization. It implements workflow.Catalog.
type Catalog struct {
	snap *snapshot
}

// NewCatalog builds a Catalog from the given definitions. It fails if an
// entity type is defined twice or a definition does not build into a
// registry.
func NewCatalog(defs []model.EntityDefinition) (*Catalog, error) {
	s, err := newSnapshot(defs)
	if err != nil {
		return nil, err
	}
	return &Catalog{snap: s}, nil
}

func newSnapshot(defs []model.EntityDefinition) (*snapshot, error) {
	s := &snapshot{
		defs:       make(map[string]model.EntityDefinition, len(defs)),
		registries: make(map[string]*workflow.Registry, len(defs)),
	}

	var checksumParts []string

	for _, def := range defs {
		if _, dup := s.defs[def.EntityType]; dup {
			return nil, fmt.Errorf("entity type %q is defined more than once", def.EntityType)
		}
		reg, err := workflow.NewRegistry(def.EntityType, model.State(def.InitialState), def.Rules())
		if err != nil {
			return nil, fmt.Errorf("building registry for %s: %w", def.EntityType, err)
		}
		s.defs[def.EntityType] = def
		s.registries[def.EntityType] = reg
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
	return s, nil
}

func (c *Catalog) current() *snapshot {
	return c.snap
}

// Registry returns the transition registry of an entity type.
func (c *Catalog) Registry(entityType string) (*workflow.Registry, bool) {
	r, ok := c.current().registries[entityType]
	return r, ok
}

// Definition returns the definition an entity type was loaded from.
func (c *Catalog) Definition(entityType string) (model.EntityDefinition, bool) {
	d, ok := c.current().defs[entityType]
	return d, ok
}

// EntityTypes returns the loaded entity types in sorted order.
func (c *Catalog) EntityTypes() []string {
	s := c.current()
	types := make([]string, 0, len(s.defs))
	for t := range s.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of loaded entity types.
func (c *Catalog) Len() int {
	return len(c.current().defs)
}

// Checksum returns the combined checksum of all loaded definitions.
func (c *Catalog) Checksum() string {
	return c.current().checksum
}

// Load reads, validates and indexes every definition under directories.
// Validation problems are returned together as a single error.
func Load(directories []string) (*Catalog, error) {
	defs, err := NewLoader().LoadAll(directories)
	if err != nil {
		return nil, err
	}
	if verrs := NewValidator().Validate(defs); len(verrs) > 0 {
		return nil, &ValidationError{Errors: verrs}
	}
	return NewCatalog(defs)
}

// ValidationError aggregates the VErrors that prevented a load.
type ValidationError struct {
	Errors []VError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%d definition error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}
