package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"docsflow/api/internal/store"
)

//go:embed entities/default.yaml
var defaultEntities []byte

// Entity is a family of documents living under one repository directory.
type Entity struct {
	Name      string       `yaml:"name"`
	Title     string       `yaml:"title"`
	Path      string       `yaml:"path"`
	Format    store.Format `yaml:"format"`
	KeyFields []string     `yaml:"key_fields"`
}

func (e Entity) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required),
		validation.Field(&e.Path, validation.Required),
		validation.Field(&e.Format, validation.Required, validation.In(store.FormatText, store.FormatStructured)),
	)
}

// Contains reports whether a document path belongs to the entity.
func (e Entity) Contains(docPath string) bool {
	return strings.HasPrefix(docPath, e.Path)
}

// Catalog is the ordered set of known entities.
type Catalog struct {
	entities []Entity
}

// LoadCatalog reads the entity list from file, or the built-in list when
// file is empty.
func LoadCatalog(file string) (*Catalog, error) {
	data := defaultEntities
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("read entities file: %w", err)
		}
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var entities []Entity
	if err := yaml.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}
	seen := make(map[string]bool, len(entities))
	for i := range entities {
		e := &entities[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("entity %d (%s): %w", i, e.Name, err)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		seen[e.Name] = true
		if !strings.HasSuffix(e.Path, "/") {
			e.Path += "/"
		}
		if e.Title == "" {
			e.Title = e.Name
		}
		if e.Format == store.FormatStructured && len(e.KeyFields) == 0 {
			e.KeyFields = []string{"name", "id"}
		}
	}
	return &Catalog{entities: entities}, nil
}

func (c *Catalog) All() []Entity {
	return append([]Entity(nil), c.entities...)
}

func (c *Catalog) Get(name string) (Entity, bool) {
	for _, e := range c.entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// ForPath returns the entity whose directory holds docPath, preferring the
// most specific directory.
func (c *Catalog) ForPath(docPath string) (Entity, bool) {
	var best Entity
	found := false
	for _, e := range c.entities {
		if e.Contains(docPath) && (!found || len(e.Path) > len(best.Path)) {
			best, found = e, true
		}
	}
	return best, found
}
