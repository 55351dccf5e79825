// Package catalog holds the read-only mission and material definitions. The
// built-in catalog is embedded; an alternative file can replace it wholesale.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/muhammadmuzzammil1998/jsonc"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"prototypia/internal/domain"
)

//go:embed catalog.jsonc
var builtin []byte

//go:embed catalog.schema.json
var schemaDoc []byte

const schemaURL = "mem://schemas/catalog.schema.json"

var ErrNotFound = errors.New("not found")

// Catalog is immutable after Parse returns.
type Catalog struct {
	missions  []domain.MissionDefinition
	materials []domain.MaterialDefinition
	byMission map[string]int
	byMat     map[string]int
}

type document struct {
	Missions  []domain.MissionDefinition  `json:"missions"`
	Materials []domain.MaterialDefinition `json:"materials"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error

	defaultOnce sync.Once
	defaultCat  *Catalog
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
		if err != nil {
			schemaErr = fmt.Errorf("decode catalog schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("register catalog schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Default returns the embedded catalog. It panics if the embedded data is
// broken, which the package tests rule out.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(builtin)
		if err != nil {
			panic(fmt.Sprintf("embedded catalog: %v", err))
		}
		defaultCat = c
	})
	return defaultCat
}

// LoadFile reads a JSONC catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse validates a JSONC document against the catalog schema and checks the
// cross references the schema cannot express.
func Parse(data []byte) (*Catalog, error) {
	clean := jsonc.ToJSON(data)
	s, err := compiled()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(clean))
	if err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return nil, fmt.Errorf("catalog invalid: %w", err)
	}
	var doc document
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := &Catalog{
		missions:  doc.Missions,
		materials: doc.Materials,
		byMission: make(map[string]int, len(doc.Missions)),
		byMat:     make(map[string]int, len(doc.Materials)),
	}
	for i, m := range doc.Materials {
		if _, dup := c.byMat[m.ID]; dup {
			return nil, fmt.Errorf("duplicate material id %q", m.ID)
		}
		c.byMat[m.ID] = i
	}
	for i, m := range doc.Missions {
		if _, dup := c.byMission[m.ID]; dup {
			return nil, fmt.Errorf("duplicate mission id %q", m.ID)
		}
		if _, ok := c.byMat[m.OptimalMaterial]; !ok {
			return nil, fmt.Errorf("mission %s: optimal material %q is not in the catalog", m.ID, m.OptimalMaterial)
		}
		c.byMission[m.ID] = i
	}
	return c, nil
}

// Missions returns the missions in catalog order.
func (c *Catalog) Missions() []domain.MissionDefinition {
	out := make([]domain.MissionDefinition, len(c.missions))
	for i, m := range c.missions {
		m.Requirements = append([]string(nil), m.Requirements...)
		out[i] = m
	}
	return out
}

func (c *Catalog) Materials() []domain.MaterialDefinition {
	return append([]domain.MaterialDefinition(nil), c.materials...)
}

func (c *Catalog) Mission(id string) (domain.MissionDefinition, error) {
	i, ok := c.byMission[id]
	if !ok {
		return domain.MissionDefinition{}, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	m := c.missions[i]
	m.Requirements = append([]string(nil), m.Requirements...)
	return m, nil
}

func (c *Catalog) Material(id string) (domain.MaterialDefinition, error) {
	i, ok := c.byMat[id]
	if !ok {
		return domain.MaterialDefinition{}, fmt.Errorf("material %s: %w", id, ErrNotFound)
	}
	return c.materials[i], nil
}
