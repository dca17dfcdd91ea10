// Package retrieval ranks reference material (example SQL, business rules
// and schema documents) against a question.
package retrieval

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Catalog is the reference material the retriever searches.
type Catalog struct {
	mu       sync.RWMutex
	sqlPairs []domain.SQLPair
	metadata []domain.MetadataEntry
	tables   []domain.TableInfo
}

type catalogFile struct {
	SQLPairs []domain.SQLPair       `yaml:"sql_pairs"`
	Metadata []domain.MetadataEntry `yaml:"metadata"`
	Tables   []domain.TableInfo     `yaml:"tables"`
}

// NewCatalog builds a catalog from in-memory entries.
func NewCatalog(pairs []domain.SQLPair, metadata []domain.MetadataEntry, tables []domain.TableInfo) *Catalog {
	c := &Catalog{}
	c.sqlPairs = append(c.sqlPairs, pairs...)
	c.metadata = append(c.metadata, metadata...)
	c.tables = append(c.tables, tables...)
	return c
}

// LoadCatalog reads a YAML reference file. A missing file yields an empty
// catalog so the service can start before any reference data exists.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes YAML reference data.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode reference data: %w", err)
	}
	for i, t := range f.Tables {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("decode reference data: table %d has no name", i)
		}
	}
	return NewCatalog(f.SQLPairs, f.Metadata, f.Tables), nil
}

// MergeTables adds discovered tables the catalog does not document yet and
// returns how many were added.
func (c *Catalog) MergeTables(discovered []domain.TableInfo) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]struct{}, len(c.tables))
	for _, t := range c.tables {
		known[strings.ToLower(t.Name)] = struct{}{}
	}
	added := 0
	for _, t := range discovered {
		key := strings.ToLower(t.Name)
		if _, ok := known[key]; ok || key == "" {
			continue
		}
		known[key] = struct{}{}
		c.tables = append(c.tables, t)
		added++
	}
	return added
}

// KnownTables returns the lower-cased names of every documented table.
func (c *Catalog) KnownTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, strings.ToLower(t.Name))
	}
	return out
}

// Size reports the number of entries of each kind.
func (c *Catalog) Size() (pairs, metadata, tables int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sqlPairs), len(c.metadata), len(c.tables)
}

func (c *Catalog) snapshot() ([]domain.SQLPair, []domain.MetadataEntry, []domain.TableInfo) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sqlPairs, c.metadata, c.tables
}
