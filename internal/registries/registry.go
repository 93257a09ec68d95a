// Package registries declares the concrete import jobs: their entity types, source
// files and per-row mappings. Jobs register themselves at init and are built per run.
package registries

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/task"
)

// Options locate the extracts of one job run.
type Options struct {
	Dir         string // Directory holding the job's extract files
	CSVEncoding string // Encoding of CSV extracts; empty means UTF-8
	CSVLimit    int    // Maximum rows read per CSV extract; 0 means unlimited
}

// Definition describes a registered job.
type Definition struct {
	Name        string
	Description string
	DirName     string // Default subdirectory of the source directory
	Catalog     *record.Catalog
	Build       func(opts Options) task.Job
}

var (
	registry   = make(map[string]Definition)
	registryMu sync.RWMutex
)

// Register adds a job definition to the registry.
// Panics if a job with the same name is already registered.
func Register(def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Name]; exists {
		panic(fmt.Sprintf("job already registered: %s", def.Name))
	}
	registry[def.Name] = def
}

// Get returns a job definition by name.
func Get(name string) (Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[name]
	return def, ok
}

// All returns all registered job definitions sorted by name.
func All() []Definition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Definition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Searchable returns the searchable entity types of all registered jobs.
func Searchable() []*record.EntityType {
	var out []*record.EntityType
	for _, def := range All() {
		for _, t := range def.Catalog.FlushOrder() {
			if t.Searchable {
				out = append(out, t)
			}
		}
	}
	return out
}
