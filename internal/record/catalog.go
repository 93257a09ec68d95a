package record

import (
	"fmt"
	"strings"
)

// Catalog is the ordered set of entity types known to one job.
type Catalog struct {
	types []*EntityType
	index map[string]*EntityType
}

// NewCatalog validates the types and returns a catalog in declaration order.
// Returns an error for duplicate names, unknown dependencies or dependency cycles.
func NewCatalog(types ...*EntityType) (*Catalog, error) {
	c := &Catalog{index: make(map[string]*EntityType, len(types))}
	for _, t := range types {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, exists := c.index[t.Name]; exists {
			return nil, fmt.Errorf("entity type already declared: %s", t.Name)
		}
		c.index[t.Name] = t
		c.types = append(c.types, t)
	}
	for _, t := range c.types {
		for _, dep := range t.DependsOn {
			if _, ok := c.index[dep]; !ok {
				return nil, fmt.Errorf("entity type %s depends on unknown type %s", t.Name, dep)
			}
		}
	}
	if _, err := c.order(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error.
// Use this only for statically declared catalogs.
func MustCatalog(types ...*EntityType) *Catalog {
	c, err := NewCatalog(types...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns an entity type by name.
func (c *Catalog) Lookup(name string) (*EntityType, bool) {
	t, ok := c.index[name]
	return t, ok
}

// Types returns all entity types in declaration order.
func (c *Catalog) Types() []*EntityType {
	out := make([]*EntityType, len(c.types))
	copy(out, c.types)
	return out
}

// FlushOrder returns the types ordered so that every type comes after the types it depends on.
// Declaration order breaks ties, so a catalog declared parent-first keeps its order.
func (c *Catalog) FlushOrder() []*EntityType {
	order, _ := c.order()
	return order
}

// DeleteOrder is FlushOrder reversed: dependents are removed before their parents.
func (c *Catalog) DeleteOrder() []*EntityType {
	order := c.FlushOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (c *Catalog) order() ([]*EntityType, error) {
	placed := make(map[string]bool, len(c.types))
	order := make([]*EntityType, 0, len(c.types))

	for len(order) < len(c.types) {
		progressed := false
		for _, t := range c.types {
			if placed[t.Name] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if dep != t.Name && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[t.Name] = true
				order = append(order, t)
				progressed = true
				break
			}
		}
		if !progressed {
			var pending []string
			for _, t := range c.types {
				if !placed[t.Name] {
					pending = append(pending, t.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among entity types: %s", strings.Join(pending, ", "))
		}
	}
	return order, nil
}
