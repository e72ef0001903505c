// Package catalog holds the ordered manufacturing step sequence and its
// terminal serial-conversion step.
package catalog

import (
	"sort"

	"github.com/animus-labs/animus-mes/internal/domain"
)

// Catalog is an immutable, validated view of the active process definitions.
type Catalog struct {
	all           map[int]domain.ProcessDefinition
	manufacturing []domain.ProcessDefinition
	conversion    *domain.ProcessDefinition
}

// New validates defs and builds a catalog. At most one active
// SERIAL_CONVERSION step may exist; it must carry the highest active step
// number and needs at least one active MANUFACTURING step.
func New(defs []domain.ProcessDefinition) (*Catalog, error) {
	c := &Catalog{all: make(map[int]domain.ProcessDefinition, len(defs))}
	ids := make(map[string]struct{}, len(defs))
	maxActive := 0
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.all[def.StepNumber]; dup {
			return nil, domain.Validationf("duplicate step number %d", def.StepNumber)
		}
		if _, dup := ids[def.ID]; dup {
			return nil, domain.Validationf("duplicate process id %q", def.ID)
		}
		ids[def.ID] = struct{}{}
		c.all[def.StepNumber] = def
		if !def.IsActive {
			continue
		}
		if def.StepNumber > maxActive {
			maxActive = def.StepNumber
		}
		switch def.Kind {
		case domain.StepManufacturing:
			c.manufacturing = append(c.manufacturing, def)
		case domain.StepSerialConversion:
			if c.conversion != nil {
				return nil, domain.Validationf("more than one active serial-conversion step (%d, %d)",
					c.conversion.StepNumber, def.StepNumber)
			}
			d := def
			c.conversion = &d
		}
	}
	sort.Slice(c.manufacturing, func(i, j int) bool {
		return c.manufacturing[i].StepNumber < c.manufacturing[j].StepNumber
	})
	if c.conversion != nil {
		if len(c.manufacturing) == 0 {
			return nil, domain.Validationf("serial-conversion step %d requires an active manufacturing step", c.conversion.StepNumber)
		}
		if c.conversion.StepNumber != maxActive {
			return nil, domain.Validationf("serial-conversion step %d must have the highest active step number (%d)",
				c.conversion.StepNumber, maxActive)
		}
	}
	return c, nil
}

// Step returns the definition with the given number, active or not.
func (c *Catalog) Step(number int) (domain.ProcessDefinition, bool) {
	def, ok := c.all[number]
	return def, ok
}

// ByID returns the definition with the given process id.
func (c *Catalog) ByID(id string) (domain.ProcessDefinition, bool) {
	for _, def := range c.all {
		if def.ID == id {
			return def, true
		}
	}
	return domain.ProcessDefinition{}, false
}

// All returns every definition ordered by step number.
func (c *Catalog) All() []domain.ProcessDefinition {
	out := make([]domain.ProcessDefinition, 0, len(c.all))
	for _, def := range c.all {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// ActiveManufacturing returns the active MANUFACTURING steps in order.
func (c *Catalog) ActiveManufacturing() []domain.ProcessDefinition {
	return append([]domain.ProcessDefinition(nil), c.manufacturing...)
}

// FirstManufacturing returns the lowest-numbered active MANUFACTURING step.
func (c *Catalog) FirstManufacturing() (domain.ProcessDefinition, bool) {
	if len(c.manufacturing) == 0 {
		return domain.ProcessDefinition{}, false
	}
	return c.manufacturing[0], true
}

// Conversion returns the active SERIAL_CONVERSION step, if any.
func (c *Catalog) Conversion() (domain.ProcessDefinition, bool) {
	if c.conversion == nil {
		return domain.ProcessDefinition{}, false
	}
	return *c.conversion, true
}

// Previous returns the active MANUFACTURING step immediately preceding number.
func (c *Catalog) Previous(number int) (domain.ProcessDefinition, bool) {
	var prev domain.ProcessDefinition
	found := false
	for _, def := range c.manufacturing {
		if def.StepNumber >= number {
			break
		}
		prev = def
		found = true
	}
	return prev, found
}

// MissingPasses lists the active MANUFACTURING steps absent from passed.
func (c *Catalog) MissingPasses(passed []int) []int {
	have := make(map[int]struct{}, len(passed))
	for _, n := range passed {
		have[n] = struct{}{}
	}
	var missing []int
	for _, def := range c.manufacturing {
		if _, ok := have[def.StepNumber]; !ok {
			missing = append(missing, def.StepNumber)
		}
	}
	return missing
}
