package domain

import (
	"strings"
)

// ProcessDefinition is one step of the manufacturing sequence.
type ProcessDefinition struct {
	ID         string
	StepNumber int
	Name       string
	Kind       StepKind
	IsActive   bool
}

func (p ProcessDefinition) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return Validationf("process id is required")
	}
	if p.StepNumber < 1 {
		return Validationf("process %s: step number must be >= 1", p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Validationf("process %s: name is required", p.ID)
	}
	if _, err := ParseStepKind(string(p.Kind)); err != nil {
		return err
	}
	return nil
}
