package graph

import (
	"github.com/corvid-labs/flume/pkg/schema"
)

// Validator runs the full validation pipeline over a definition:
// structural (JSON Schema), graph (cycles, reachability), then semantic
// (per-node configs, edge wiring). It is safe for concurrent use.
type Validator struct {
	structural *JSONSchemaValidator
}

// NewValidator creates a Validator with the pipeline schema pre-compiled.
func NewValidator() (*Validator, error) {
	sv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{structural: sv}, nil
}

// Validate runs all stages and accumulates issues. Structural failures stop
// the pipeline early since later stages assume a well-formed definition.
func (v *Validator) Validate(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.structural.ValidateDefinition(def); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	g, err := Build(def)
	if err != nil {
		result.AddError("/", errCodeOf(err), err.Error())
		return result
	}

	if err := g.CheckAcyclic(); err != nil {
		result.AddError("/edges", schema.ErrCodeCycleDetected, err.Error())
		return result
	}

	result.Merge(semanticCheck(def, g))
	return result
}

// ValidateInput checks run input against the definition's input schema.
func (v *Validator) ValidateInput(def *schema.PipelineDefinition, input map[string]any) error {
	return v.structural.ValidateInput(input, def.InputSchema)
}

func errCodeOf(err error) string {
	if fe, ok := err.(*schema.FlumeError); ok {
		return fe.Code
	}
	return schema.ErrCodeValidation
}
