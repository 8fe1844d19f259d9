// Package validate compiles the JSON Schemas used to validate the inbound
// HTTP shapes (the plan-ingestion contract, the decoded status-event
// payload) once at startup, rather than hand-rolling field-by-field checks.
// Schemas are generated from the Go request types with invopop/jsonschema
// and enforced with santhosh-tekuri/jsonschema/v6.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	genschema "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// PlanSpecShape mirrors one element of the inbound specs array.
type PlanSpecShape struct {
	Purpose     string   `json:"purpose" jsonschema:"required,description=Non-empty purpose statement for this spec"`
	Vision      string   `json:"vision" jsonschema:"required,description=Non-empty vision statement for this spec"`
	Must        []string `json:"must,omitempty" jsonschema:"description=Hard requirements"`
	Dont        []string `json:"dont,omitempty" jsonschema:"description=Hard exclusions"`
	Nice        []string `json:"nice,omitempty" jsonschema:"description=Nice-to-have hints"`
	Assumptions []string `json:"assumptions,omitempty" jsonschema:"description=Assumptions the spec author made"`
}

// PlanRequestShape mirrors the `{id, specs}` ingestion contract.
type PlanRequestShape struct {
	ID    string          `json:"id" jsonschema:"required,description=UUID-shaped plan identifier"`
	Specs []PlanSpecShape `json:"specs" jsonschema:"required,description=One or more specs to execute in order"`
}

// StatusEventShape mirrors the decoded inner-JSON status event.
type StatusEventShape struct {
	PlanID    string  `json:"plan_id" jsonschema:"required,description=UUID-shaped plan identifier"`
	SpecIndex int     `json:"spec_index" jsonschema:"required,description=Zero-based spec index"`
	Status    string  `json:"status" jsonschema:"required,enum=blocked,enum=running,enum=finished,enum=failed"`
	Stage     *string `json:"stage,omitempty" jsonschema:"description=Optional free-form stage qualifier"`
}

// Validator holds the compiled schemas for every shape the HTTP surface
// accepts.
type Validator struct {
	planRequest *jsonschema.Schema
	statusEvent *jsonschema.Schema
}

// New reflects and compiles both schemas. It is intended to be called once
// at process startup; a failure here is a programmer error, not a runtime
// condition.
func New() (*Validator, error) {
	planRequest, err := compile("plan-request.json", PlanRequestShape{})
	if err != nil {
		return nil, fmt.Errorf("validate: compile plan request schema: %w", err)
	}
	statusEvent, err := compile("status-event.json", StatusEventShape{})
	if err != nil {
		return nil, fmt.Errorf("validate: compile status event schema: %w", err)
	}
	return &Validator{planRequest: planRequest, statusEvent: statusEvent}, nil
}

func compile(name string, shape any) (*jsonschema.Schema, error) {
	reflector := genschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	raw, err := json.Marshal(reflector.Reflect(shape))
	if err != nil {
		return nil, fmt.Errorf("marshal generated schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode generated schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// ValidatePlanRequest checks raw against the plan ingestion contract.
func (v *Validator) ValidatePlanRequest(raw []byte) error {
	return validateAgainst(v.planRequest, raw)
}

// ValidateStatusEvent checks raw against the decoded status event shape.
func (v *Validator) ValidateStatusEvent(raw []byte) error {
	return validateAgainst(v.statusEvent, raw)
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
