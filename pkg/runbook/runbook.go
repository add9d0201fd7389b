// Package runbook parses remediation runbooks from YAML into the step
// sequence the execution engine runs. A runbook has three phases:
// prechecks, main steps, and postchecks, numbered consecutively across
// the phases.
package runbook

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// Runbook is the parsed runbook document.
type Runbook struct {
	// ID identifies the runbook in sessions created from it.
	ID string `yaml:"id" validate:"required"`

	// Name is the human-readable title.
	Name string `yaml:"name" validate:"required"`

	// Description explains what incident class this runbook remediates.
	Description string `yaml:"description"`

	// SandboxProfile is the default sandbox profile for the session.
	SandboxProfile string `yaml:"sandbox_profile"`

	// Prechecks are diagnostic steps run before the main remediation.
	Prechecks []Step `yaml:"prechecks" validate:"dive"`

	// Steps are the main remediation steps.
	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`

	// Postchecks verify the remediation took effect.
	Postchecks []Step `yaml:"postchecks" validate:"dive"`
}

// Step is one command within a runbook phase.
type Step struct {
	// Name labels the step in event payloads and the approval surface.
	Name string `yaml:"name"`

	// Command is the command to execute.
	Command string `yaml:"command" validate:"required"`

	// RollbackCommand undoes the step during rollback. Optional.
	RollbackCommand string `yaml:"rollback_command"`

	// RequiresApproval gates the step behind an explicit approval.
	RequiresApproval bool `yaml:"requires_approval"`

	// SandboxProfile overrides the runbook-level profile for this step.
	SandboxProfile string `yaml:"sandbox_profile"`

	// BlastRadius tags the scope of impact (e.g. host, cluster, tenant).
	BlastRadius string `yaml:"blast_radius"`

	// ApprovalPolicy names the policy that decides the approval mode.
	ApprovalPolicy string `yaml:"approval_policy"`
}

// Parser parses and validates runbook documents.
type Parser struct {
	validator *validator.Validate
}

// NewParser creates a runbook parser.
func NewParser() *Parser {
	return &Parser{validator: validator.New()}
}

// ParseFile loads a runbook from a YAML file.
func (p *Parser) ParseFile(path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runbook file: %w", err)
	}
	return p.Parse(data)
}

// Parse parses a runbook from raw YAML.
func (p *Parser) Parse(data []byte) (*Runbook, error) {
	var rb Runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("failed to parse runbook YAML: %w", err)
	}
	if err := p.validator.Struct(&rb); err != nil {
		return nil, fmt.Errorf("invalid runbook: %w", err)
	}
	return &rb, nil
}

// StepSpecs flattens the three phases into the engine's step sequence,
// in precheck, main, postcheck order.
func (rb *Runbook) StepSpecs() []engine.StepSpec {
	specs := make([]engine.StepSpec, 0, len(rb.Prechecks)+len(rb.Steps)+len(rb.Postchecks))
	appendPhase := func(steps []Step, stepType engine.StepType) {
		for _, s := range steps {
			profile := s.SandboxProfile
			if profile == "" {
				profile = rb.SandboxProfile
			}
			specs = append(specs, engine.StepSpec{
				StepType:         stepType,
				Command:          s.Command,
				RollbackCommand:  s.RollbackCommand,
				RequiresApproval: s.RequiresApproval,
				SandboxProfile:   profile,
				BlastRadius:      s.BlastRadius,
				ApprovalPolicy:   s.ApprovalPolicy,
			})
		}
	}
	appendPhase(rb.Prechecks, engine.StepTypePrecheck)
	appendPhase(rb.Steps, engine.StepTypeMain)
	appendPhase(rb.Postchecks, engine.StepTypePostcheck)
	return specs
}
