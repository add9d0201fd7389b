package policy

// Policy is one Rego policy evaluated against session steps.
type Policy struct {
	// Name identifies the policy in decisions and logs.
	Name string `yaml:"name" json:"name"`

	// Description explains what the policy decides.
	Description string `yaml:"description" json:"description"`

	// Enabled toggles evaluation without unloading the policy.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Tags categorize the policy.
	Tags []string `yaml:"tags" json:"tags"`

	// Rego is the policy source. The package must expose a
	// `require_approval` set of reason strings and may expose a
	// `sandbox_profile` string.
	Rego string `yaml:"rego" json:"rego"`
}

// StepInput is the evaluation input for one step.
type StepInput struct {
	// StepNumber is the step's position in the session.
	StepNumber int `json:"step_number"`

	// StepType is precheck, main, or postcheck.
	StepType string `json:"step_type"`

	// Command is the command the step will run.
	Command string `json:"command"`

	// BlastRadius tags the scope of impact declared in the runbook.
	BlastRadius string `json:"blast_radius"`

	// SandboxProfile is the profile the runbook declared for the step.
	SandboxProfile string `json:"sandbox_profile"`

	// RequiresApproval is the approval flag declared in the runbook.
	RequiresApproval bool `json:"requires_approval"`

	// TenantID scopes tenant-specific rules.
	TenantID string `json:"tenant_id"`
}

// StepDecision is the aggregated policy outcome for one step.
type StepDecision struct {
	// RequiresApproval is true when the runbook or any policy demands
	// an approval gate. Policies can add a gate, never remove one.
	RequiresApproval bool `json:"requires_approval"`

	// SandboxProfile is the effective profile after policy evaluation.
	SandboxProfile string `json:"sandbox_profile"`

	// Reasons lists why approval is required, one entry per policy
	// reason that fired.
	Reasons []string `json:"reasons,omitempty"`
}

// SessionDecision summarizes policy evaluation across a session's steps.
type SessionDecision struct {
	// ApprovalMode is "auto" when no step needs approval, otherwise
	// "manual".
	ApprovalMode string `json:"approval_mode"`

	// SandboxProfile is the strictest profile any step was assigned.
	SandboxProfile string `json:"sandbox_profile"`

	// GatedSteps lists the step numbers that require approval.
	GatedSteps []int `json:"gated_steps,omitempty"`

	// Steps holds the per-step decisions, indexed by step order.
	Steps []StepDecision `json:"steps"`
}

// Approval modes reported in session policy events.
const (
	ApprovalModeAuto   = "auto"
	ApprovalModeManual = "manual"
)

// Sandbox profiles ordered from least to most restricted.
const (
	ProfileStandard   = "standard"
	ProfileRestricted = "restricted"
	ProfilePrivileged = "privileged"
)

// profileRank orders sandbox profiles so the strictest suggestion wins.
func profileRank(profile string) int {
	switch profile {
	case ProfilePrivileged:
		return 2
	case ProfileRestricted:
		return 1
	default:
		return 0
	}
}

// StricterProfile returns the stricter of two sandbox profiles.
func StricterProfile(a, b string) string {
	if profileRank(b) > profileRank(a) {
		return b
	}
	if a == "" {
		return b
	}
	return a
}
