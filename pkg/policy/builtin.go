package policy

// BuiltinPolicies returns the policies loaded into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		blastRadiusPolicy(),
		destructiveCommandPolicy(),
		privilegedProfilePolicy(),
	}
}

// blastRadiusPolicy gates steps whose declared impact reaches beyond a
// single host.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Requires approval for steps whose blast radius exceeds a single host",
		Enabled:     true,
		Tags:        []string{"approval", "blast-radius"},
		Rego: `package remedy.policies.blast_radius

import rego.v1

require_approval contains reason if {
	input.blast_radius == "cluster"
	reason := sprintf("step %d affects a whole cluster", [input.step_number])
}

require_approval contains reason if {
	input.blast_radius == "tenant"
	reason := sprintf("step %d affects the whole tenant", [input.step_number])
}

sandbox_profile := "privileged" if {
	input.blast_radius == "tenant"
}
`,
	}
}

// destructiveCommandPolicy gates main steps that look destructive even
// when the runbook author forgot the approval flag.
func destructiveCommandPolicy() Policy {
	return Policy{
		Name:        "destructive-command",
		Description: "Requires approval for destructive main-phase commands",
		Enabled:     true,
		Tags:        []string{"approval", "safety"},
		Rego: `package remedy.policies.destructive

import rego.v1

destructive_patterns := [
	"rm -rf",
	"mkfs",
	"drop table",
	"drop database",
	"shutdown",
	"reboot",
	"Remove-Item",
	"Format-Volume",
]

require_approval contains reason if {
	input.step_type == "main"
	some pattern in destructive_patterns
	contains(lower(input.command), lower(pattern))
	reason := sprintf("step %d runs a destructive command (%s)", [input.step_number, pattern])
}
`,
	}
}

// privilegedProfilePolicy keeps privileged-profile steps behind an
// approval gate.
func privilegedProfilePolicy() Policy {
	return Policy{
		Name:        "privileged-profile",
		Description: "Requires approval for steps running under the privileged sandbox profile",
		Enabled:     true,
		Tags:        []string{"approval", "sandbox"},
		Rego: `package remedy.policies.privileged

import rego.v1

require_approval contains reason if {
	input.sandbox_profile == "privileged"
	input.step_type == "main"
	reason := sprintf("step %d runs under the privileged profile", [input.step_number])
}
`,
	}
}
