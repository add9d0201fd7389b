package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return e
}

func TestEvaluateStep_BlastRadiusGatesCluster(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluateStep(context.Background(), &StepInput{
		StepNumber:  2,
		StepType:    "main",
		Command:     "systemctl restart app",
		BlastRadius: "cluster",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.RequiresApproval {
		t.Error("cluster blast radius must require approval")
	}
	if len(decision.Reasons) == 0 {
		t.Error("expected a reason for the gate")
	}
}

func TestEvaluateStep_TenantEscalatesProfile(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluateStep(context.Background(), &StepInput{
		StepNumber:  1,
		StepType:    "main",
		Command:     "flush-tenant-cache",
		BlastRadius: "tenant",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SandboxProfile != ProfilePrivileged {
		t.Errorf("tenant blast radius must escalate to privileged, got %q", decision.SandboxProfile)
	}
}

func TestEvaluateStep_DestructiveCommand(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluateStep(context.Background(), &StepInput{
		StepNumber: 3,
		StepType:   "main",
		Command:    "rm -rf /var/log/app/*",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.RequiresApproval {
		t.Error("destructive command must require approval")
	}
}

func TestEvaluateStep_PrecheckNotGated(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluateStep(context.Background(), &StepInput{
		StepNumber: 1,
		StepType:   "precheck",
		Command:    "df -h",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.RequiresApproval {
		t.Errorf("diagnostic precheck must not be gated: %v", decision.Reasons)
	}
	if decision.SandboxProfile != ProfileStandard {
		t.Errorf("expected standard profile, got %q", decision.SandboxProfile)
	}
}

func TestEvaluateStep_RunbookFlagIsFloor(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluateStep(context.Background(), &StepInput{
		StepNumber:       1,
		StepType:         "main",
		Command:          "echo harmless",
		RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.RequiresApproval {
		t.Error("policies must not clear a runbook-declared approval gate")
	}
}

func TestEvaluateSession_Aggregates(t *testing.T) {
	e := newTestEngine(t)

	steps := []StepInput{
		{StepNumber: 1, StepType: "precheck", Command: "df -h"},
		{StepNumber: 2, StepType: "main", Command: "systemctl restart app", BlastRadius: "cluster"},
		{StepNumber: 3, StepType: "postcheck", Command: "curl localhost/healthz"},
	}
	decision, err := e.EvaluateSession(context.Background(), steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ApprovalMode != ApprovalModeManual {
		t.Errorf("expected manual approval mode, got %q", decision.ApprovalMode)
	}
	if len(decision.GatedSteps) != 1 || decision.GatedSteps[0] != 2 {
		t.Errorf("expected step 2 gated, got %v", decision.GatedSteps)
	}
	if len(decision.Steps) != 3 {
		t.Errorf("expected 3 per-step decisions, got %d", len(decision.Steps))
	}
}

func TestEvaluateSession_AllAutoWhenClean(t *testing.T) {
	e := newTestEngine(t)

	steps := []StepInput{
		{StepNumber: 1, StepType: "precheck", Command: "uptime"},
		{StepNumber: 2, StepType: "main", Command: "logrotate -f /etc/logrotate.d/app"},
	}
	decision, err := e.EvaluateSession(context.Background(), steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ApprovalMode != ApprovalModeAuto {
		t.Errorf("expected auto mode, got %q (gated: %v)", decision.ApprovalMode, decision.GatedSteps)
	}
}

func TestLoad_CustomPolicy(t *testing.T) {
	e := newTestEngine(t)

	custom := &Policy{
		Name:    "tenant-freeze",
		Enabled: true,
		Rego: `package remedy.policies.freeze

import rego.v1

require_approval contains reason if {
	input.tenant_id == "frozen-tenant"
	reason := "tenant is under change freeze"
}
`,
	}
	if err := e.Load(context.Background(), custom); err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}

	decision, err := e.EvaluateStep(context.Background(), &StepInput{
		StepNumber: 1,
		StepType:   "main",
		Command:    "echo hi",
		TenantID:   "frozen-tenant",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.RequiresApproval {
		t.Error("custom policy must gate the frozen tenant")
	}
}

func TestLoad_RejectsBadRego(t *testing.T) {
	e := newTestEngine(t)
	err := e.Load(context.Background(), &Policy{
		Name:    "broken",
		Enabled: true,
		Rego:    "package broken\n\nthis is not rego",
	})
	if err == nil {
		t.Error("expected compile error")
	}
}

func TestStricterProfile(t *testing.T) {
	if got := StricterProfile(ProfileStandard, ProfilePrivileged); got != ProfilePrivileged {
		t.Errorf("expected privileged, got %q", got)
	}
	if got := StricterProfile(ProfileRestricted, ProfileStandard); got != ProfileRestricted {
		t.Errorf("expected restricted, got %q", got)
	}
	if got := StricterProfile("", ProfileStandard); got != ProfileStandard {
		t.Errorf("expected standard, got %q", got)
	}
}
