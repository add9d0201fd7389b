// Package rules validates and corrects remediation commands for the
// target operating system. Rules are OS-tagged triples of a command
// pattern, a failure-signature pattern, and a fix function; they run
// pre-flight against candidate commands and post-failure against the
// connector's error text.
package rules

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/connectors"
)

// OS tags supported by the rule table.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
	OSAny     = "any"
)

// Rule describes one correctable command defect.
type Rule struct {
	// Name identifies the rule in logs and validation output.
	Name string

	// OS restricts the rule to targets tagged with this operating
	// system. OSAny matches every target.
	OS string

	// CommandPattern matches commands the rule applies to.
	CommandPattern *regexp.Regexp

	// FailurePattern matches connector error text that signals this
	// defect. Nil means the rule is pre-flight only.
	FailurePattern *regexp.Regexp

	// Fix rewrites the command. The target name from the resolved
	// connection metadata is supplied for rules that need it.
	Fix func(command, target string) string

	// SuggestedTimeout overrides the step timeout when the rule fires
	// pre-flight. Zero leaves the timeout unchanged.
	SuggestedTimeout time.Duration
}

// Validation is the pre-flight result for one candidate command.
type Validation struct {
	// Valid is false when at least one rule detected a defect.
	Valid bool

	// Corrected is the proposed command after all matching fixes. Equal
	// to the input when Valid is true.
	Corrected string

	// SuggestedTimeout is the largest timeout suggested by a matching
	// rule, zero when none applies.
	SuggestedTimeout time.Duration

	// Applied lists the names of the rules that fired.
	Applied []string
}

// Engine applies the rule table.
type Engine struct {
	rules  []Rule
	logger zerolog.Logger
}

// NewEngine creates a rule engine with the builtin rule table.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		rules:  builtinRules(),
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// AddRule appends a rule to the table.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
}

// osMatches reports whether a rule applies to the target OS tag.
func osMatches(ruleOS, targetOS string) bool {
	if ruleOS == OSAny {
		return true
	}
	return strings.EqualFold(ruleOS, targetOS)
}

// Validate scans a candidate command pre-flight against all rules whose
// OS tag matches the target and proposes a corrected command.
func (e *Engine) Validate(command string, config *connectors.ConnectionConfig) Validation {
	target := ""
	osTag := OSAny
	if config != nil {
		target = config.TargetName()
		if config.OS != "" {
			osTag = config.OS
		}
	}

	result := Validation{Valid: true, Corrected: command}
	for _, r := range e.rules {
		if !osMatches(r.OS, osTag) {
			continue
		}
		if !r.CommandPattern.MatchString(result.Corrected) {
			continue
		}
		if r.SuggestedTimeout > result.SuggestedTimeout {
			result.SuggestedTimeout = r.SuggestedTimeout
		}
		fixed := r.Fix(result.Corrected, target)
		if fixed == result.Corrected {
			continue
		}
		e.logger.Debug().
			Str("rule", r.Name).
			Str("command", result.Corrected).
			Str("corrected", fixed).
			Msg("pre-flight correction")
		result.Valid = false
		result.Corrected = fixed
		result.Applied = append(result.Applied, r.Name)
	}
	return result
}

// Correct applies post-failure correction: every rule whose command
// pattern and failure pattern both match contributes a fix, chained
// sequentially so one failure can trigger multiple corrections. Returns
// the corrected command and whether any rule fired.
func (e *Engine) Correct(command, errorText string, config *connectors.ConnectionConfig) (string, bool) {
	target := ""
	osTag := OSAny
	if config != nil {
		target = config.TargetName()
		if config.OS != "" {
			osTag = config.OS
		}
	}

	corrected := command
	fired := false
	for _, r := range e.rules {
		if r.FailurePattern == nil {
			continue
		}
		if !osMatches(r.OS, osTag) {
			continue
		}
		if !r.CommandPattern.MatchString(corrected) || !r.FailurePattern.MatchString(errorText) {
			continue
		}
		fixed := r.Fix(corrected, target)
		if fixed == corrected {
			continue
		}
		e.logger.Info().
			Str("rule", r.Name).
			Str("command", corrected).
			Str("corrected", fixed).
			Msg("post-failure correction")
		corrected = fixed
		fired = true
	}
	return corrected, fired
}

var (
	pingCountWindows = regexp.MustCompile(`(^|\s)ping\s+(.*\s)?-n\s+(\d+)`)
	pingNoTarget     = regexp.MustCompile(`^ping(\s+-[a-zA-Z]\s+\S+)*\s*$`)
	pingAny          = regexp.MustCompile(`(^|\s)ping(\s|$)`)
	systemctlNoUnit  = regexp.MustCompile(`^systemctl\s+(restart|start|stop|status)\s*$`)
	dfWithoutH       = regexp.MustCompile(`^df(\s|$)`)
	tracerouteCmd    = regexp.MustCompile(`^(traceroute|tracert)(\s|$)`)
)

// builtinRules is the default rule table.
func builtinRules() []Rule {
	return []Rule{
		{
			// Windows-style count flag on a Linux target.
			Name:           "ping-count-flag",
			OS:             OSLinux,
			CommandPattern: pingCountWindows,
			FailurePattern: regexp.MustCompile(`(invalid option|unknown option|bad option|usage: ping)`),
			Fix: func(command, target string) string {
				return pingCountWindows.ReplaceAllString(command, `${1}ping ${2}-c $3`)
			},
		},
		{
			Name:           "ping-missing-target",
			OS:             OSAny,
			CommandPattern: pingNoTarget,
			FailurePattern: regexp.MustCompile(`(usage: ping|destination address required|missing host)`),
			Fix: func(command, target string) string {
				if target == "" {
					return command
				}
				return strings.TrimSpace(command) + " " + target
			},
		},
		{
			// Advisory only: pings should not wait out the default
			// step timeout.
			Name:             "ping-timeout",
			OS:               OSAny,
			CommandPattern:   pingAny,
			SuggestedTimeout: 30 * time.Second,
			Fix:              func(command, target string) string { return command },
		},
		{
			Name:           "systemctl-missing-unit",
			OS:             OSLinux,
			CommandPattern: systemctlNoUnit,
			FailurePattern: regexp.MustCompile(`(too few arguments|requires at least one|unit name)`),
			Fix: func(command, target string) string {
				if target == "" {
					return command
				}
				return strings.TrimSpace(command) + " " + target
			},
		},
		{
			Name:           "df-human-readable",
			OS:             OSLinux,
			CommandPattern: dfWithoutH,
			Fix: func(command, target string) string {
				if strings.Contains(command, "-h") {
					return command
				}
				return strings.Replace(command, "df", "df -h", 1)
			},
		},
		{
			Name:             "traceroute-timeout",
			OS:               OSAny,
			CommandPattern:   tracerouteCmd,
			SuggestedTimeout: 120 * time.Second,
			Fix:              func(command, target string) string { return command },
		},
	}
}
