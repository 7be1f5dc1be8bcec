package gateway

import (
	"strings"

	"github.com/forgeworks/forgeloop/pkg/config"
)

// Provider identifies which adapter serves a role.
type Provider string

const (
	// ProviderBot serves supervisory roles via the polling conversation API.
	ProviderBot Provider = "bot"
	// ProviderChat serves execution roles via chat completions.
	ProviderChat Provider = "chat"
)

// Intent is a closed-set label derived from the prompt, used only by
// adaptive model selection.
type Intent string

const (
	IntentScaffold Intent = "SCAFFOLD"
	IntentCRUD     Intent = "CRUD"
	IntentStatic   Intent = "STATIC"
	IntentRefactor Intent = "REFACTOR"
	IntentGeneral  Intent = "GENERAL"
)

// Complexity grades how demanding a request is expected to be.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// supervisoryRoles plan and coordinate; they are bound to the bot provider.
var supervisoryRoles = map[string]bool{
	"planner": true, "frontend": true, "backend": true,
	"devops": true, "qa": true, "android": true, "ios": true,
}

// executionRoles generate and fix code; they are bound to chat completions.
var executionRoles = map[string]bool{
	"builder": true, "installer": true, "fixer": true,
	"coder": true, "executor": true,
}

// roleHint matches a substring of an unknown role name to a provider.
// Evaluated in order; first match wins.
type roleHint struct {
	substrings []string
	provider   Provider
}

var roleHints = []roleHint{
	{[]string{"plan", "architect"}, ProviderBot},
	{[]string{"front"}, ProviderBot},
	{[]string{"back"}, ProviderBot},
	{[]string{"devops", "deploy"}, ProviderBot},
	{[]string{"qa", "test", "quality"}, ProviderBot},
	{[]string{"android", "mobile"}, ProviderBot},
	{[]string{"ios", "apple", "swift"}, ProviderBot},
	{[]string{"build", "code", "install", "fix"}, ProviderChat},
}

// RouteRole maps a role name to its provider. Known roles use the fixed
// sets; unknown roles fall back to substring matching, then to chat.
func RouteRole(role string) Provider {
	normalized := strings.ToLower(strings.TrimSpace(role))

	if supervisoryRoles[normalized] {
		return ProviderBot
	}
	if executionRoles[normalized] {
		return ProviderChat
	}
	for _, hint := range roleHints {
		for _, sub := range hint.substrings {
			if strings.Contains(normalized, sub) {
				return hint.provider
			}
		}
	}
	return ProviderChat
}

// intentRule maps prompt substrings to an intent. First match wins.
type intentRule struct {
	substrings []string
	intent     Intent
}

var intentRules = []intentRule{
	{[]string{"scaffold", "boilerplate", "setup", "new project"}, IntentScaffold},
	{[]string{"crud", "form", "api", "list"}, IntentCRUD},
	{[]string{"static", "landing", "html only"}, IntentStatic},
	{[]string{"refactor", "optimize", "migration"}, IntentRefactor},
}

// DetectIntent classifies a prompt into exactly one intent.
func DetectIntent(prompt string) Intent {
	lower := strings.ToLower(prompt)
	for _, rule := range intentRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}

// Selection is the outcome of adaptive model selection. Reason is a stable
// identifier recorded for observability, not prose.
type Selection struct {
	Model  string
	Reason string
}

// builderLikeRoles participate in queue-aware model selection.
var builderLikeRoles = map[string]bool{
	"builder": true, "coder": true, "executor": true,
}

// SelectModel picks the chat model for a request. The decision is total and
// deterministic: identical inputs always yield the same selection.
func SelectModel(cfg *config.GatewayConfig, role string, complexity Complexity, intent Intent, queueDepth int) Selection {
	normalized := strings.ToLower(strings.TrimSpace(role))

	if normalized == "fixer" {
		return Selection{Model: cfg.FixerModel, Reason: "fixer_pinned"}
	}
	if !builderLikeRoles[normalized] {
		return Selection{Model: cfg.LargeModel, Reason: "planner_quality_pinned"}
	}

	switch complexity {
	case ComplexityComplex:
		switch intent {
		case IntentCRUD, IntentStatic, IntentScaffold:
			return Selection{Model: cfg.MidModel, Reason: "complex_optimized_" + strings.ToLower(string(intent))}
		}
		return Selection{Model: cfg.LargeModel, Reason: "complex_pinned_quality"}

	case ComplexitySimple:
		switch {
		case queueDepth >= 3:
			return Selection{Model: cfg.SmallModel, Reason: "simple_queue_high"}
		case queueDepth >= 2:
			return Selection{Model: cfg.MidModel, Reason: "simple_queue_medium"}
		}
		return Selection{Model: cfg.LargeModel, Reason: "simple_queue_low"}

	default: // medium
		if queueDepth >= 3 {
			return Selection{Model: cfg.MidModel, Reason: "medium_queue_high"}
		}
		if intent == IntentStatic {
			return Selection{Model: cfg.MidModel, Reason: "medium_optimized_static"}
		}
		return Selection{Model: cfg.LargeModel, Reason: "medium_standard"}
	}
}
