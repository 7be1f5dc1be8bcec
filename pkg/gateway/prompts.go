package gateway

import "strings"

// System prompts keyed by role. These are fixed deployment-owned strings;
// unknown roles get the default prompt.
var systemPrompts = map[string]string{
	"planner": "You are a senior software architect. Produce a concise, numbered implementation plan " +
		"for the user's request. List the files to create and what each must contain. Do not write code.",
	"builder": "You are an expert software engineer. Implement the user's request completely. " +
		"Emit every file as a fenced code block whose first line is `// filepath: <path>`. " +
		"Generate working, runnable code with no placeholders.",
	"coder": "You are an expert software engineer. Implement the user's request completely. " +
		"Emit every file as a fenced code block whose first line is `// filepath: <path>`.",
	"executor": "You are an execution agent. Carry out the user's instructions precisely and " +
		"emit any produced files as fenced code blocks with a `// filepath: <path>` first line.",
	"fixer": "You are a debugging specialist. Analyze the reported errors against the given code " +
		"and explain the precise fixes required. Be specific about file and line.",
	"installer": "You are a build engineer. Determine the dependencies and install commands the " +
		"project needs and list them explicitly.",
}

const defaultSystemPrompt = "You are a helpful software engineering assistant."

// SystemPrompt returns the system prompt for a role.
func SystemPrompt(role string) string {
	if prompt, ok := systemPrompts[strings.ToLower(strings.TrimSpace(role))]; ok {
		return prompt
	}
	return defaultSystemPrompt
}

// planPromptRoles are the roles whose prompts get the approved plan folded
// in when one exists.
var planPromptRoles = map[string]bool{
	"builder": true, "coder": true, "executor": true,
}

// ComposePrompt folds an approved plan into the user prompt for plan-driven
// roles. All other roles receive the prompt unchanged.
func ComposePrompt(role, prompt, plan string) string {
	if plan == "" || !planPromptRoles[strings.ToLower(strings.TrimSpace(role))] {
		return prompt
	}
	return "APPROVED PLAN:\n" + plan +
		"\n\nNow implement this plan fully. Generate all files.\n\nOriginal request: " + prompt
}
