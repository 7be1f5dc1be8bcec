package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// npmInstallTimeout bounds the dependency install step.
	npmInstallTimeout = 120 * time.Second
	// maxSyntaxChecks caps how many source files get a syntax pass.
	maxSyntaxChecks = 10
	// outputTailLimit truncates recorded command output to its tail.
	outputTailLimit = 500
)

// TestResult is the outcome of validating a written workspace.
type TestResult struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

// TestNotify is called when the validation run reaches a noteworthy step,
// currently only the dependency install. May be nil.
type TestNotify func(step string, data map[string]any)

// TestCode validates the code written to the session's workspace:
// dependencies are installed when a package.json is present, then the first
// few JavaScript and TypeScript files get a syntax check. Failures are
// collected rather than aborting, so one broken file does not hide another.
func (m *Manager) TestCode(ctx context.Context, sessionID string, notify TestNotify) (TestResult, error) {
	var errs []string

	hasPkg, err := m.ExecInContainer(ctx, sessionID, "test -f package.json", 0)
	if err != nil {
		return TestResult{}, err
	}
	if hasPkg.Success {
		if notify != nil {
			notify("installing_dependencies", map[string]any{"session_id": sessionID})
		}
		install, err := m.ExecInContainer(ctx, sessionID, "npm install --production", npmInstallTimeout)
		if err != nil {
			return TestResult{}, err
		}
		if !install.Success {
			errs = append(errs, "npm install failed: "+tail(install.Output, outputTailLimit))
		}
	}

	files, err := m.listSourceFiles(ctx, sessionID)
	if err != nil {
		return TestResult{}, err
	}
	if len(files) > maxSyntaxChecks {
		files = files[:maxSyntaxChecks]
	}

	for _, file := range files {
		check, err := m.ExecInContainer(ctx, sessionID, "node --check "+shellQuote(file), 0)
		if err != nil {
			return TestResult{}, err
		}
		if !check.Success {
			errs = append(errs, fmt.Sprintf("Syntax error in %s: %s", file, strings.TrimSpace(check.Output)))
		}
	}

	return TestResult{Success: len(errs) == 0, Errors: errs}, nil
}

// listSourceFiles enumerates *.js and *.ts files under the workspace root
// in lexicographic order.
func (m *Manager) listSourceFiles(ctx context.Context, sessionID string) ([]string, error) {
	res, err := m.ExecInContainer(ctx, sessionID,
		`find . -type f \( -name '*.js' -o -name '*.ts' \) -not -path './node_modules/*' | sort`, 0)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &TransportError{
			Category: classifyEngineOutput(res.Output),
			Op:       "enumerate sources",
			Output:   res.Output,
		}
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(res.Output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
