// Package sandbox runs untrusted generated eval code in a subprocess and
// returns a pass/fail verdict. A crash inside the generated code surfaces
// as a normal error, never as a host process crash.
package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

//go:embed harness.py
var harnessSource string

// Verdict is the outcome of running eval code against one trace.
type Verdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// TraceInput is the trace payload handed to the eval code.
type TraceInput struct {
	ID     string `json:"id"`
	Input  string `json:"input"`
	Output string `json:"output"`
	Steps  string `json:"steps,omitempty"`
}

// Runner executes generated eval code against a trace.
type Runner interface {
	Run(ctx context.Context, code string, trace TraceInput) (*Verdict, error)
}

// Config configures the subprocess runner.
type Config struct {
	// Interpreter is the command invoked with the harness file as its
	// final argument. Defaults to ["python3"].
	Interpreter []string
	// Harness overrides the embedded harness source. Tests use this to
	// substitute a shell script.
	Harness string
	// Timeout bounds one execution.
	Timeout time.Duration
	// MaxOutput caps captured stdout/stderr bytes.
	MaxOutput int
}

// DefaultConfig returns a safe default configuration
func DefaultConfig() Config {
	return Config{
		Interpreter: []string{"python3"},
		Timeout:     30 * time.Second,
		MaxOutput:   64 * 1024,
	}
}

// Subprocess is the subprocess-backed Runner.
type Subprocess struct {
	config      Config
	harnessPath string
}

// New creates a runner, materializing the harness into a private temp file.
func New(config Config) (*Subprocess, error) {
	if len(config.Interpreter) == 0 {
		config.Interpreter = []string{"python3"}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxOutput <= 0 {
		config.MaxOutput = 64 * 1024
	}

	harness := config.Harness
	if harness == "" {
		harness = harnessSource
	}

	dir, err := os.MkdirTemp("", "iofold-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	harnessPath := filepath.Join(dir, "harness")
	if err := os.WriteFile(harnessPath, []byte(harness), 0o600); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}

	return &Subprocess{config: config, harnessPath: harnessPath}, nil
}

// Close removes the materialized harness.
func (s *Subprocess) Close() error {
	return os.RemoveAll(filepath.Dir(s.harnessPath))
}

type harnessInput struct {
	Code  string     `json:"code"`
	Trace TraceInput `json:"trace"`
}

type harnessOutput struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Run executes the code against one trace and returns its verdict.
func (s *Subprocess) Run(ctx context.Context, code string, trace TraceInput) (*Verdict, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("sandbox: empty eval code")
	}

	input, err := json.Marshal(harnessInput{Code: code, Trace: trace})
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	args := append(append([]string(nil), s.config.Interpreter[1:]...), s.harnessPath)
	cmd := commandContext(ctx, s.config.Interpreter[0], args...)
	setSysProcAttr(cmd)

	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	recordSandboxRun(elapsed)

	if ctx.Err() == context.DeadlineExceeded {
		recordSandboxTimeout()
		return nil, fmt.Errorf("sandbox: execution timed out after %v", s.config.Timeout)
	}

	out := truncate(stdout.Bytes(), s.config.MaxOutput)

	var result harnessOutput
	if err := json.Unmarshal(out, &result); err != nil {
		recordSandboxFailure()
		if runErr != nil {
			return nil, fmt.Errorf("sandbox: harness exited: %v (stderr: %s)", runErr, truncateString(stderr.String(), 512))
		}
		return nil, fmt.Errorf("sandbox: malformed harness output: %w", err)
	}

	// A structured error from the harness means the generated code raised.
	if result.Error != "" {
		recordSandboxFailure()
		return nil, fmt.Errorf("sandbox: eval code raised: %s", result.Error)
	}
	if runErr != nil {
		recordSandboxFailure()
		return nil, fmt.Errorf("sandbox: harness exited: %v", runErr)
	}

	return &Verdict{Passed: result.Passed, Reason: result.Reason}, nil
}

func truncate(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

func truncateString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "... (truncated)"
	}
	return s
}
