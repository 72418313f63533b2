// Package sandbox defines the wire contract between the Runner Pool and the
// sandbox child process: the CLI arguments the child accepts and the single
// E2E_RESULT_JSON= line it must print to stdout before exiting.
package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/synthmon/platform/internal/app/domain/run"
)

// ResultLinePrefix marks the single stdout line the child must emit.
const ResultLinePrefix = "E2E_RESULT_JSON="

// InfraSentinels are substrings of a caught exception's message that
// classify a failure as infra_degraded rather than a genuine test failure.
var InfraSentinels = []string{
	"target closed",
	"browser disconnected",
	"session closed",
	"page crashed",
	"navigation failed because browser has disconnected",
}

// IsInfraSentinel reports whether msg matches one of the known
// browser-infrastructure failure substrings, case-insensitively.
func IsInfraSentinel(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range InfraSentinels {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

const (
	maxErrorMessageBytes = 2 * 1024
	maxStackBytes        = 50 * 1024
)

// Result is the decoded form of the child's single stdout result line.
type Result struct {
	Status          run.Status    `json:"status"`
	ElapsedMS       int64         `json:"elapsed_ms"`
	ErrorKind       run.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	FinalURL        string        `json:"final_url,omitempty"`
	Title           string        `json:"title,omitempty"`
	Artifacts       []string      `json:"artifacts,omitempty"`
	BrowserInfraErr bool          `json:"browser_infra_error,omitempty"`
}

// RunLog is the JSON document written to the run.log artifact on failure.
type RunLog struct {
	Status          run.Status    `json:"status"`
	ErrorKind       run.ErrorKind `json:"error_kind"`
	ErrorMessage    string        `json:"error_message"`
	FinalURL        string        `json:"final_url"`
	PageTitle       string        `json:"page_title"`
	BrowserInfraErr bool          `json:"browser_infra_error"`
	Stack           string        `json:"stack,omitempty"`
}

// TruncateErrorMessage clamps an error message to the documented 2KB bound.
func TruncateErrorMessage(msg string) string {
	return truncateBytes(msg, maxErrorMessageBytes)
}

// TruncateStack clamps a stack trace to the documented 50KB bound.
func TruncateStack(stack string) string {
	return truncateBytes(stack, maxStackBytes)
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// EmitResultLine writes the single required stdout contract line.
func EmitResultLine(w io.Writer, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("sandbox: marshal result: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s%s\n", ResultLinePrefix, payload)
	return err
}

// ParseResultLine scans r for the E2E_RESULT_JSON= line and decodes it. It
// returns ok=false if no such line was found before EOF (runner_protocol
// territory for the caller).
func ParseResultLine(r io.Reader) (Result, bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last string
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ResultLinePrefix) {
			last = strings.TrimPrefix(line, ResultLinePrefix)
			found = true
		}
	}
	if !found {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return Result{}, false
	}
	return res, true
}

// ChildArgs are the CLI arguments the Runner Pool passes to the sandbox
// child: `child --test-file <path> --base-url <url> --artifacts-dir <dir>
// --timeout-seconds <n>`.
type ChildArgs struct {
	TestFile       string
	BaseURL        string
	ArtifactsDir   string
	TimeoutSeconds int
}

// Args renders ChildArgs as the flag slice passed to exec.Command.
func (a ChildArgs) Args() []string {
	return []string{
		"--test-file", a.TestFile,
		"--base-url", a.BaseURL,
		"--artifacts-dir", a.ArtifactsDir,
		"--timeout-seconds", fmt.Sprintf("%d", a.TimeoutSeconds),
	}
}
