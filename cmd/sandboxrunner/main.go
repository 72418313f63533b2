// Command sandboxrunner is the sandbox child process the Runner Pool spawns
// for every test execution. It never pools browsers across invocations: one
// process, one browser, one run, per spec.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/sandbox"
	"github.com/synthmon/platform/internal/app/sandbox/jsrunner"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

func main() {
	testFile := flag.String("test-file", "", "path to the uploaded source file")
	baseURL := flag.String("base-url", "", "base URL under test")
	artifactsDir := flag.String("artifacts-dir", "", "directory to write run.log/failure.png into")
	timeoutSeconds := flag.Int("timeout-seconds", 30, "per-operation timeout")
	flag.Parse()

	if *testFile == "" || *baseURL == "" || *artifactsDir == "" {
		log.Error().Msg("missing required flags")
		emitProtocolFailure("missing required flags")
		os.Exit(1)
	}

	if err := os.MkdirAll(*artifactsDir, 0o755); err != nil {
		log.Error().Err(err).Msg("create artifacts dir")
		emitProtocolFailure("cannot create artifacts dir")
		os.Exit(1)
	}

	timeout := time.Duration(*timeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()

	var res sandbox.Result
	switch {
	case strings.HasSuffix(*testFile, ".js"):
		res = runJS(*testFile, *baseURL, *artifactsDir, timeout)
	case strings.HasSuffix(*testFile, ".py"):
		res = runPython(ctx, *testFile, *baseURL, *artifactsDir, timeout)
	default:
		res = sandbox.Result{
			Status:    run.StatusFail,
			ErrorKind: run.ErrorKindRunnerProtocol,
			ErrorMessage: fmt.Sprintf("unsupported source extension: %s", filepath.Ext(*testFile)),
		}
	}

	res.ElapsedMS = time.Since(started).Milliseconds()

	if res.Status != run.StatusPass {
		writeRunLog(*artifactsDir, res)
	}

	if err := sandbox.EmitResultLine(os.Stdout, res); err != nil {
		log.Error().Err(err).Msg("emit result line")
		os.Exit(1)
	}

	if res.Status == run.StatusPass {
		os.Exit(0)
	}
	os.Exit(1)
}

func runJS(testFile, baseURL, artifactsDir string, timeout time.Duration) sandbox.Result {
	source, err := os.ReadFile(testFile)
	if err != nil {
		return sandbox.Result{
			Status:       run.StatusFail,
			ErrorKind:    run.ErrorKindRunnerProtocol,
			ErrorMessage: sandbox.TruncateErrorMessage(err.Error()),
		}
	}

	outcome, err := jsrunner.Run(jsrunner.Options{
		Source:       string(source),
		BaseURL:      baseURL,
		ArtifactsDir: artifactsDir,
		Timeout:      timeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("jsrunner failed to start")
		return sandbox.Result{
			Status:       run.StatusFail,
			ErrorKind:    run.ErrorKindInfraBrowser,
			ErrorMessage: sandbox.TruncateErrorMessage(err.Error()),
		}
	}

	if outcome.Passed {
		return sandbox.Result{
			Status:   run.StatusPass,
			FinalURL: outcome.FinalURL,
			Title:    outcome.Title,
		}
	}

	status := run.StatusFail
	errKind := run.ErrorKindAssertion
	if outcome.InfraDegraded {
		status = run.StatusInfraDegraded
		errKind = run.ErrorKindInfraBrowser
	}

	artifacts := maybeCaptureFailureScreenshot(artifactsDir)
	return sandbox.Result{
		Status:          status,
		ErrorKind:       errKind,
		ErrorMessage:    outcome.ErrorMessage,
		FinalURL:        outcome.FinalURL,
		Title:           outcome.Title,
		Artifacts:       artifacts,
		BrowserInfraErr: outcome.InfraDegraded,
	}
}

// maybeCaptureFailureScreenshot reports failure.png as a run artifact when it
// exists in artifactsDir; jsrunner writes it there when a script_js run
// fails. The Python harness reports its own screenshot in its result line.
func maybeCaptureFailureScreenshot(artifactsDir string) []string {
	path := filepath.Join(artifactsDir, run.ArtifactFailureScreenshot)
	if _, err := os.Stat(path); err == nil {
		return []string{run.ArtifactFailureScreenshot}
	}
	return nil
}

// pythonHarness is a minimal wrapper executed by python3 that imports the
// uploaded module, calls its async run(page, base_url, artifacts_dir) using
// the installed playwright python package, and prints the same
// E2E_RESULT_JSON= contract this process otherwise emits directly. It is an
// external runtime dependency (python3 + pip-installed playwright), not a Go
// module dependency.
const pythonHarness = `
import asyncio, importlib.util, json, sys, time, traceback

INFRA_SENTINELS = [
    "target closed", "browser disconnected", "session closed",
    "page crashed", "navigation failed because browser has disconnected",
]

def classify(msg):
    low = msg.lower()
    return any(s in low for s in INFRA_SENTINELS)

async def main():
    test_file, base_url, artifacts_dir, timeout_s = sys.argv[1], sys.argv[2], sys.argv[3], float(sys.argv[4])
    from playwright.async_api import async_playwright

    spec = importlib.util.spec_from_file_location("usertest", test_file)
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)

    start = time.time()
    result = {"status": "pass", "elapsed_ms": 0}
    async with async_playwright() as pw:
        browser = await pw.chromium.launch(headless=True, args=["--no-sandbox", "--disable-dev-shm-usage"])
        page = await browser.new_page()
        page.set_default_timeout(timeout_s * 1000)
        try:
            await asyncio.wait_for(mod.run(page, base_url, artifacts_dir), timeout=timeout_s)
            result["final_url"] = page.url
            result["title"] = await page.title()
        except Exception as e:
            msg = str(e)
            infra = classify(msg)
            result["status"] = "infra_degraded" if infra else "fail"
            result["error_kind"] = "infra_browser" if infra else "assertion"
            result["error_message"] = msg[:2048]
            result["browser_infra_error"] = infra
            try:
                result["final_url"] = page.url
                result["title"] = await page.title()
                await page.screenshot(path=artifacts_dir + "/failure.png")
                result["artifacts"] = ["failure.png"]
            except Exception:
                pass
        finally:
            await browser.close()
    result["elapsed_ms"] = int((time.time() - start) * 1000)
    print("E2E_RESULT_JSON=" + json.dumps(result))

asyncio.run(main())
`

func runPython(ctx context.Context, testFile, baseURL, artifactsDir string, timeout time.Duration) sandbox.Result {
	harnessFile, err := os.CreateTemp("", "sandboxrunner-harness-*.py")
	if err != nil {
		return sandbox.Result{Status: run.StatusFail, ErrorKind: run.ErrorKindRunnerProtocol, ErrorMessage: err.Error()}
	}
	defer os.Remove(harnessFile.Name())
	if _, err := harnessFile.WriteString(pythonHarness); err != nil {
		return sandbox.Result{Status: run.StatusFail, ErrorKind: run.ErrorKindRunnerProtocol, ErrorMessage: err.Error()}
	}
	_ = harnessFile.Close()

	cmd := exec.CommandContext(ctx, "python3", harnessFile.Name(), testFile, baseURL, artifactsDir, fmt.Sprintf("%f", timeout.Seconds()))
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return sandbox.Result{
			Status:       run.StatusTimeout,
			ErrorKind:    run.ErrorKindTimeout,
			ErrorMessage: "sandbox child exceeded timeout",
		}
	}
	res, ok := sandbox.ParseResultLine(strings.NewReader(string(out)))
	if !ok {
		msg := "child produced no E2E_RESULT_JSON line"
		if err != nil {
			msg = err.Error()
		}
		return sandbox.Result{
			Status:       run.StatusFail,
			ErrorKind:    run.ErrorKindRunnerProtocol,
			ErrorMessage: sandbox.TruncateErrorMessage(msg),
		}
	}
	return res
}

func writeRunLog(artifactsDir string, res sandbox.Result) {
	logDoc := sandbox.RunLog{
		Status:          res.Status,
		ErrorKind:       res.ErrorKind,
		ErrorMessage:    res.ErrorMessage,
		FinalURL:        res.FinalURL,
		PageTitle:       res.Title,
		BrowserInfraErr: res.BrowserInfraErr,
	}
	path := filepath.Join(artifactsDir, run.ArtifactRunLog)
	f, err := os.Create(path)
	if err != nil {
		log.Error().Err(err).Msg("write run.log")
		return
	}
	defer f.Close()
	enc := zerolog.New(f)
	enc.Log().
		Str("status", string(logDoc.Status)).
		Str("error_kind", string(logDoc.ErrorKind)).
		Str("error_message", logDoc.ErrorMessage).
		Str("final_url", logDoc.FinalURL).
		Str("page_title", logDoc.PageTitle).
		Bool("browser_infra_error", logDoc.BrowserInfraErr).
		Msg("run failed")
}

func emitProtocolFailure(msg string) {
	_ = sandbox.EmitResultLine(os.Stdout, sandbox.Result{
		Status:       run.StatusFail,
		ErrorKind:    run.ErrorKindRunnerProtocol,
		ErrorMessage: msg,
	})
}
