// Package jsrunner executes script_js tests: a goja VM runs the tenant's
// JavaScript source, calling back into a thin host binding that drives a
// real Chromium page via playwright-go. This is the only place in the
// module that actually exercises dop251/goja and
// playwright-community/playwright-go together.
package jsrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/playwright-community/playwright-go"

	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/sandbox"
)

// Options configures one script_js execution.
type Options struct {
	Source                string
	BaseURL               string
	ArtifactsDir          string
	Timeout               time.Duration
	BrowserExecutablePath string // empty uses playwright's bundled browser
}

// Outcome is the classified result of running the script, before the caller
// renders it into a sandbox.Result.
type Outcome struct {
	Passed          bool
	InfraDegraded   bool
	ErrorMessage    string
	Stack           string
	FinalURL        string
	Title           string
	ScreenshotPath  string
}

// lowerFirstFieldMapper exposes Go methods to goja using JS camelCase
// convention (Goto -> goto, TextContent -> textContent).
type lowerFirstFieldMapper struct{}

func (lowerFirstFieldMapper) FieldName(_ goja.Type, f string) string { return lowerFirst(f) }
func (lowerFirstFieldMapper) MethodName(_ goja.Type, m string) string { return lowerFirst(m) }

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// page is the host binding object handed to the script as `page`.
type page struct {
	p *playwright.Page
}

func (h *page) Goto(url string) error {
	_, err := (*h.p).Goto(url)
	return err
}

func (h *page) Title() (string, error) { return (*h.p).Title() }

func (h *page) Url() string { return (*h.p).URL() }

func (h *page) Click(selector string) error { return (*h.p).Click(selector) }

func (h *page) Fill(selector, value string) error { return (*h.p).Fill(selector, value) }

func (h *page) TextContent(selector string) (string, error) {
	return (*h.p).TextContent(selector)
}

func (h *page) WaitForSelector(selector string) error {
	_, err := (*h.p).WaitForSelector(selector)
	return err
}

// Run launches a headless browser, evaluates opts.Source in a goja VM, and
// invokes its exported run({page, baseUrl, artifactsDir}) function.
func Run(opts Options) (Outcome, error) {
	pw, err := playwright.Run()
	if err != nil {
		return Outcome{}, fmt.Errorf("jsrunner: start playwright: %w", err)
	}
	defer pw.Stop()

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
		},
	}
	if opts.BrowserExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.BrowserExecutablePath)
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return Outcome{}, fmt.Errorf("jsrunner: launch browser: %w", err)
	}
	defer browser.Close()

	browserPage, err := browser.NewPage()
	if err != nil {
		return Outcome{}, fmt.Errorf("jsrunner: new page: %w", err)
	}
	browserPage.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))
	defer browserPage.Close()

	vm := goja.New()
	vm.SetFieldNameMapper(lowerFirstFieldMapper{})

	hostPage := &page{p: &browserPage}
	ctxObj := vm.NewObject()
	_ = ctxObj.Set("page", hostPage)
	_ = ctxObj.Set("baseUrl", opts.BaseURL)
	_ = ctxObj.Set("artifactsDir", opts.ArtifactsDir)

	if _, err := vm.RunString(opts.Source); err != nil {
		return outcomeFromPanic(err, browserPage, opts.ArtifactsDir), nil
	}

	runFn, ok := goja.AssertFunction(vm.Get("run"))
	if !ok {
		return Outcome{}, fmt.Errorf("jsrunner: script does not export a run function")
	}

	_, callErr := runFn(goja.Undefined(), ctxObj)
	if callErr != nil {
		return outcomeFromPanic(callErr, browserPage, opts.ArtifactsDir), nil
	}

	title, _ := browserPage.Title()
	return Outcome{
		Passed:   true,
		FinalURL: browserPage.URL(),
		Title:    title,
	}, nil
}

func outcomeFromPanic(err error, p playwright.Page, artifactsDir string) Outcome {
	msg := err.Error()
	title, _ := p.Title()
	out := Outcome{
		Passed:        false,
		ErrorMessage:  sandbox.TruncateErrorMessage(msg),
		Stack:         sandbox.TruncateStack(msg),
		FinalURL:      p.URL(),
		Title:         title,
		InfraDegraded: sandbox.IsInfraSentinel(msg),
	}
	if artifactsDir != "" {
		path := filepath.Join(artifactsDir, run.ArtifactFailureScreenshot)
		CaptureFailureScreenshot(p, path)
		if _, statErr := os.Stat(path); statErr == nil {
			out.ScreenshotPath = path
		}
	}
	return out
}

// CaptureFailureScreenshot best-effort captures failure.png; a failure here
// never escalates the run's own error classification.
func CaptureFailureScreenshot(p playwright.Page, path string) {
	_, err := p.Screenshot(playwright.PageScreenshotOptions{Path: playwright.String(path)})
	if err != nil {
		_ = os.Remove(path)
	}
}
