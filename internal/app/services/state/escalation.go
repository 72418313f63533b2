package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/synthmon/platform/internal/app/domain/alertdom"
)

// HTTPEscalator dispatches a DOWN transition to an external investigation
// agent over the create_job/poll contract: create_job(prompt, model) ->
// job_id, poll(job_id) -> {done, output?}.
type HTTPEscalator struct {
	endpoint     string
	token        string
	model        string
	pollInterval time.Duration
	timeout      time.Duration
	client       *http.Client
}

// NewHTTPEscalator builds an Escalator bounded by the given poll interval
// and overall timeout (spec default ~2h).
func NewHTTPEscalator(endpoint, token, model string, pollInterval, timeout time.Duration) *HTTPEscalator {
	return &HTTPEscalator{
		endpoint:     endpoint,
		token:        token,
		model:        model,
		pollInterval: pollInterval,
		timeout:      timeout,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Done   bool   `json:"done"`
	Output string `json:"output"`
}

// Escalate creates an investigation job embedding alertdom.ReadOnlyRules
// verbatim, then polls until done or the overall timeout elapses.
func (e *HTTPEscalator) Escalate(ctx context.Context, req alertdom.EscalationRequest) (string, error) {
	if e.endpoint == "" {
		return "", nil
	}

	prompt := renderEscalationPrompt(req)
	jobID, err := e.createJob(ctx, prompt)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(e.timeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return "", fmt.Errorf("state: escalation timed out after %s", e.timeout)
			}
			done, output, err := e.poll(ctx, jobID)
			if err != nil {
				return "", err
			}
			if done {
				return output, nil
			}
		}
	}
}

func renderEscalationPrompt(req alertdom.EscalationRequest) string {
	text := fmt.Sprintf("%s\n\nSubject: %s (%s)\nFailing run: %s\n", alertdom.ReadOnlyRules, req.DisplayName, req.SubjectID, req.FailingRunID)
	if req.ErrorKind != "" {
		text += fmt.Sprintf("Error kind: %s\n", req.ErrorKind)
	}
	if req.ErrorMessage != "" {
		text += fmt.Sprintf("Error message: %s\n", req.ErrorMessage)
	}
	for _, link := range req.EvidenceLinks {
		text += fmt.Sprintf("Evidence: %s\n", link)
	}
	return text
}

func (e *HTTPEscalator) createJob(ctx context.Context, prompt string) (string, error) {
	body, _ := json.Marshal(map[string]string{"prompt": prompt, "model": e.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	e.applyAuth(req)
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (e *HTTPEscalator) poll(ctx context.Context, jobID string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/jobs/"+jobID, nil)
	if err != nil {
		return false, "", err
	}
	e.applyAuth(req)
	resp, err := e.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", err
	}
	return out.Done, out.Output, nil
}

func (e *HTTPEscalator) applyAuth(req *http.Request) {
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
}
