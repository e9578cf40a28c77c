package veo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"scenefit/internal/providers"
)

// Options configures the polling video-generation client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client drives an asynchronous video-generation API: one call creates a
// remote task and returns a handle, a second repeatable call checks its
// status. Polling cadence and the wall-clock ceiling belong to the caller.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New constructs a client with sane defaults.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.veo.dev/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "veo-scene-2"
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger.With().Str("provider", model).Logger(),
	}
}

// Name identifies the adapter in job records.
func (c *Client) Name() string { return c.model }

type createTaskRequest struct {
	Model          string `json:"model"`
	SubjectFaceURL string `json:"subject_face_url"`
	SubjectBodyURL string `json:"subject_body_url"`
	TargetSceneURL string `json:"target_scene_url"`
	Instruction    string `json:"instruction"`
	RequestID      string `json:"request_id,omitempty"`
}

type createTaskResponse struct {
	ExternalTaskID string `json:"external_task_id"`
	Message        string `json:"message,omitempty"`
}

type taskStatusResponse struct {
	State        string `json:"state"`
	ArtifactRef  string `json:"artifact_ref,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Generate creates the remote task and returns its handle. The job is only
// considered dispatched once the provider acknowledged creation.
func (c *Client) Generate(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	if c.apiKey == "" {
		return nil, providers.NewAuthError("provider credentials missing", nil)
	}
	payload := createTaskRequest{
		Model:          c.model,
		SubjectFaceURL: req.Inputs.SubjectFaceRef,
		SubjectBodyURL: req.Inputs.SubjectBodyRef,
		TargetSceneURL: req.Inputs.TargetSceneRef,
		Instruction:    req.Instruction,
		RequestID:      req.JobID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providers.NewInvalidInputError("encode request", err)
	}

	raw, status, err := c.do(ctx, http.MethodPost, "/tasks", body)
	if err != nil {
		return nil, providers.NewTransientError("create task failed", err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, classifyStatus(status, raw)
	}

	var decoded createTaskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, providers.NewTransientError("decode create response", err)
	}
	if decoded.ExternalTaskID == "" {
		return nil, providers.NewTransientError("provider returned no task id", nil)
	}
	c.logger.Info().Str("job_id", req.JobID).Str("task_id", decoded.ExternalTaskID).Msg("remote task accepted")
	return &providers.Outcome{Accepted: true, ExternalRef: decoded.ExternalTaskID}, nil
}

// PollStatus performs one idempotent status check for the given task handle.
func (c *Client) PollStatus(ctx context.Context, externalRef string) (*providers.PollUpdate, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/tasks/"+externalRef, nil)
	if err != nil {
		return nil, providers.NewTransientError("status check failed", err)
	}
	if status != http.StatusOK {
		return nil, classifyStatus(status, raw)
	}
	var decoded taskStatusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, providers.NewTransientError("decode status response", err)
	}

	switch strings.ToLower(strings.TrimSpace(decoded.State)) {
	case "waiting", "pending", "running":
		return &providers.PollUpdate{State: providers.PollStateWaiting}, nil
	case "success", "succeeded":
		return &providers.PollUpdate{State: providers.PollStateSuccess, ArtifactRef: decoded.ArtifactRef}, nil
	case "fail", "failed":
		message := decoded.ErrorMessage
		if message == "" {
			message = "generation failed"
		}
		return &providers.PollUpdate{State: providers.PollStateFail, ErrorMessage: message}, nil
	default:
		return nil, providers.NewTransientError(fmt.Sprintf("unknown task state %q", decoded.State), nil)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func classifyStatus(status int, body []byte) *providers.Error {
	detail := strings.TrimSpace(string(body))
	var decoded taskStatusResponse
	if json.Unmarshal(body, &decoded) == nil && decoded.Message != "" {
		detail = decoded.Message
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return providers.NewAuthError("provider rejected credentials", fmt.Errorf("status %d: %s", status, detail))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return providers.NewInvalidInputError("provider rejected inputs", fmt.Errorf("status %d: %s", status, detail))
	default:
		return providers.NewTransientError("provider error", fmt.Errorf("status %d: %s", status, detail))
	}
}

var (
	_ providers.Adapter = (*Client)(nil)
	_ providers.Poller  = (*Client)(nil)
)
