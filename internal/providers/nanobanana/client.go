package nanobanana

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"scenefit/internal/domain"
	"scenefit/internal/providers"
)

// Options configures the synchronous composition client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client calls a synchronous image-composition endpoint: one request carrying
// the source references and instruction, one response carrying the finished
// artifact. The underlying model sometimes returns the target scene unchanged
// instead of performing the edit; Generate detects that and reports it as an
// unchanged-output error so the retry policy can escalate the instruction.
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
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.nanobanana.dev/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "nanobanana-compose-1"
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

type composeRequest struct {
	Model          string `json:"model"`
	SubjectFaceURL string `json:"subject_face_url"`
	SubjectBodyURL string `json:"subject_body_url"`
	TargetSceneURL string `json:"target_scene_url"`
	Instruction    string `json:"instruction"`
	RequestID      string `json:"request_id,omitempty"`
}

type composeResponse struct {
	Image    string  `json:"image,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
	Format   string  `json:"format,omitempty"`
	Quality  float64 `json:"quality,omitempty"`
	Code     string  `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Generate performs one blocking composition call.
func (c *Client) Generate(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	if c.apiKey == "" {
		return nil, providers.NewAuthError("provider credentials missing", nil)
	}

	scene, err := c.download(ctx, req.Inputs.TargetSceneRef)
	if err != nil {
		return nil, providers.NewTransientError("target scene fetch failed", err)
	}

	payload := composeRequest{
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

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/compose", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewInvalidInputError("build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewTransientError("compose request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, providers.NewTransientError("read compose response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var decoded composeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, providers.NewTransientError("decode compose response", err)
	}

	out, ref, err := c.resolveArtifact(ctx, decoded)
	if err != nil {
		return nil, err
	}
	if looksUnchanged(scene, out) {
		c.logger.Warn().Str("job_id", req.JobID).Msg("compose output matches target scene, treating as no-op")
		return nil, providers.NewUnchangedOutputError("provider returned the target scene unchanged")
	}

	format := decoded.Format
	if format == "" {
		format = "image/png"
	}
	quality := decoded.Quality
	if quality <= 0 {
		quality = 0.9
	}
	return &providers.Outcome{
		Artifact: &providers.Artifact{
			Ref:        ref,
			Data:       out,
			Format:     format,
			DurationMS: time.Since(started).Milliseconds(),
			Cost:       domain.KindCost(domain.JobKindImage),
			Quality:    quality,
		},
	}, nil
}

func (c *Client) resolveArtifact(ctx context.Context, decoded composeResponse) ([]byte, string, error) {
	if decoded.Image != "" {
		data, err := base64.StdEncoding.DecodeString(decoded.Image)
		if err != nil {
			return nil, "", providers.NewTransientError("decode artifact bytes", err)
		}
		return data, decoded.ImageURL, nil
	}
	if decoded.ImageURL != "" {
		data, err := c.download(ctx, decoded.ImageURL)
		if err != nil {
			return nil, "", providers.NewTransientError("artifact download failed", err)
		}
		return data, decoded.ImageURL, nil
	}
	return nil, "", providers.NewTransientError("compose response carried no artifact", nil)
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func classifyStatus(status int, body []byte) *providers.Error {
	detail := strings.TrimSpace(string(body))
	var decoded composeResponse
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

// looksUnchanged reports whether the output is byte-identical, or
// near-identical by a cheap length-plus-prefix heuristic, to the unmodified
// target scene.
func looksUnchanged(scene, out []byte) bool {
	if len(scene) == 0 || len(out) == 0 {
		return false
	}
	if sha256.Sum256(scene) == sha256.Sum256(out) {
		return true
	}
	if len(scene) != len(out) {
		return false
	}
	head := len(out)
	if head > 4096 {
		head = 4096
	}
	return bytes.Equal(scene[:head], out[:head])
}

var _ providers.Adapter = (*Client)(nil)
