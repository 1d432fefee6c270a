// Package dalle adapts the OpenAI Images API.
// The upstream call is synchronous, so the adapter runs generation
// inside Submit and serves the stored outcome on the first Poll.
package dalle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/providers"
)

// resultTTL bounds how long a finished outcome stays queryable.
const resultTTL = 10 * time.Minute

// Config configures the DALL-E adapter.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	Priority    int
	MaxBatch    int
	Resolutions []string
	// Models maps a model class (fast/balanced/premium) to an OpenAI model ID.
	Models map[string]string
}

// Provider implements gen.Provider for OpenAI Images.
type Provider struct {
	cfg     Config
	profile *gen.ProviderProfile
	client  *http.Client

	mu      sync.Mutex
	results map[string]*gen.JobOutcome
}

// New creates an OpenAI Images provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 4
	}
	if len(cfg.Models) == 0 {
		cfg.Models = map[string]string{
			gen.ClassFast:     "dall-e-2",
			gen.ClassBalanced: "dall-e-3",
		}
	}
	if len(cfg.Resolutions) == 0 {
		cfg.Resolutions = []string{"1024x1024", "1792x1024", "1024x1792"}
	}

	classes := make([]string, 0, len(cfg.Models))
	for class := range cfg.Models {
		classes = append(classes, class)
	}

	return &Provider{
		cfg: cfg,
		profile: &gen.ProviderProfile{
			ID:             "dalle",
			Priority:       cfg.Priority,
			ModelClasses:   classes,
			Resolutions:    cfg.Resolutions,
			MaxBatch:       cfg.MaxBatch,
			SupportsCancel: false,
			BaseTimeout:    cfg.Timeout,
		},
		client:  &http.Client{Timeout: cfg.Timeout},
		results: make(map[string]*gen.JobOutcome),
	}
}

func (p *Provider) Name() string { return "dalle" }

func (p *Provider) Capabilities() *gen.ProviderProfile { return p.profile }

type dalleRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type dalleResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

// Submit runs the generation call and stashes the outcome under a
// fresh handle. Errors before any image is produced surface directly
// from Submit so the caller never enters the polling phase.
func (p *Provider) Submit(ctx context.Context, req *gen.GenerationRequest) (string, error) {
	model, ok := p.cfg.Models[req.ModelClass]
	if !ok {
		return "", gen.Errf(gen.KindInvalidRequest, p.Name(), "model class %q not mapped", req.ModelClass)
	}

	body := dalleRequest{
		Model:  model,
		Prompt: req.Prompt,
		N:      req.Count,
		Size:   req.Resolution,
	}
	// dall-e-3 only accepts n=1; submit sequentially to honor the batch.
	perCall := req.Count
	calls := 1
	if model == "dall-e-3" && req.Count > 1 {
		perCall = 1
		calls = req.Count
	}

	var assets []gen.AssetRef
	for i := 0; i < calls; i++ {
		body.N = perCall
		batch, err := p.generate(ctx, body)
		if err != nil {
			if len(assets) == 0 {
				return "", err
			}
			break
		}
		assets = append(assets, batch...)
	}

	handle := uuid.NewString()
	p.mu.Lock()
	p.results[handle] = &gen.JobOutcome{Phase: gen.OutcomeSucceeded, Assets: assets}
	p.mu.Unlock()
	time.AfterFunc(resultTTL, func() {
		p.mu.Lock()
		delete(p.results, handle)
		p.mu.Unlock()
	})
	return handle, nil
}

func (p *Provider) generate(ctx context.Context, body dalleRequest) ([]gen.AssetRef, error) {
	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/images/generations",
		bytes.NewReader(payload))
	if err != nil {
		return nil, gen.Errf(gen.KindInvalidRequest, p.Name(), "build request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.ClassifyStatus(p.Name(), resp.StatusCode, resp.Header, raw)
	}

	var dResp dalleResponse
	if err := json.Unmarshal(raw, &dResp); err != nil {
		return nil, gen.Errf(gen.KindUnknownTransient, p.Name(), "decode response: %v", err)
	}

	assets := make([]gen.AssetRef, 0, len(dResp.Data))
	for _, d := range dResp.Data {
		assets = append(assets, gen.AssetRef{
			URL:      d.URL,
			B64JSON:  d.B64JSON,
			MimeType: "image/png",
		})
	}
	return assets, nil
}

// Poll serves the outcome stored by Submit.
func (p *Provider) Poll(ctx context.Context, handle string) (*gen.JobOutcome, error) {
	p.mu.Lock()
	out, ok := p.results[handle]
	p.mu.Unlock()
	if !ok {
		return nil, gen.Errf(gen.KindUnknownTransient, p.Name(), "unknown job handle %q", handle)
	}
	return out, nil
}

// Cancel is a no-op: by the time a handle exists the upstream call has
// already completed.
func (p *Provider) Cancel(ctx context.Context, handle string) error {
	return gen.Errf(gen.KindNotSupported, p.Name(), "cancel is not supported")
}

// HealthCheck lists models as a cheap authenticated probe.
func (p *Provider) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &gen.HealthStatus{Healthy: false, Latency: time.Since(start)}, providers.ClassifyTransport(p.Name(), err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return &gen.HealthStatus{
		Healthy: resp.StatusCode < 400,
		Latency: time.Since(start),
	}, nil
}
