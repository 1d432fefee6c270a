// Package sdlegacy adapts the Stability AI v1 generation API.
// Kept as the last-resort fallback tier: the API is synchronous and
// returns base64 artifacts inline, so the adapter follows the same
// submit-then-instant-poll shape as the dalle adapter.
package sdlegacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/providers"
)

const resultTTL = 10 * time.Minute

// Config configures the Stability adapter.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	Priority    int
	MaxBatch    int
	Resolutions []string
	// Engines maps a model class to a Stability engine ID.
	Engines map[string]string
}

// Provider implements gen.Provider for Stability v1.
type Provider struct {
	cfg     Config
	profile *gen.ProviderProfile
	client  *http.Client

	mu      sync.Mutex
	results map[string]*gen.JobOutcome
}

// New creates a Stability v1 provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stability.ai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 10
	}
	if len(cfg.Engines) == 0 {
		cfg.Engines = map[string]string{
			gen.ClassFast: "stable-diffusion-xl-1024-v1-0",
		}
	}
	if len(cfg.Resolutions) == 0 {
		cfg.Resolutions = []string{"1024x1024", "1152x896", "896x1152"}
	}

	classes := make([]string, 0, len(cfg.Engines))
	for class := range cfg.Engines {
		classes = append(classes, class)
	}

	return &Provider{
		cfg: cfg,
		profile: &gen.ProviderProfile{
			ID:             "sdlegacy",
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

func (p *Provider) Name() string { return "sdlegacy" }

func (p *Provider) Capabilities() *gen.ProviderProfile { return p.profile }

type textPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight,omitempty"`
}

type sdRequest struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	Samples     int          `json:"samples,omitempty"`
	Steps       int          `json:"steps,omitempty"`
}

type sdResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Submit runs the generation call and stashes the outcome.
// Artifacts flagged CONTENT_FILTERED or ERROR are dropped, which is
// how this adapter yields fewer assets than requested.
func (p *Provider) Submit(ctx context.Context, req *gen.GenerationRequest) (string, error) {
	engine, ok := p.cfg.Engines[req.ModelClass]
	if !ok {
		return "", gen.Errf(gen.KindInvalidRequest, p.Name(), "model class %q not mapped", req.ModelClass)
	}

	body := sdRequest{
		TextPrompts: []textPrompt{{Text: req.Prompt}},
		Samples:     req.Count,
		Steps:       req.Steps,
	}
	fmt.Sscanf(req.Resolution, "%dx%d", &body.Width, &body.Height)

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image",
		strings.TrimRight(p.cfg.BaseURL, "/"), engine)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", gen.Errf(gen.KindInvalidRequest, p.Name(), "build request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", providers.ClassifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", providers.ClassifyStatus(p.Name(), resp.StatusCode, resp.Header, raw)
	}

	var sResp sdResponse
	if err := json.Unmarshal(raw, &sResp); err != nil {
		return "", gen.Errf(gen.KindUnknownTransient, p.Name(), "decode response: %v", err)
	}

	var (
		assets   []gen.AssetRef
		filtered int
	)
	for _, a := range sResp.Artifacts {
		if a.FinishReason != "SUCCESS" {
			filtered++
			continue
		}
		assets = append(assets, gen.AssetRef{
			B64JSON:  a.Base64,
			MimeType: "image/png",
			Seed:     a.Seed,
		})
	}

	out := &gen.JobOutcome{Phase: gen.OutcomeSucceeded, Assets: assets}
	if len(assets) == 0 {
		out.Phase = gen.OutcomeFailed
		out.FailureKind = gen.KindInvalidRequest
		out.Message = fmt.Sprintf("all %d artifacts filtered or errored", len(sResp.Artifacts))
	} else if filtered > 0 {
		out.Message = fmt.Sprintf("%d artifacts dropped", filtered)
	}

	handle := uuid.NewString()
	p.mu.Lock()
	p.results[handle] = out
	p.mu.Unlock()
	time.AfterFunc(resultTTL, func() {
		p.mu.Lock()
		delete(p.results, handle)
		p.mu.Unlock()
	})
	return handle, nil
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

// Cancel is a no-op for the synchronous v1 API.
func (p *Provider) Cancel(ctx context.Context, handle string) error {
	return gen.Errf(gen.KindNotSupported, p.Name(), "cancel is not supported")
}

// HealthCheck queries the account balance as a cheap authenticated probe.
func (p *Provider) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/user/balance", nil)
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
