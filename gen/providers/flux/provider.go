// Package flux adapts the Black Forest Labs Flux API.
// API Docs: https://docs.bfl.ai/quick_start/generating_images
package flux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/providers"
)

// Config configures the Flux adapter.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	Priority    int
	Resolutions []string
	// Models maps a model class (fast/balanced/premium) to a Flux model ID.
	Models map[string]string
}

// Provider implements gen.Provider for Flux.
// Submission is async: each unit becomes one upstream task and the job
// handle is the newline-joined list of polling URLs, so the adapter
// itself stays stateless.
type Provider struct {
	cfg     Config
	profile *gen.ProviderProfile
	client  *http.Client
}

// New creates a Flux provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		// Primary global endpoint. Regional: api.eu.bfl.ai, api.us.bfl.ai.
		cfg.BaseURL = "https://api.bfl.ai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if len(cfg.Models) == 0 {
		cfg.Models = map[string]string{
			gen.ClassFast:     "flux-dev",
			gen.ClassBalanced: "flux-pro-1.1",
			gen.ClassPremium:  "flux-pro-1.1-ultra",
		}
	}
	if len(cfg.Resolutions) == 0 {
		cfg.Resolutions = []string{"1024x1024", "1024x768", "768x1024", "1536x1024", "1024x1536"}
	}

	classes := make([]string, 0, len(cfg.Models))
	for class := range cfg.Models {
		classes = append(classes, class)
	}

	return &Provider{
		cfg: cfg,
		profile: &gen.ProviderProfile{
			ID:             "flux",
			Priority:       cfg.Priority,
			ModelClasses:   classes,
			Resolutions:    cfg.Resolutions,
			MaxBatch:       8,
			SupportsCancel: false,
			BaseTimeout:    cfg.Timeout,
		},
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *Provider) Name() string { return "flux" }

func (p *Provider) Capabilities() *gen.ProviderProfile { return p.profile }

type fluxRequest struct {
	Prompt       string `json:"prompt"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Steps        int    `json:"steps,omitempty"`
	ImagePrompt  string `json:"image_prompt,omitempty"` // base64 or URL reference
	OutputFormat string `json:"output_format,omitempty"`
}

type fluxResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PollingURL string `json:"polling_url,omitempty"` // Must use this URL for polling
	Result     struct {
		Sample string `json:"sample"` // Signed URL (valid 10 min)
		Seed   int64  `json:"seed"`
	} `json:"result,omitempty"`
}

// Submit creates one upstream task per requested unit.
// Endpoint: POST /v1/{model}, auth via x-key header.
// If the batch is partially accepted the handle covers only the
// accepted units; the shortfall surfaces at poll time.
func (p *Provider) Submit(ctx context.Context, req *gen.GenerationRequest) (string, error) {
	model, ok := p.cfg.Models[req.ModelClass]
	if !ok {
		return "", gen.Errf(gen.KindInvalidRequest, p.Name(), "model class %q not mapped", req.ModelClass)
	}

	body := fluxRequest{
		Prompt:       req.Prompt,
		Steps:        req.Steps,
		OutputFormat: "jpeg",
	}
	fmt.Sscanf(req.Resolution, "%dx%d", &body.Width, &body.Height)
	if len(req.AssetInputs) > 0 {
		body.ImagePrompt = req.AssetInputs[0]
	}

	urls := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		pollURL, err := p.submitOne(ctx, model, body)
		if err != nil {
			if i == 0 {
				return "", err
			}
			// Partial batch acceptance. Poll delivers what was accepted.
			break
		}
		urls = append(urls, pollURL)
	}
	return strings.Join(urls, "\n"), nil
}

func (p *Provider) submitOne(ctx context.Context, model string, body fluxRequest) (string, error) {
	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1/%s", strings.TrimRight(p.cfg.BaseURL, "/"), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", gen.Errf(gen.KindInvalidRequest, p.Name(), "build request: %v", err)
	}
	httpReq.Header.Set("x-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", providers.ClassifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", providers.ClassifyStatus(p.Name(), resp.StatusCode, resp.Header, raw)
	}

	var fResp fluxResponse
	if err := json.Unmarshal(raw, &fResp); err != nil {
		return "", gen.Errf(gen.KindUnknownTransient, p.Name(), "decode submit response: %v", err)
	}
	if fResp.PollingURL != "" {
		return fResp.PollingURL, nil
	}
	if fResp.ID == "" {
		return "", gen.Errf(gen.KindUnknownTransient, p.Name(), "submit response carries neither polling_url nor id")
	}
	// Fallback for legacy endpoints without polling_url.
	return fmt.Sprintf("%s/v1/get_result?id=%s", strings.TrimRight(p.cfg.BaseURL, "/"), fResp.ID), nil
}

// Poll checks every unit of the batch once and aggregates.
// Pending as long as any unit is pending; once all units are terminal
// the outcome carries whatever assets were produced.
func (p *Provider) Poll(ctx context.Context, handle string) (*gen.JobOutcome, error) {
	urls := strings.Split(handle, "\n")
	var (
		assets      []gen.AssetRef
		pending     bool
		failedUnits int
		lastKind    gen.ErrorKind
		lastMsg     string
	)

	for _, pollURL := range urls {
		fResp, err := p.pollOne(ctx, pollURL)
		if err != nil {
			return nil, err
		}
		switch fResp.Status {
		case "Ready":
			assets = append(assets, gen.AssetRef{
				URL:      fResp.Result.Sample,
				MimeType: "image/jpeg",
				Seed:     fResp.Result.Seed,
			})
		case "Error", "Failed":
			failedUnits++
			lastKind = gen.KindUpstreamUnavailable
			lastMsg = fmt.Sprintf("task %s failed upstream", fResp.ID)
		case "Content Moderated", "Request Moderated":
			failedUnits++
			lastKind = gen.KindInvalidRequest
			lastMsg = fmt.Sprintf("task %s rejected by moderation", fResp.ID)
		default:
			// Pending, Processing, Queued.
			pending = true
		}
	}

	if pending {
		return &gen.JobOutcome{Phase: gen.OutcomePending}, nil
	}
	if len(assets) == 0 {
		return &gen.JobOutcome{
			Phase:       gen.OutcomeFailed,
			FailureKind: lastKind,
			Message:     lastMsg,
		}, nil
	}
	out := &gen.JobOutcome{Phase: gen.OutcomeSucceeded, Assets: assets}
	if failedUnits > 0 {
		out.Message = fmt.Sprintf("%d of %d units failed", failedUnits, len(urls))
	}
	return out, nil
}

func (p *Provider) pollOne(ctx context.Context, pollURL string) (*fluxResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, gen.Errf(gen.KindInvalidRequest, p.Name(), "build poll request: %v", err)
	}
	httpReq.Header.Set("x-key", p.cfg.APIKey)
	httpReq.Header.Set("accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.ClassifyStatus(p.Name(), resp.StatusCode, resp.Header, raw)
	}

	var fResp fluxResponse
	if err := json.Unmarshal(raw, &fResp); err != nil {
		return nil, gen.Errf(gen.KindUnknownTransient, p.Name(), "decode poll response: %v", err)
	}
	return &fResp, nil
}

// Cancel is not supported by the Flux API.
func (p *Provider) Cancel(ctx context.Context, handle string) error {
	return gen.Errf(gen.KindNotSupported, p.Name(), "cancel is not supported")
}

// HealthCheck probes the API root. Any routed response counts as
// healthy; only transport failures and 5xx mark the provider down.
func (p *Provider) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &gen.HealthStatus{Healthy: false, Latency: time.Since(start)}, providers.ClassifyTransport(p.Name(), err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return &gen.HealthStatus{
		Healthy: resp.StatusCode < 500,
		Latency: time.Since(start),
	}, nil
}
