package gen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/headshotflow/gen/cost"
)

// fakeProvider 是测试用的可编程提供商。默认行为：提交成功并立即交付
// 请求数量的资产；submitFn / pollFn 可覆盖默认行为。
type fakeProvider struct {
	profile   *ProviderProfile
	unitPrice cost.Money

	submitFn func(req *GenerationRequest) (string, error)
	pollFn   func(providerJobID string) (*JobOutcome, error)

	mu          sync.Mutex
	submitCalls int
	pollCalls   int
	cancelCalls int
	lastReq     *GenerationRequest
}

func newFakeProvider(id string, priority int) *fakeProvider {
	return &fakeProvider{
		profile: &ProviderProfile{
			ID:             id,
			Priority:       priority,
			ModelClasses:   []string{ClassFast, ClassBalanced, ClassPremium},
			Resolutions:    []string{"512x512", "1024x1024"},
			MaxBatch:       8,
			SupportsCancel: true,
			BaseTimeout:    time.Second,
		},
		unitPrice: cost.FromUSD(0.01),
	}
}

func (f *fakeProvider) Submit(_ context.Context, req *GenerationRequest) (string, error) {
	f.mu.Lock()
	f.submitCalls++
	f.lastReq = req
	f.mu.Unlock()

	if f.submitFn != nil {
		return f.submitFn(req)
	}
	return f.profile.ID + "-task", nil
}

func (f *fakeProvider) Poll(_ context.Context, providerJobID string) (*JobOutcome, error) {
	f.mu.Lock()
	f.pollCalls++
	req := f.lastReq
	f.mu.Unlock()

	if f.pollFn != nil {
		return f.pollFn(providerJobID)
	}
	n := 1
	if req != nil {
		n = req.Count
	}
	return &JobOutcome{Phase: OutcomeSucceeded, Assets: fakeAssets(n)}, nil
}

func (f *fakeProvider) Cancel(_ context.Context, _ string) error {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Capabilities() *ProviderProfile { return f.profile }

func (f *fakeProvider) HealthCheck(_ context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

func (f *fakeProvider) Name() string { return f.profile.ID }

func (f *fakeProvider) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

func (f *fakeProvider) cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

func fakeAssets(n int) []AssetRef {
	out := make([]AssetRef, n)
	for i := range out {
		out[i] = AssetRef{URL: fmt.Sprintf("https://cdn.example.com/asset-%d.png", i), MimeType: "image/png"}
	}
	return out
}

// recordingObserver 记录观测事件，断言指标接线行为。
type recordingObserver struct {
	mu           sync.Mutex
	settled      []JobPhase
	attempts     []ErrorKind
	authFailures []string
}

func (r *recordingObserver) JobSettled(_ string, outcome JobPhase, _ time.Duration, _ cost.Money) {
	r.mu.Lock()
	r.settled = append(r.settled, outcome)
	r.mu.Unlock()
}

func (r *recordingObserver) AttemptRecorded(_ string, outcome ErrorKind, _ time.Duration) {
	r.mu.Lock()
	r.attempts = append(r.attempts, outcome)
	r.mu.Unlock()
}

func (r *recordingObserver) AuthFailureDetected(provider string) {
	r.mu.Lock()
	r.authFailures = append(r.authFailures, provider)
	r.mu.Unlock()
}
