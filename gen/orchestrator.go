package gen

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/headshotflow/gen/budget"
	"github.com/BaSui01/headshotflow/gen/circuitbreaker"
	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/BaSui01/headshotflow/gen/health"
	"github.com/BaSui01/headshotflow/gen/idempotency"
	"github.com/BaSui01/headshotflow/gen/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// OrchestratorConfig 编排器配置。所有常量来自外部配置，进程生命周期内不可变。
type OrchestratorConfig struct {
	// SubmitRetry 单提供商提交退避策略（默认 500ms 起步、倍增 2、最多 3 次）
	SubmitRetry *retry.Policy

	// RateLimitRetries 限流后在同一提供商上的重试次数（默认 1，之后降级换下家）
	RateLimitRetries int

	// RetryAfterCap 上游 retryAfter 的等待上限
	RetryAfterCap time.Duration

	// PollInitial / PollMax 轮询间隔：起始值，逐次翻倍直到上限
	PollInitial time.Duration
	PollMax     time.Duration

	// OverallTimeout 单请求整体超时（请求自带 MaxLatency 时以其为准）
	OverallTimeout time.Duration

	// ProviderConcurrency 每个提供商同时处于 Submitting/Polling 的请求上限
	ProviderConcurrency int64

	// ProviderRPS 每个提供商的提交速率上限（0 表示不限）
	ProviderRPS float64

	// Breaker 每提供商熔断器配置
	Breaker *circuitbreaker.Config

	// RetainSettled 已结算任务快照的保留时间，之后从内存中清除
	// （归档是终态任务的唯一长期形态）
	RetainSettled time.Duration
}

func (c *OrchestratorConfig) normalize() {
	if c.SubmitRetry == nil {
		c.SubmitRetry = retry.DefaultPolicy()
	}
	c.SubmitRetry.Normalize()
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 1
	}
	if c.RetryAfterCap <= 0 {
		c.RetryAfterCap = 30 * time.Second
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 2 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 15 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 10 * time.Minute
	}
	if c.ProviderConcurrency <= 0 {
		c.ProviderConcurrency = 4
	}
	if c.RetainSettled <= 0 {
		c.RetainSettled = time.Hour
	}
}

// Observer 接收编排器的观测事件（指标接线用），实现方不得阻塞。
type Observer interface {
	JobSettled(provider string, outcome JobPhase, duration time.Duration, spend cost.Money)
	AttemptRecorded(provider string, outcome ErrorKind, latency time.Duration)
	AuthFailureDetected(provider string)
}

// OrchestratorOptions 编排器依赖。Ledger/Notifier/Archiver/Observer 可为 nil。
type OrchestratorOptions struct {
	Registry *Registry
	Selector *Selector
	Costs    *cost.Model
	Gate     *budget.Gate
	Health   *health.Monitor
	Slots    idempotency.Registry
	Ledger   Ledger
	Notifier Notifier
	Archiver Archiver
	Observer Observer
	Logger   *zap.Logger
	Config   OrchestratorConfig
}

// providerGuard 保护单个上游提供商：并发信号量 + 提交速率限制 + 熔断器。
type providerGuard struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
}

// job 是一个在途 GenerationRequest 的内部状态，只由它的工作协程写入。
type job struct {
	mu sync.Mutex

	id        string
	req       *GenerationRequest
	phase     JobPhase
	outcome   JobPhase
	attempts  []Attempt
	spend     cost.Money
	assets    []AssetRef
	err       *Error
	provider  string
	createdAt time.Time
	updatedAt time.Time

	holdID     string
	authorized cost.Money
	slotKey    string
	cancelled  bool
	cancelFn   context.CancelFunc
	done       chan struct{}
}

func (j *job) snapshot() *JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := &JobSnapshot{
		ID:        j.id,
		Request:   j.req,
		Phase:     j.phase,
		Outcome:   j.outcome,
		Attempts:  append([]Attempt(nil), j.attempts...),
		Spend:     j.spend,
		Assets:    append([]AssetRef(nil), j.assets...),
		Err:       j.err,
		Provider:  j.provider,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
	return snap
}

// Orchestrator 驱动生成请求走完状态机：
// Queued -> Selecting -> Submitting -> Polling -> {Succeeded, PartialSuccess, Failed} -> Settled。
// 所有重试与回退策略集中在这里，其他组件一律不许重试提供商调用。
type Orchestrator struct {
	cfg      OrchestratorConfig
	registry *Registry
	selector *Selector
	costs    *cost.Model
	gate     *budget.Gate
	health   *health.Monitor
	slots    idempotency.Registry
	ledger   Ledger
	notifier Notifier
	archiver Archiver
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer

	guards map[string]*providerGuard

	mu   sync.RWMutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// NewOrchestrator 创建编排器。
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Selector == nil || opts.Costs == nil ||
		opts.Gate == nil || opts.Health == nil || opts.Slots == nil {
		return nil, Errf(KindInvalidRequest, "", "orchestrator missing required dependency")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Config.normalize()

	o := &Orchestrator{
		cfg:      opts.Config,
		registry: opts.Registry,
		selector: opts.Selector,
		costs:    opts.Costs,
		gate:     opts.Gate,
		health:   opts.Health,
		slots:    opts.Slots,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		archiver: opts.Archiver,
		observer: opts.Observer,
		logger:   opts.Logger,
		tracer:   otel.Tracer("headshotflow/gen"),
		guards:   make(map[string]*providerGuard),
		jobs:     make(map[string]*job),
	}

	for _, p := range opts.Registry.All() {
		id := p.Name()
		var limiter *rate.Limiter
		if opts.Config.ProviderRPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.Config.ProviderRPS), 1)
		}
		bcfg := opts.Config.Breaker
		if bcfg == nil {
			bcfg = circuitbreaker.DefaultConfig()
		}
		guardCfg := *bcfg
		guardCfg.IsClientError = func(err error) bool {
			return KindOf(err) == KindInvalidRequest
		}
		o.guards[id] = &providerGuard{
			sem:     semaphore.NewWeighted(opts.Config.ProviderConcurrency),
			limiter: limiter,
			breaker: circuitbreaker.New(&guardCfg, opts.Logger.With(zap.String("provider", id))),
		}
	}
	return o, nil
}

// Submit 接收生成请求。预算与幂等校验同步完成，未通过的请求在产生任何
// 提供商调用之前被拒绝；通过后任务进入 Queued 并由独立工作协程驱动。
func (o *Orchestrator) Submit(ctx context.Context, req *GenerationRequest) (*JobSnapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	estimate, alternatives, err := o.estimates(req)
	if err != nil {
		return nil, err
	}

	slotKey := idempotency.Key(req.AccountID, req.IdempotencyKey)
	slotTTL := 2 * o.overallTimeout(req)
	acquired, existingPhase, err := o.slots.Acquire(ctx, slotKey, string(PhaseQueued), slotTTL)
	if err != nil {
		return nil, Errf(KindUnknownTransient, "", "idempotency registry: %v", err)
	}
	if !acquired {
		return nil, &Error{
			Kind:    KindAlreadyInProgress,
			Message: "request with this idempotency key is already in phase " + existingPhase,
		}
	}

	decision := o.gate.Authorize(req.AccountID, estimate, alternatives)
	switch decision.Verdict {
	case budget.VerdictDeny:
		o.releaseSlot(slotKey)
		return nil, Errf(KindBudgetExceeded, "", "budget exceeded: %s", decision.Reason)
	case budget.VerdictDegrade:
		o.releaseSlot(slotKey)
		return nil, &Error{
			Kind:       KindBudgetExceeded,
			Message:    "budget requires a cheaper model class",
			Suggestion: decision.SuggestedClass,
		}
	}

	now := time.Now()
	j := &job{
		id:         uuid.NewString(),
		req:        req,
		phase:      PhaseQueued,
		holdID:     decision.HoldID,
		authorized: estimate,
		slotKey:    slotKey,
		createdAt:  now,
		updatedAt:  now,
		done:       make(chan struct{}),
	}

	o.mu.Lock()
	o.jobs[j.id] = j
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(j)

	o.logger.Info("generation job accepted",
		zap.String("job_id", j.id),
		zap.String("account_id", req.AccountID),
		zap.String("model_class", req.ModelClass),
		zap.Int("count", req.Count),
		zap.Int64("estimate_micro_usd", int64(estimate)),
	)
	return j.snapshot(), nil
}

// Status 返回任务当前状态快照。
func (o *Orchestrator) Status(jobID string) (*JobSnapshot, error) {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return nil, Errf(KindInvalidRequest, "", "job %s not found", jobID)
	}
	return j.snapshot(), nil
}

// Wait 阻塞直到任务结算或 ctx 取消，返回终态快照。
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*JobSnapshot, error) {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return nil, Errf(KindInvalidRequest, "", "job %s not found", jobID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return j.snapshot(), nil
	}
}

// Cancel 取消任务。Queued/Submitting 无成本取消；Polling 尽力取消上游任务；
// 已终态的任务取消是幂等的空操作。
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return Errf(KindInvalidRequest, "", "job %s not found", jobID)
	}

	j.mu.Lock()
	if j.phase.Terminal() {
		j.mu.Unlock()
		return nil
	}
	j.cancelled = true
	cancelFn := j.cancelFn
	j.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	return nil
}

// Shutdown 等待所有在途任务结算。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// run 是单个任务的工作协程。
func (o *Orchestrator) run(j *job) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.overallTimeout(j.req))
	defer cancel()

	j.mu.Lock()
	j.cancelFn = cancel
	j.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "gen.job",
		trace.WithAttributes(
			attribute.String("job.id", j.id),
			attribute.String("job.model_class", j.req.ModelClass),
			attribute.Int("job.count", j.req.Count),
		))
	defer span.End()

	o.drive(ctx, j)
	o.settle(j)

	span.SetAttributes(attribute.String("job.outcome", string(j.snapshot().Outcome)))
}

// drive 执行 Selecting -> Submitting -> Polling 的候选回退循环，
// 把任务推进到 Succeeded / PartialSuccess / Failed 之一。
func (o *Orchestrator) drive(ctx context.Context, j *job) {
	o.setPhase(j, PhaseSelecting)

	candidates := o.selector.Rank(j.req)
	if len(candidates) == 0 {
		o.finish(j, PhaseFailed, Errf(KindNoCapacity, "", "no provider satisfies the request"))
		return
	}

	for _, cand := range candidates {
		if o.isCancelled(j) {
			o.finish(j, PhaseFailed, Errf(KindCancelled, "", "cancelled by caller"))
			return
		}

		// 成本护栏：剩余预算装不下这个候选就跳过
		if j.req.MaxCost > 0 && !j.req.AllowOverage && j.currentSpend()+cand.Estimate > j.req.MaxCost {
			continue
		}

		// 预算护栏：已产生的花费加上该候选的估算超出预留额度时，
		// 先向预算门追加授权；追加不下的候选跳过，已结算花费永不冲破上限
		if shortfall := j.currentSpend() + cand.Estimate - j.authorizedHold(); shortfall > 0 {
			if !o.gate.Extend(j.holdID, shortfall) {
				o.logger.Debug("candidate skipped, budget hold extension denied",
					zap.String("job_id", j.id),
					zap.String("provider", cand.Profile.ID),
					zap.Int64("shortfall_micro_usd", int64(shortfall)),
				)
				continue
			}
			j.growAuthorized(shortfall)
		}

		delivered, failKind, attempt := o.engage(ctx, j, cand)
		o.recordAttempt(j, attempt)

		if failKind == "" {
			// 提供商报告成功；按交付数量定结局
			switch {
			case len(delivered) >= j.req.Count:
				o.setResult(j, cand.Profile.ID, delivered)
				o.finish(j, PhaseSucceeded, nil)
				return
			case len(delivered) > 0 && !j.req.CompleteOrFail:
				o.setResult(j, cand.Profile.ID, delivered)
				o.finish(j, PhasePartialSuccess, nil)
				return
			default:
				// 交付不足且要求完整交付：当作该提供商失败，继续回退
				continue
			}
		}

		switch failKind {
		case KindInvalidRequest:
			// 调用方错误：立即终态，不回退
			o.finish(j, PhaseFailed, Errf(KindInvalidRequest, cand.Profile.ID, "provider rejected request: %s", attemptMessage(attempt)))
			return
		case KindAuthFailure:
			// 提供商配置坏了：强制下线 + 运维告警，换下家
			o.health.ForceOffline(cand.Profile.ID)
			if o.observer != nil {
				o.observer.AuthFailureDetected(cand.Profile.ID)
			}
			o.logger.Error("provider auth failure, forced offline",
				zap.String("provider", cand.Profile.ID),
				zap.String("job_id", j.id),
			)
		case KindCancelled:
			o.finish(j, PhaseFailed, Errf(KindCancelled, cand.Profile.ID, "cancelled by caller"))
			return
		}
		// 其余可重试分类：落到下一个候选
	}

	o.finish(j, PhaseFailed, Errf(KindNoCapacity, "", "all candidate providers exhausted"))
}

// engage 在单个提供商上走完一次完整尝试（提交重试 + 轮询），
// 返回交付的资产、失败分类（空表示成功）与历史条目。
func (o *Orchestrator) engage(ctx context.Context, j *job, cand Candidate) ([]AssetRef, ErrorKind, Attempt) {
	providerID := cand.Profile.ID
	guard := o.guards[providerID]
	start := time.Now()

	attempt := Attempt{Provider: providerID}

	fail := func(err error) ([]AssetRef, ErrorKind, Attempt) {
		kind := KindOf(err)
		attempt.Outcome = kind
		attempt.Latency = time.Since(start)
		return nil, kind, attempt
	}

	if guard != nil {
		if guard.limiter != nil {
			if err := guard.limiter.Wait(ctx); err != nil {
				return fail(o.cancellationKind(ctx, j, providerID))
			}
		}
		if !guard.sem.TryAcquire(1) {
			// 并发槽位已满：排队等待期间任务停留在 Queued
			o.setPhase(j, PhaseQueued)
			if err := guard.sem.Acquire(ctx, 1); err != nil {
				return fail(o.cancellationKind(ctx, j, providerID))
			}
		}
		defer guard.sem.Release(1)
	}

	o.setPhase(j, PhaseSubmitting)
	providerJobID, err := o.submitWithRetry(ctx, j, cand, guard)
	if err != nil {
		return fail(err)
	}

	o.setPhase(j, PhasePolling)
	outcome, err := o.pollLoop(ctx, j, cand, providerJobID)
	if err != nil {
		return fail(err)
	}

	delivered := outcome.Assets
	if len(delivered) > j.req.Count {
		delivered = delivered[:j.req.Count]
	}

	// 部分成功只计已交付单位的成本
	perUnit := cand.Estimate / cost.Money(j.req.Count)
	actual := perUnit * cost.Money(len(delivered))
	attempt.Cost = actual
	attempt.Latency = time.Since(start)

	j.mu.Lock()
	j.spend += actual
	j.mu.Unlock()

	if len(delivered) == 0 {
		// 报成功却一张没给：按上游不可用处理
		attempt.Outcome = KindUpstreamUnavailable
		return nil, KindUpstreamUnavailable, attempt
	}
	if len(delivered) < j.req.Count && j.req.CompleteOrFail {
		attempt.Outcome = KindUnknownTransient
		return delivered, "", attempt // 由 drive 按 CompleteOrFail 规则继续回退
	}
	return delivered, "", attempt
}

// submitWithRetry 在单个提供商上提交，带退避重试。
// 限流：等待 retryAfter（封顶）后在同一提供商重试一次，再次限流立即放弃该
// 提供商换下家（限流永不进入指数退避分支）；
// 其他可重试错误：指数退避，最多 MaxAttempts 次；
// InvalidRequest / AuthFailure 永不重试。
func (o *Orchestrator) submitWithRetry(ctx context.Context, j *job, cand Candidate, guard *providerGuard) (string, error) {
	providerID := cand.Profile.ID
	policy := o.cfg.SubmitRetry

	backoffAttempts := 0
	rateLimitRetries := 0

	for {
		if o.isCancelled(j) {
			return "", Errf(KindCancelled, providerID, "cancelled by caller")
		}
		if guard != nil {
			if err := guard.breaker.Allow(); err != nil {
				return "", Errf(KindUpstreamUnavailable, providerID, "circuit breaker: %v", err)
			}
		}

		submitCtx, cancel := context.WithTimeout(ctx, cand.Profile.BaseTimeout)
		providerJobID, err := cand.Provider.Submit(submitCtx, j.req)
		cancel()

		if guard != nil {
			guard.breaker.Record(err)
		}
		if err == nil {
			return providerJobID, nil
		}

		ge := AsError(err)
		switch {
		case ge.Kind == KindRateLimited:
			// 限流重试配额用尽后放弃该提供商，换下家；
			// 限流错误不走指数退避分支
			if rateLimitRetries >= o.cfg.RateLimitRetries {
				return "", err
			}
			rateLimitRetries++
			wait := ge.RetryAfter
			if wait <= 0 {
				wait = policy.Delay(1)
			}
			wait = retry.Cap(wait, o.cfg.RetryAfterCap)
			o.logger.Debug("rate limited, retrying same provider",
				zap.String("provider", providerID),
				zap.Duration("wait", wait),
			)
			if werr := retry.Wait(ctx, wait); werr != nil {
				return "", o.cancellationKind(ctx, j, providerID)
			}

		case !IsRetryable(ge.Kind):
			return "", err

		default:
			backoffAttempts++
			if backoffAttempts >= policy.MaxAttempts {
				return "", err
			}
			delay := policy.Delay(backoffAttempts)
			o.logger.Debug("submit failed, backing off",
				zap.String("provider", providerID),
				zap.String("kind", string(ge.Kind)),
				zap.Int("attempt", backoffAttempts),
				zap.Duration("delay", delay),
			)
			if werr := retry.Wait(ctx, delay); werr != nil {
				return "", o.cancellationKind(ctx, j, providerID)
			}
		}
	}
}

// pollLoop 轮询直到终态结果或整体超时。间隔从 PollInitial 逐次翻倍，
// 封顶 PollMax。整体超时按该提供商的 Timeout 计，落到下一个候选。
func (o *Orchestrator) pollLoop(ctx context.Context, j *job, cand Candidate, providerJobID string) (*JobOutcome, error) {
	providerID := cand.Profile.ID
	interval := o.cfg.PollInitial
	consecutiveErrors := 0

	for {
		if err := retry.Wait(ctx, interval); err != nil {
			o.bestEffortCancel(cand.Provider, providerJobID)
			return nil, o.cancellationKind(ctx, j, providerID)
		}

		pollCtx, cancel := context.WithTimeout(ctx, cand.Profile.BaseTimeout)
		outcome, err := cand.Provider.Poll(pollCtx, providerJobID)
		cancel()

		if err != nil {
			ge := AsError(err)
			if ge.Kind == KindRateLimited {
				wait := retry.Cap(ge.RetryAfter, o.cfg.RetryAfterCap)
				if werr := retry.Wait(ctx, wait); werr != nil {
					o.bestEffortCancel(cand.Provider, providerJobID)
					return nil, o.cancellationKind(ctx, j, providerID)
				}
				continue
			}
			consecutiveErrors++
			if consecutiveErrors >= 3 || !IsRetryable(ge.Kind) {
				return nil, err
			}
			continue
		}
		consecutiveErrors = 0

		switch outcome.Phase {
		case OutcomePending:
			interval = interval * 2
			if interval > o.cfg.PollMax {
				interval = o.cfg.PollMax
			}
		case OutcomeSucceeded:
			return outcome, nil
		case OutcomeFailed:
			kind := outcome.FailureKind
			if kind == "" {
				kind = KindUnknownTransient
			}
			return nil, Errf(kind, providerID, "generation failed: %s", outcome.Message)
		case OutcomeRateLimited:
			wait := retry.Cap(outcome.RetryAfter, o.cfg.RetryAfterCap)
			if werr := retry.Wait(ctx, wait); werr != nil {
				o.bestEffortCancel(cand.Provider, providerJobID)
				return nil, o.cancellationKind(ctx, j, providerID)
			}
		}
	}
}

// settle 记录最终成本、归档、通知并释放幂等槽位。
func (o *Orchestrator) settle(j *job) {
	j.mu.Lock()
	outcome := j.outcome
	spend := j.spend
	provider := j.provider
	holdID := j.holdID
	slotKey := j.slotKey
	createdAt := j.createdAt
	j.mu.Unlock()

	if spend > 0 {
		o.gate.Settle(holdID, spend)
		o.costs.RecordActual(j.id, spend)
	} else {
		o.gate.Release(holdID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if o.ledger != nil {
		if err := o.ledger.RecordSettlement(ctx, j.id, j.req.AccountID, outcome, spend, provider); err != nil {
			o.logger.Warn("ledger settlement write failed", zap.String("job_id", j.id), zap.Error(err))
		}
	}

	o.setPhase(j, PhaseSettled)
	snap := j.snapshot()

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, snap); err != nil {
			o.logger.Warn("job archive failed", zap.String("job_id", j.id), zap.Error(err))
		}
	}
	if o.notifier != nil {
		ev := TerminalEvent{
			JobID:     j.id,
			AccountID: j.req.AccountID,
			Outcome:   outcome,
			Cost:      spend,
			Provider:  provider,
		}
		if err := o.notifier.NotifyTerminal(ctx, ev); err != nil {
			o.logger.Warn("terminal notification failed", zap.String("job_id", j.id), zap.Error(err))
		}
	}
	if o.observer != nil {
		o.observer.JobSettled(provider, outcome, time.Since(createdAt), spend)
	}

	o.releaseSlot(slotKey)
	close(j.done)

	time.AfterFunc(o.cfg.RetainSettled, func() {
		o.mu.Lock()
		delete(o.jobs, j.id)
		o.mu.Unlock()
	})
}

func (o *Orchestrator) releaseSlot(slotKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.slots.Release(ctx, slotKey); err != nil {
		o.logger.Warn("idempotency slot release failed", zap.String("slot", slotKey), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// 内部辅助
// ---------------------------------------------------------------------------

func (o *Orchestrator) overallTimeout(req *GenerationRequest) time.Duration {
	if req.MaxLatency > 0 {
		return req.MaxLatency
	}
	return o.cfg.OverallTimeout
}

// estimates 返回请求档位的最低估算，以及更便宜档位的估算（降级建议用）。
func (o *Orchestrator) estimates(req *GenerationRequest) (cost.Money, map[string]cost.Money, error) {
	minByClass := make(map[string]cost.Money)
	for _, p := range o.registry.All() {
		profile := p.Capabilities()
		if !profile.SupportsResolution(req.Resolution) {
			continue
		}
		for _, class := range profile.ModelClasses {
			est, err := o.costs.Estimate(profile.ID, class, req.Resolution, req.Count, req.Steps)
			if err != nil {
				continue
			}
			if cur, ok := minByClass[class]; !ok || est < cur {
				minByClass[class] = est
			}
		}
	}

	estimate, ok := minByClass[req.ModelClass]
	if !ok {
		return 0, nil, Errf(KindNoCapacity, "", "no provider prices %s at %s", req.ModelClass, req.Resolution)
	}

	alternatives := make(map[string]cost.Money)
	for class, est := range minByClass {
		if class != req.ModelClass && est < estimate {
			alternatives[class] = est
		}
	}
	return estimate, alternatives, nil
}

func (o *Orchestrator) setPhase(j *job, phase JobPhase) {
	j.mu.Lock()
	j.phase = phase
	j.updatedAt = time.Now()
	slotKey := j.slotKey
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.slots.Update(ctx, slotKey, string(phase)); err != nil {
		o.logger.Debug("idempotency phase update failed", zap.String("job_id", j.id), zap.Error(err))
	}
}

// finish 设置任务的终态结局（结算前）。
func (o *Orchestrator) finish(j *job, outcome JobPhase, jobErr *Error) {
	j.mu.Lock()
	j.phase = outcome
	j.outcome = outcome
	j.err = jobErr
	j.updatedAt = time.Now()
	j.mu.Unlock()

	if jobErr != nil {
		o.logger.Info("generation job failed",
			zap.String("job_id", j.id),
			zap.String("kind", string(jobErr.Kind)),
			zap.String("reason", jobErr.Message),
		)
	}
}

func (o *Orchestrator) setResult(j *job, providerID string, assets []AssetRef) {
	j.mu.Lock()
	j.provider = providerID
	j.assets = assets
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

func (o *Orchestrator) recordAttempt(j *job, attempt Attempt) {
	j.mu.Lock()
	j.attempts = append(j.attempts, attempt)
	j.mu.Unlock()

	if o.observer != nil {
		o.observer.AttemptRecorded(attempt.Provider, attempt.Outcome, attempt.Latency)
	}
	if o.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.ledger.RecordAttempt(ctx, j.id, attempt); err != nil {
			o.logger.Warn("ledger attempt write failed", zap.String("job_id", j.id), zap.Error(err))
		}
	}
}

func (j *job) currentSpend() cost.Money {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.spend
}

func (j *job) authorizedHold() cost.Money {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.authorized
}

func (j *job) growAuthorized(delta cost.Money) {
	j.mu.Lock()
	j.authorized += delta
	j.mu.Unlock()
}

func (o *Orchestrator) isCancelled(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// cancellationKind 区分调用方取消与整体超时：
// 取消是任务级终态，超时计为该提供商的 Timeout 并继续回退。
func (o *Orchestrator) cancellationKind(ctx context.Context, j *job, providerID string) error {
	if o.isCancelled(j) {
		return Errf(KindCancelled, providerID, "cancelled by caller")
	}
	if ctx.Err() != nil {
		return Errf(KindTimeout, providerID, "overall request timeout")
	}
	return Errf(KindUnknownTransient, providerID, "interrupted")
}

// bestEffortCancel 尽力取消上游任务；不支持取消的提供商静默忽略。
func (o *Orchestrator) bestEffortCancel(p Provider, providerJobID string) {
	if providerJobID == "" || !p.Capabilities().SupportsCancel {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Cancel(ctx, providerJobID); err != nil && KindOf(err) != KindNotSupported {
		o.logger.Debug("upstream cancel failed",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}
}

func attemptMessage(a Attempt) string {
	if a.Outcome == "" {
		return "ok"
	}
	return string(a.Outcome)
}
