package admission

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/admission/identity"
	"github.com/nhalm/admission/limiter"
	"github.com/nhalm/admission/store"
	"github.com/nhalm/admission/tier"
)

// TenantFunc extracts the tenant id used for tier resolution from a request.
// Returning an empty string resolves to the conservative starter plan.
type TenantFunc func(*http.Request) string

// TenantFromHeader derives the tenant id from a request header.
func TenantFromHeader(header string) TenantFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// TenantFromIdentity uses the resolved identity id as the tenant id, for
// APIs where the authenticated principal is the billing tenant.
func TenantFromIdentity() TenantFunc {
	return func(r *http.Request) string {
		id, _ := identity.FromContext(r.Context())
		return id
	}
}

// Pipeline is the admission middleware: per request it resolves the quota
// key, resolves the limiter configuration, consults the limiter, annotates
// the response, and either continues the chain or short-circuits with 429.
//
// Every fault other than the quota rejection itself is absorbed according to
// the pipeline's PolicyTable and logged; the caller never sees a 5xx from
// admission control.
type Pipeline struct {
	lim      limiter.Limiter
	strategy string

	st         store.Store
	tiers      *tier.Resolver
	tenantFn   TenantFunc
	starterLim limiter.Limiter

	keyFn          KeyFunc
	message        string
	ann            annotator
	policy         PolicyTable
	guard          *localGuard
	skipSuccessful bool
	skipFailed     bool
	storeTimeout   time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithKeyFunc replaces the default identity-or-IP key strategy.
// Use CustomKey to namespace a caller-supplied generator.
func WithKeyFunc(fn KeyFunc) Option {
	return func(p *Pipeline) {
		p.keyFn = fn
	}
}

// WithMessage sets the rejection message for single-strategy pipelines.
// Burst/sustained pipelines keep their scope-specific messages so a burst
// violation stays distinguishable from a sustained one.
func WithMessage(message string) Option {
	return func(p *Pipeline) {
		p.message = message
	}
}

// WithStandardHeaders controls the X-RateLimit-* header set (default on).
func WithStandardHeaders(enabled bool) Option {
	return func(p *Pipeline) {
		p.ann.standard = enabled
	}
}

// WithLegacyHeaders controls the X-Rate-Limit-* header set (default off).
func WithLegacyHeaders(enabled bool) Option {
	return func(p *Pipeline) {
		p.ann.legacy = enabled
	}
}

// WithSkipSuccessful refunds the consumed quota when the response status is
// below 400, so only failing requests count against the limit.
func WithSkipSuccessful() Option {
	return func(p *Pipeline) {
		p.skipSuccessful = true
	}
}

// WithSkipFailed refunds the consumed quota when the response status is 400
// or above, so only successful requests count against the limit.
func WithSkipFailed() Option {
	return func(p *Pipeline) {
		p.skipFailed = true
	}
}

// WithPolicyTable replaces the default failure policies.
func WithPolicyTable(table PolicyTable) Option {
	return func(p *Pipeline) {
		p.policy = table
	}
}

// WithLocalGuard attaches the process-local rate guard used by the
// StoreFailOpenLocal policy: rps requests per second with the given burst,
// per key, per process, while the store is down.
func WithLocalGuard(rps float64, burst int) Option {
	return func(p *Pipeline) {
		p.guard = newLocalGuard(rps, burst)
	}
}

// WithStoreTimeout bounds each counter store round-trip.
// Defaults to limiter.DefaultStoreTimeout.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.storeTimeout = d
	}
}

func newPipeline(opts []Option) *Pipeline {
	p := &Pipeline{
		keyFn:   DefaultKey(),
		message: DefaultMessage,
		ann:     annotator{standard: true},
		policy:  DefaultPolicyTable(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TokenBucket creates a pipeline over a fixed-refill token bucket: max
// requests per window with linear refill. The default strategy for general
// API quotas.
func TokenBucket(st store.Store, max int64, window time.Duration, opts ...Option) (*Pipeline, error) {
	p := newPipeline(opts)
	lim, err := limiter.NewTokenBucket(st, limiter.Config{Window: window, Max: max, StoreTimeout: p.storeTimeout})
	if err != nil {
		return nil, err
	}
	p.lim = lim
	p.strategy = "token_bucket"
	return p, nil
}

// SlidingWindow creates a pipeline over a sliding-window log: exact rolling
// counts, for low-volume, high-sensitivity endpoints.
func SlidingWindow(st store.Store, max int64, window time.Duration, opts ...Option) (*Pipeline, error) {
	p := newPipeline(opts)
	lim, err := limiter.NewSlidingWindow(st, limiter.Config{Window: window, Max: max, StoreTimeout: p.storeTimeout})
	if err != nil {
		return nil, err
	}
	p.lim = lim
	p.strategy = "sliding_window"
	return p, nil
}

// BurstSustained creates a pipeline where both a one-second burst bucket and
// the sustained bucket over the full window must admit.
func BurstSustained(st store.Store, sustained, burst int64, window time.Duration, opts ...Option) (*Pipeline, error) {
	p := newPipeline(opts)
	lim, err := limiter.NewBurstSustained(st, limiter.Config{Window: window, Max: sustained, Burst: burst, StoreTimeout: p.storeTimeout})
	if err != nil {
		return nil, err
	}
	p.lim = lim
	p.strategy = "burst_sustained"
	return p, nil
}

// Tiered creates a pipeline whose token bucket configuration is resolved per
// request from the tenant's subscription plan. Tier resolution failures
// follow the PolicyTable's config policy: fall back to the starter plan
// (default) or reject outright.
func Tiered(st store.Store, tiers *tier.Resolver, tenantFn TenantFunc, opts ...Option) (*Pipeline, error) {
	p := newPipeline(opts)

	starter, err := limiter.NewTokenBucket(st, starterConfig(p.storeTimeout))
	if err != nil {
		return nil, err
	}

	p.st = st
	p.tiers = tiers
	p.tenantFn = tenantFn
	p.starterLim = starter
	p.strategy = "tiered"
	return p, nil
}

func starterConfig(storeTimeout time.Duration) limiter.Config {
	cfg := tier.PresetConfig(tier.PlanStarter)
	cfg.StoreTimeout = storeTimeout
	return cfg
}

// Close releases pipeline-owned resources (the local guard's janitor).
// The store is injected and stays the caller's to close.
func (p *Pipeline) Close() error {
	if p.guard != nil {
		p.guard.close()
	}
	return nil
}

// Handler returns the admission middleware.
//
// On admission the quota headers are set and the chain continues. On
// rejection the response is 429 with the structured rejection body and a
// Retry-After header. Store faults follow the store failure policy and are
// logged, never surfaced.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := p.keyFn(r)

		lim := p.lim
		if p.tiers != nil {
			var cfgErr error
			lim, cfgErr = p.tierLimiter(ctx, r)
			if cfgErr != nil {
				p.logWarn(ctx, key, cfgErr)
				if p.policy.Config == ConfigReject {
					p.ann.reject(w, p.message, limiter.QuotaStatus{RetryAfter: time.Minute})
					return
				}
			}
		}

		decision, err := p.evaluate(ctx, lim, key)
		if err != nil {
			p.logFault(ctx, r, key, err)
			switch p.policy.Store {
			case StoreFailClosed:
				p.ann.reject(w, p.message, limiter.QuotaStatus{RetryAfter: time.Second})
			case StoreFailOpenLocal:
				if p.guard != nil && !p.guard.allow(key) {
					p.ann.reject(w, p.message, limiter.QuotaStatus{RetryAfter: time.Second})
					return
				}
				next.ServeHTTP(w, r)
			default:
				next.ServeHTTP(w, r)
			}
			return
		}

		p.logDecision(ctx, r, key, decision)

		if !decision.Allowed {
			p.ann.reject(w, p.rejectionMessage(decision), decision.Status)
			return
		}

		p.ann.annotate(w, decision.Status)

		if !p.skipSuccessful && !p.skipFailed {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if p.shouldRefund(rec.Status()) {
			if err := lim.Refund(ctx, decision); err != nil {
				p.logWarn(ctx, key, err)
			}
		}
	})
}

// Check evaluates the request without touching a ResponseWriter, for call
// sites that are not plain HTTP middleware (websocket upgrades, job intake).
// It returns nil on admission and a *QuotaExceededError carrying the quota
// status on rejection. Failure policies apply exactly as in Handler; the
// skip-successful and skip-failed refunds do not, since there is no response
// status to observe.
func (p *Pipeline) Check(r *http.Request) error {
	ctx := r.Context()
	key := p.keyFn(r)

	lim := p.lim
	if p.tiers != nil {
		var cfgErr error
		lim, cfgErr = p.tierLimiter(ctx, r)
		if cfgErr != nil {
			p.logWarn(ctx, key, cfgErr)
			if p.policy.Config == ConfigReject {
				return &QuotaExceededError{Message: p.message, Status: limiter.QuotaStatus{RetryAfter: time.Minute}}
			}
		}
	}

	decision, err := p.evaluate(ctx, lim, key)
	if err != nil {
		p.logFault(ctx, r, key, err)
		switch p.policy.Store {
		case StoreFailClosed:
			return &QuotaExceededError{Message: p.message, Status: limiter.QuotaStatus{RetryAfter: time.Second}}
		case StoreFailOpenLocal:
			if p.guard != nil && !p.guard.allow(key) {
				return &QuotaExceededError{Message: p.message, Status: limiter.QuotaStatus{RetryAfter: time.Second}}
			}
			return nil
		default:
			return nil
		}
	}

	p.logDecision(ctx, r, key, decision)

	if !decision.Allowed {
		return &QuotaExceededError{Message: p.rejectionMessage(decision), Status: decision.Status}
	}
	return nil
}

// tierLimiter resolves the tenant's plan and builds the per-request token
// bucket. It always returns a usable limiter; a non-nil error reports that
// the starter fallback is in effect.
func (p *Pipeline) tierLimiter(ctx context.Context, r *http.Request) (limiter.Limiter, error) {
	cfg, cfgErr := p.tiers.Config(ctx, p.tenantFn(r))
	cfg.StoreTimeout = p.storeTimeout

	lim, err := limiter.NewTokenBucket(p.st, cfg)
	if err != nil {
		return p.starterLim, err
	}
	return lim, cfgErr
}

// evaluate consults the limiter, converting a panic anywhere below into an
// error so the boundary's failure policy applies.
func (p *Pipeline) evaluate(ctx context.Context, lim limiter.Limiter, key string) (d limiter.Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("limiter panic: %v", rec)
		}
	}()
	return lim.Allow(ctx, key)
}

func (p *Pipeline) rejectionMessage(d limiter.Decision) string {
	switch d.Scope {
	case limiter.ScopeBurst:
		return "Burst rate limit exceeded, slow down"
	case limiter.ScopeSustained:
		return "Sustained rate limit exceeded, please try again later"
	}
	return p.message
}

func (p *Pipeline) shouldRefund(status int) bool {
	if p.skipSuccessful && status < 400 {
		return true
	}
	return p.skipFailed && status >= 400
}

func (p *Pipeline) logDecision(ctx context.Context, r *http.Request, key string, d limiter.Decision) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"rate_limit_key":       key,
		"rate_limit_strategy":  p.strategy,
		"rate_limit_route":     route,
		"rate_limit_allowed":   d.Allowed,
		"rate_limit_remaining": d.Status.Remaining,
	})
}

// logFault records a store failure with full context. The request itself is
// handled by the failure policy; the log is the only trace left behind.
func (p *Pipeline) logFault(ctx context.Context, r *http.Request, key string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}

	canonlog.ErrorAdd(ctx, err)
	canonlog.InfoAddMany(ctx, map[string]any{
		"rate_limit_key":      key,
		"rate_limit_strategy": p.strategy,
		"rate_limit_policy":   p.policy.Store.String(),
		"rate_limit_method":   r.Method,
	})
}

func (p *Pipeline) logWarn(ctx context.Context, key string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"rate_limit_key":     key,
		"rate_limit_warning": err.Error(),
	})
}

// statusRecorder captures the downstream status code so skip-successful /
// skip-failed refunds can run after the response is written.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
