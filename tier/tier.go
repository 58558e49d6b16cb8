// Package tier maps tenants to named subscription plans that select limiter
// configuration.
//
// Plan assignments come from an external subscription lookup and are
// read-through cached in-process with a short TTL. The cache is advisory
// only: the counter store remains the single authority on consumption state.
//
// Resolution fails CLOSED: on lookup failure, unknown plan, or missing
// tenant, the resolver falls back to the most conservative plan (starter).
// An unknown tenant must never receive premium or unlimited throughput by
// accident. This is the opposite of the store failure policy, which fails
// open; see the admission package's policy table.
package tier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhalm/admission/limiter"
)

// Plan is a named subscription plan.
type Plan string

const (
	PlanTrial        Plan = "trial"
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// DefaultCacheTTL is how long a resolved assignment is served from cache.
const DefaultCacheTTL = 30 * time.Second

// presets map each plan to its limiter configuration. Trial shares the
// starter ceiling; it is a distinct plan name only for billing purposes.
var presets = map[Plan]limiter.Config{
	PlanTrial:        {Window: time.Minute, Max: 100},
	PlanStarter:      {Window: time.Minute, Max: 100},
	PlanProfessional: {Window: time.Minute, Max: 500},
	PlanEnterprise:   {Window: time.Minute, Max: 1000},
}

// PresetConfig returns the limiter configuration for a plan.
// Unknown plans get the starter preset.
func PresetConfig(plan Plan) limiter.Config {
	if cfg, ok := presets[plan]; ok {
		return cfg
	}
	return presets[PlanStarter]
}

// LookupFunc resolves a tenant's plan from the external subscription source.
type LookupFunc func(ctx context.Context, tenantID string) (Plan, error)

// Assignment records a resolved tenant-to-plan mapping.
type Assignment struct {
	TenantID   string
	Plan       Plan
	ResolvedAt time.Time
}

type cachedAssignment struct {
	assignment Assignment
	expiresAt  time.Time
}

// Resolver resolves tenant plans with an in-process read-through cache.
// Safe for concurrent use.
type Resolver struct {
	lookup LookupFunc
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAssignment
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheTTL sets how long resolved assignments are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// NewResolver creates a plan resolver over the given subscription lookup.
func NewResolver(lookup LookupFunc, opts ...Option) *Resolver {
	r := &Resolver{
		lookup: lookup,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		cache:  make(map[string]cachedAssignment),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant's plan assignment. On any resolution failure the
// returned assignment is the starter fallback and the error describes why;
// callers should log it as a warning and proceed with the fallback rather
// than surface it.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (Assignment, error) {
	now := r.now()

	if tenantID == "" {
		return Assignment{Plan: PlanStarter, ResolvedAt: now}, fmt.Errorf("tier: missing tenant id")
	}

	r.mu.Lock()
	if cached, ok := r.cache[tenantID]; ok && now.Before(cached.expiresAt) {
		r.mu.Unlock()
		return cached.assignment, nil
	}
	r.mu.Unlock()

	plan, err := r.lookup(ctx, tenantID)
	if err != nil {
		return Assignment{TenantID: tenantID, Plan: PlanStarter, ResolvedAt: now},
			fmt.Errorf("tier: lookup for tenant %q failed: %w", tenantID, err)
	}
	if _, known := presets[plan]; !known {
		return Assignment{TenantID: tenantID, Plan: PlanStarter, ResolvedAt: now},
			fmt.Errorf("tier: tenant %q has unknown plan %q", tenantID, plan)
	}

	assignment := Assignment{TenantID: tenantID, Plan: plan, ResolvedAt: now}

	r.mu.Lock()
	r.cache[tenantID] = cachedAssignment{assignment: assignment, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return assignment, nil
}

// Config resolves the tenant's plan and returns its limiter configuration.
// The error carries the fallback reason when resolution failed; the returned
// config is always usable.
func (r *Resolver) Config(ctx context.Context, tenantID string) (limiter.Config, error) {
	assignment, err := r.Resolve(ctx, tenantID)
	return PresetConfig(assignment.Plan), err
}

// Invalidate drops a tenant's cached assignment, forcing the next Resolve to
// hit the subscription source. Use after a plan change.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}
