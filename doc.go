// Package admission provides distributed admission control middleware for
// Chi and standard http.Handler: multi-strategy rate limiting that decides
// whether a request proceeds, and how fast, before it reaches business logic.
//
// A Pipeline gates each request through four steps: resolve the quota key
// (identity, client IP, or a custom generator), resolve the limiter
// configuration (fixed or per-tenant subscription tier), consult the limiter
// against the shared counter store, and annotate the response. Admitted
// requests continue the chain with X-RateLimit-* headers set; rejected
// requests short-circuit with 429, a Retry-After header, and a structured
// rejection body.
//
// Token bucket, 100 requests per minute per user or IP:
//
//	st, err := store.NewRedis(store.RedisConfig{URL: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	pipeline, err := admission.TokenBucket(st, 100, time.Minute)
//	if err != nil {
//		log.Fatal(err)
//	}
//	r := chi.NewRouter()
//	r.Use(pipeline.Handler)
//
// Exact sliding-window counting for an auth endpoint, keyed by the email
// being attempted:
//
//	login, _ := admission.SlidingWindow(st, 5, 15*time.Minute,
//		admission.WithKeyFunc(admission.CustomKey(func(r *http.Request) string {
//			return "login:" + r.FormValue("email")
//		})),
//	)
//	r.With(login.Handler).Post("/login", loginHandler)
//
// Per-tenant plans:
//
//	tiers := tier.NewResolver(subscriptionLookup)
//	api, _ := admission.Tiered(st, tiers, admission.TenantFromHeader("X-Tenant-ID"))
//	r.Use(api.Handler)
//
// Failure policy: the counter store fails OPEN (an unreachable or slow store
// admits the request and records a fault) while configuration resolution
// fails CLOSED (an unknown tenant gets the most conservative plan). Both
// sides are explicit in PolicyTable and can be changed per pipeline. The
// only failure a caller ever sees is the well-formed 429.
package admission
