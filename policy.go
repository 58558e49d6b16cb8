package admission

// Failure policies make the open/closed split an explicit, tested table
// instead of choices buried in error handlers. The defaults encode the
// product stance: availability over strict enforcement for infrastructure
// faults, conservatism for configuration faults.

// StoreFailurePolicy decides what happens when the counter store is
// unreachable, times out, or a limiter panics mid-evaluation.
type StoreFailurePolicy int

const (
	// StoreFailOpen admits the request and records the fault (default).
	// The protected API stays available; quota enforcement pauses.
	StoreFailOpen StoreFailurePolicy = iota

	// StoreFailClosed rejects the request with 429 while the store is down.
	StoreFailClosed

	// StoreFailOpenLocal admits the request unless a process-local rate
	// guard rejects it, capping worst-case throughput during an outage.
	// Requires WithLocalGuard.
	StoreFailOpenLocal
)

// String returns the policy name for log fields.
func (p StoreFailurePolicy) String() string {
	switch p {
	case StoreFailClosed:
		return "fail_closed"
	case StoreFailOpenLocal:
		return "fail_open_local"
	default:
		return "fail_open"
	}
}

// ConfigFailurePolicy decides what happens when tier resolution fails and no
// trustworthy limiter configuration exists for the tenant.
type ConfigFailurePolicy int

const (
	// ConfigFallbackStarter serves the request under the most conservative
	// plan's configuration (default). An unknown tenant gets throttled hard,
	// never unlimited or premium throughput.
	ConfigFallbackStarter ConfigFailurePolicy = iota

	// ConfigReject rejects the request outright with 429.
	ConfigReject
)

// String returns the policy name for log fields.
func (p ConfigFailurePolicy) String() string {
	if p == ConfigReject {
		return "reject"
	}
	return "fallback_starter"
}

// PolicyTable groups the failure policies applied by one pipeline.
type PolicyTable struct {
	Store  StoreFailurePolicy
	Config ConfigFailurePolicy
}

// DefaultPolicyTable is store-fail-open, config-fallback-starter.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{Store: StoreFailOpen, Config: ConfigFallbackStarter}
}
