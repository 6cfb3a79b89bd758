// Package config contains compile-time defaults for the workload generator.
// Every value here can be overridden by a config file, a WORKGEN_ environment
// variable or a command-line flag.
package config

import "time"

// =============================================================================
// RUN DEFAULTS
// =============================================================================

// Concurrency and length of a run
const (
	// Workers is the number of concurrent worker goroutines
	Workers = 4

	// Duration bounds the run (0 = run until stopped or max ops reached)
	Duration = 0 * time.Second

	// MaxOpsPerWorker stops each worker after this many operations (0 = no limit)
	MaxOpsPerWorker = 0
)

// Throughput governor
const (
	// Rate is the target operations per second (0 = unlimited)
	Rate = 0.0

	// MinRate is the smallest positive rate accepted, one operation per 1000s
	MinRate = 0.001

	// RateInterval is the budget interval; coarser intervals are smoother
	RateInterval = time.Second

	// RateMode is "interval" (fixed-interval permit budget) or "smooth" (token bucket)
	RateMode = "interval"

	// RateScope is "run" (aggregate cap) or "worker" (cap per worker)
	RateScope = "run"
)

// Measurement window
const (
	// WarmUp is excluded from statistics at the start of the run
	WarmUp = 0 * time.Second

	// CoolDown is excluded from statistics at the end of a timed run
	CoolDown = 0 * time.Second

	// ResponseTimeThreshold flags slower operations separately (0 = disabled)
	ResponseTimeThreshold = 0 * time.Second

	// RequestDelay is the minimum time between operation starts on one worker
	RequestDelay = 0 * time.Second
)

// Operation mix (relative weights)
const (
	WeightAdd     = 50
	WeightDelete  = 25
	WeightRename  = 25
	WeightModify  = 0
	WeightSearch  = 0
	WeightCompare = 0
	WeightBind    = 0
)

// =============================================================================
// RESOURCE DEFAULTS
// =============================================================================

const (
	// ResourceTemplate names added resources for the socket and sql protocols;
	// {run}, {worker} and {seq} are replaced. An empty resources.template picks
	// the protocol's default.
	ResourceTemplate = "{run}-{worker}-{seq}"

	// LDAPResourceTemplate names added entries for the ldap protocol
	LDAPResourceTemplate = "uid=workgen-{run}-{worker}-{seq},ou=people,dc=example,dc=com"

	// ValueLength is the length of random values written by add and modify
	ValueLength = 16

	// PoolScope is "run" (all workers share created resources) or "worker"
	PoolScope = "run"

	// EmptyPoolPolicy is "substitute" (run an add instead) or "skip"
	EmptyPoolPolicy = "substitute"

	// Cleanup deletes every remaining created resource at the end of a run
	Cleanup = true
)

// =============================================================================
// CONNECTION DEFAULTS
// =============================================================================

const (
	// Protocol selects the client: "socket", "sql" or "ldap"
	Protocol = "socket"

	// ConnectionMode is "worker" (one connection each) or "shared"
	ConnectionMode = "worker"

	// OpsBeforeReconnect replaces a connection after this many operations (0 = never)
	OpsBeforeReconnect = 0

	// ReconnectBackoff is slept after a failed reconnect
	ReconnectBackoff = time.Millisecond

	// ReconnectRate caps reconnects per second across the run (0 = unlimited)
	ReconnectRate = 0.0

	// DialTimeout bounds establishing a connection
	DialTimeout = 10 * time.Second

	// ResponseTimeout is the client's own limit on one operation (0 = none)
	ResponseTimeout = 30 * time.Second
)

// Database client
const (
	DBDriver       = "mysql"
	DBTable        = "workgen_resources"
	DBMaxOpenConns = 100
)

// Directory client
const (
	LDAPAttribute      = "description"
	LDAPScope          = "base"
	LDAPFilter         = "(objectClass=*)"
	LDAPTargetPassword = "password"
)

// Socket client and target server
const (
	SocketAddress = "127.0.0.1:7389"
	SocketSecret  = "password"
)

// =============================================================================
// EXEC, METRICS AND LOGGING DEFAULTS
// =============================================================================

const (
	// ExecPollInterval is how often a running command's status is checked
	ExecPollInterval = 100 * time.Millisecond

	// ExecKillGrace is how long a terminated command has before it is killed
	ExecKillGrace = 5 * time.Second

	// MetricsInterval is how often a progress line is logged
	MetricsInterval = 5 * time.Second

	// LogLevel is the minimum level logged
	LogLevel = "info"

	// LogFormat is "auto", "console" or "json"
	LogFormat = "auto"
)
