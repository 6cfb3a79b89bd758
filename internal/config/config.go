package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/willfong/workload-generator/internal/client/ldapclient"
	"github.com/willfong/workload-generator/internal/client/socketclient"
	"github.com/willfong/workload-generator/internal/client/sqlclient"
	"github.com/willfong/workload-generator/internal/engine"
	"github.com/willfong/workload-generator/internal/execjob"
	"github.com/willfong/workload-generator/internal/pattern"
)

// Config holds all configuration for the workload generator
type Config struct {
	// Protocol selects the client used by run: socket, sql or ldap
	Protocol string `mapstructure:"protocol" yaml:"protocol"`

	Run        RunConfig        `mapstructure:"run" yaml:"run"`
	Operations map[string]int   `mapstructure:"operations" yaml:"operations"`
	Resources  ResourceConfig   `mapstructure:"resources" yaml:"resources"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	LDAP     LDAPConfig     `mapstructure:"ldap" yaml:"ldap"`
	Socket   SocketConfig   `mapstructure:"socket" yaml:"socket"`
	Exec     ExecConfig     `mapstructure:"exec" yaml:"exec"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// RunConfig holds worker, rate and measurement settings
type RunConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	Duration        time.Duration `mapstructure:"duration" yaml:"duration"` // 0 = until stopped
	MaxOpsPerWorker int64         `mapstructure:"max_ops_per_worker" yaml:"max_ops_per_worker"`
	Seed            int64         `mapstructure:"seed" yaml:"seed"` // 0 = random

	Rate         float64       `mapstructure:"rate" yaml:"rate"` // ops/sec, 0 = unlimited
	RateInterval time.Duration `mapstructure:"rate_interval" yaml:"rate_interval"`
	RateMode     string        `mapstructure:"rate_mode" yaml:"rate_mode"`
	RateScope    string        `mapstructure:"rate_scope" yaml:"rate_scope"`

	WarmUp                time.Duration `mapstructure:"warm_up" yaml:"warm_up"`
	CoolDown              time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
	ResponseTimeThreshold time.Duration `mapstructure:"response_time_threshold" yaml:"response_time_threshold"`
	RequestDelay          time.Duration `mapstructure:"request_delay" yaml:"request_delay"`
}

// ResourceConfig holds settings for created resources and operation targets
type ResourceConfig struct {
	// TargetPattern picks targets for search, compare, modify and bind
	TargetPattern   string `mapstructure:"target_pattern" yaml:"target_pattern"`
	Template        string `mapstructure:"template" yaml:"template"`
	ValueLength     int    `mapstructure:"value_length" yaml:"value_length"`
	PoolScope       string `mapstructure:"pool_scope" yaml:"pool_scope"`
	EmptyPoolPolicy string `mapstructure:"empty_pool_policy" yaml:"empty_pool_policy"`
	Cleanup         bool   `mapstructure:"cleanup" yaml:"cleanup"`
}

// ConnectionConfig holds the connection lifecycle policy
type ConnectionConfig struct {
	Mode               string        `mapstructure:"mode" yaml:"mode"`
	OpsBeforeReconnect int64         `mapstructure:"ops_before_reconnect" yaml:"ops_before_reconnect"`
	ReconnectBackoff   time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
	ReconnectRate      float64       `mapstructure:"reconnect_rate" yaml:"reconnect_rate"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig holds database client settings
type DatabaseConfig struct {
	// Connection string (DSN)
	// Format: user:password@tcp(host:port)/database
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	Driver       string `mapstructure:"driver" yaml:"driver"`
	Table        string `mapstructure:"table" yaml:"table"`
	CreateTable  bool   `mapstructure:"create_table" yaml:"create_table"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// LDAPConfig holds directory client settings
type LDAPConfig struct {
	URL                string   `mapstructure:"url" yaml:"url"`
	BindDN             string   `mapstructure:"bind_dn" yaml:"bind_dn"`
	BindPassword       string   `mapstructure:"bind_password" yaml:"bind_password"`
	StartTLS           bool     `mapstructure:"start_tls" yaml:"start_tls"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Attribute          string   `mapstructure:"attribute" yaml:"attribute"`
	ObjectClasses      []string `mapstructure:"object_classes" yaml:"object_classes"`
	Scope              string   `mapstructure:"scope" yaml:"scope"`
	Filter             string   `mapstructure:"filter" yaml:"filter"`
	TargetPassword     string   `mapstructure:"target_password" yaml:"target_password"`
}

// SocketConfig holds socket client and target server settings
type SocketConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Secret  string `mapstructure:"secret" yaml:"secret"`
}

// ExecConfig holds exec job settings; the command comes from the command line
type ExecConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	Env          []string      `mapstructure:"env" yaml:"env"`
	LogOutput    bool          `mapstructure:"log_output" yaml:"log_output"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	KillGrace    time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// MetricsConfig holds progress reporting settings
type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Listen serves Prometheus metrics on this address when set
	Listen string `mapstructure:"listen" yaml:"listen"`
	// CSV appends a row of run statistics every interval to this file
	CSV string `mapstructure:"csv" yaml:"csv"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Allowed enumeration values.
var (
	Protocols         = []string{"socket", "sql", "ldap"}
	RateModes         = []string{string(engine.RateModeInterval), string(engine.RateModeSmooth)}
	Scopes            = []string{string(engine.ScopeRun), string(engine.ScopeWorker)}
	ConnectionModes   = []string{string(engine.ConnPerWorker), string(engine.ConnShared)}
	EmptyPoolPolicies = []string{string(engine.EmptyPoolSubstitute), string(engine.EmptyPoolSkip)}
	LogFormats        = []string{"auto", "console", "json"}
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Protocol: Protocol,
		Run: RunConfig{
			Workers:               Workers,
			Duration:              Duration,
			MaxOpsPerWorker:       MaxOpsPerWorker,
			Rate:                  Rate,
			RateInterval:          RateInterval,
			RateMode:              RateMode,
			RateScope:             RateScope,
			WarmUp:                WarmUp,
			CoolDown:              CoolDown,
			ResponseTimeThreshold: ResponseTimeThreshold,
			RequestDelay:          RequestDelay,
		},
		Operations: map[string]int{
			"add":     WeightAdd,
			"bind":    WeightBind,
			"compare": WeightCompare,
			"delete":  WeightDelete,
			"modify":  WeightModify,
			"rename":  WeightRename,
			"search":  WeightSearch,
		},
		Resources: ResourceConfig{
			ValueLength:     ValueLength,
			PoolScope:       PoolScope,
			EmptyPoolPolicy: EmptyPoolPolicy,
			Cleanup:         Cleanup,
		},
		Connection: ConnectionConfig{
			Mode:               ConnectionMode,
			OpsBeforeReconnect: OpsBeforeReconnect,
			ReconnectBackoff:   ReconnectBackoff,
			ReconnectRate:      ReconnectRate,
			DialTimeout:        DialTimeout,
			Timeout:            ResponseTimeout,
		},
		Database: DatabaseConfig{
			Driver:       DBDriver,
			Table:        DBTable,
			MaxOpenConns: DBMaxOpenConns,
		},
		LDAP: LDAPConfig{
			Attribute:      LDAPAttribute,
			ObjectClasses:  []string{"top", "person", "organizationalPerson", "inetOrgPerson"},
			Scope:          LDAPScope,
			Filter:         LDAPFilter,
			TargetPassword: LDAPTargetPassword,
		},
		Socket: SocketConfig{
			Address: SocketAddress,
			Secret:  SocketSecret,
		},
		Exec: ExecConfig{
			LogOutput:    true,
			PollInterval: ExecPollInterval,
			KillGrace:    ExecKillGrace,
		},
		Metrics: MetricsConfig{
			Interval: MetricsInterval,
		},
		Log: LogConfig{
			Level:  LogLevel,
			Format: LogFormat,
		},
	}
}

// RegisterDefaults makes every default known to v, so environment variables
// can override keys that appear in no config file or flag.
func RegisterDefaults(v *viper.Viper) error {
	var m map[string]any
	if err := mapstructure.Decode(DefaultConfig(), &m); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	for k, val := range m {
		v.SetDefault(k, val)
	}
	return nil
}

// Load reads configuration from the global viper into a Config struct
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v into a Config struct
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	// Unmarshal viper config into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid for a run. Exec-only
// invocations use ValidateExec instead.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	// Run settings
	check(c.Run.Workers >= 1, "run.workers must be >= 1")
	check(c.Run.Duration >= 0, "run.duration must be non-negative")
	check(c.Run.MaxOpsPerWorker >= 0, "run.max_ops_per_worker must be non-negative")
	check(c.Run.Rate == 0 || c.Run.Rate >= MinRate, "run.rate must be 0 (unlimited) or at least %g", MinRate)
	check(c.Run.RateInterval > 0, "run.rate_interval must be positive")
	check(oneOf(c.Run.RateMode, RateModes), "run.rate_mode must be one of %s", strings.Join(RateModes, ", "))
	check(oneOf(c.Run.RateScope, Scopes), "run.rate_scope must be one of %s", strings.Join(Scopes, ", "))
	check(c.Run.WarmUp >= 0 && c.Run.CoolDown >= 0, "run.warm_up and run.cool_down must be non-negative")
	check(c.Run.ResponseTimeThreshold >= 0, "run.response_time_threshold must be non-negative")
	check(c.Run.RequestDelay >= 0, "run.request_delay must be non-negative")

	// warm-up and cool-down overlapping leaves no collection window
	if c.Run.Duration > 0 {
		check(c.Run.WarmUp+c.Run.CoolDown < c.Run.Duration,
			"run.warm_up (%s) + run.cool_down (%s) must be shorter than run.duration (%s)",
			c.Run.WarmUp, c.Run.CoolDown, c.Run.Duration)
	}

	// Operation mix
	weights, err := c.Weights()
	if err != nil {
		errs = append(errs, err.Error())
	}
	total := 0
	needsTargets := false
	for _, w := range weights {
		check(w.Weight >= 0, "operations.%s must be non-negative", w.Kind)
		total += max(w.Weight, 0)
		if w.Weight > 0 && !w.Kind.ConsumesResource() && w.Kind != engine.KindAdd {
			needsTargets = true
		}
	}
	if err == nil {
		check(total > 0, "at least one operation weight must be positive")
	}

	// Resources
	if needsTargets {
		check(c.Resources.TargetPattern != "", "resources.target_pattern is required for search, compare, modify and bind")
	}
	if c.Resources.TargetPattern != "" {
		if _, err := pattern.Parse(c.Resources.TargetPattern); err != nil {
			errs = append(errs, fmt.Sprintf("resources.target_pattern: %v", err))
		}
	}
	template := c.ResourceTemplate()
	check(strings.Contains(template, "{seq}"), "resources.template must contain {seq} so added names are unique")
	check(c.Resources.ValueLength >= 1, "resources.value_length must be >= 1")
	check(oneOf(c.Resources.PoolScope, Scopes), "resources.pool_scope must be one of %s", strings.Join(Scopes, ", "))
	check(oneOf(c.Resources.EmptyPoolPolicy, EmptyPoolPolicies),
		"resources.empty_pool_policy must be one of %s", strings.Join(EmptyPoolPolicies, ", "))

	// Connections
	check(oneOf(c.Connection.Mode, ConnectionModes), "connection.mode must be one of %s", strings.Join(ConnectionModes, ", "))
	check(c.Connection.OpsBeforeReconnect >= 0, "connection.ops_before_reconnect must be non-negative")
	check(c.Connection.ReconnectBackoff >= 0, "connection.reconnect_backoff must be non-negative")
	check(c.Connection.ReconnectRate >= 0, "connection.reconnect_rate must be non-negative")

	// Protocol specifics
	switch c.Protocol {
	case "sql":
		check(c.Database.DSN != "", "database.dsn is required for the sql protocol")
		check(c.Database.MaxOpenConns >= 1, "database.max_open_conns must be >= 1")
	case "ldap":
		check(c.LDAP.URL != "", "ldap.url is required for the ldap protocol")
		sample := engine.Namer{Template: template, RunID: "run"}.Name(0, 1)
		if _, err := ldap.ParseDN(sample); err != nil {
			errs = append(errs, fmt.Sprintf("resources.template must render to a DN for the ldap protocol (%q): %v", sample, err))
		}
	case "socket":
		_, _, err := net.SplitHostPort(c.Socket.Address)
		check(err == nil, "socket.address must be host:port")
	default:
		errs = append(errs, fmt.Sprintf("protocol must be one of %s", strings.Join(Protocols, ", ")))
	}

	errs = append(errs, c.validateCommon()...)
	if len(errs) > 0 {
		return fmt.Errorf("%w: validation errors:\n  - %s", engine.ErrConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateExec checks the settings used by the exec command.
func (c *Config) ValidateExec() error {
	var errs []string
	if c.Run.Duration < 0 {
		errs = append(errs, "run.duration must be non-negative")
	}
	if c.Exec.PollInterval <= 0 {
		errs = append(errs, "exec.poll_interval must be positive")
	}
	if c.Exec.KillGrace <= 0 {
		errs = append(errs, "exec.kill_grace must be positive")
	}
	errs = append(errs, c.validateCommon()...)
	if len(errs) > 0 {
		return fmt.Errorf("%w: validation errors:\n  - %s", engine.ErrConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateCommon() []string {
	var errs []string
	if c.Metrics.Interval < 0 {
		errs = append(errs, "metrics.interval must be non-negative")
	}
	if c.Metrics.CSV != "" && c.Metrics.Interval == 0 {
		errs = append(errs, "metrics.csv requires a positive metrics.interval")
	}
	if !oneOf(c.Log.Format, LogFormats) {
		errs = append(errs, fmt.Sprintf("log.format must be one of %s", strings.Join(LogFormats, ", ")))
	}
	return errs
}

func oneOf(v string, allowed []string) bool {
	return slices.Contains(allowed, v)
}

// Weights converts the operation mix to dispatcher weights in canonical kind
// order. Unknown operation names are an error.
func (c *Config) Weights() ([]engine.Weight, error) {
	byKind := make(map[engine.Kind]int, len(c.Operations))
	var unknown []string
	for name, w := range c.Operations {
		k, err := engine.ParseKind(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		byKind[k] = w
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("unknown operations: %s", strings.Join(unknown, ", "))
	}

	weights := make([]engine.Weight, 0, len(byKind))
	for _, k := range engine.AllKinds {
		if w, ok := byKind[k]; ok {
			weights = append(weights, engine.Weight{Kind: k, Weight: w})
		}
	}
	return weights, nil
}

// EngineConfig converts a validated configuration into the engine's run
// configuration.
func (c *Config) EngineConfig() (engine.RunConfig, error) {
	weights, err := c.Weights()
	if err != nil {
		return engine.RunConfig{}, fmt.Errorf("%w: %w", engine.ErrConfiguration, err)
	}
	return engine.RunConfig{
		Workers:               c.Run.Workers,
		Duration:              c.Run.Duration,
		MaxOpsPerWorker:       c.Run.MaxOpsPerWorker,
		Rate:                  c.Run.Rate,
		RateInterval:          c.Run.RateInterval,
		RateMode:              engine.RateMode(c.Run.RateMode),
		RateScope:             engine.Scope(c.Run.RateScope),
		WarmUp:                c.Run.WarmUp,
		CoolDown:              c.Run.CoolDown,
		ResponseTimeThreshold: c.Run.ResponseTimeThreshold,
		RequestDelay:          c.Run.RequestDelay,
		Weights:               weights,
		ConnMode:              engine.ConnMode(c.Connection.Mode),
		OpsBeforeReconnect:    c.Connection.OpsBeforeReconnect,
		ReconnectBackoff:      c.Connection.ReconnectBackoff,
		ReconnectRate:         c.Connection.ReconnectRate,
		PoolScope:             engine.Scope(c.Resources.PoolScope),
		EmptyPoolPolicy:       engine.EmptyPoolPolicy(c.Resources.EmptyPoolPolicy),
		Cleanup:               c.Resources.Cleanup,
		ResourceTemplate:      c.ResourceTemplate(),
		ValueLength:           c.Resources.ValueLength,
		Seed:                  c.Run.Seed,
	}, nil
}

// ResourceTemplate returns resources.template, or the protocol's default
// when it is unset.
func (c *Config) ResourceTemplate() string {
	switch {
	case c.Resources.Template != "":
		return c.Resources.Template
	case c.Protocol == "ldap":
		return LDAPResourceTemplate
	default:
		return ResourceTemplate
	}
}

// Targets parses the target pattern, or returns nil when none is set.
func (c *Config) Targets() (*pattern.Pattern, error) {
	if c.Resources.TargetPattern == "" {
		return nil, nil
	}
	return pattern.Parse(c.Resources.TargetPattern)
}

// SQLClient returns the database client settings.
func (c *Config) SQLClient() sqlclient.Config {
	return sqlclient.Config{
		Driver:       c.Database.Driver,
		DSN:          c.Database.DSN,
		Table:        c.Database.Table,
		CreateTable:  c.Database.CreateTable,
		MaxOpenConns: c.Database.MaxOpenConns,
		QueryTimeout: c.Connection.Timeout,
		DialTimeout:  c.Connection.DialTimeout,
	}
}

// LDAPClient returns the directory client settings.
func (c *Config) LDAPClient() ldapclient.Config {
	return ldapclient.Config{
		URL:                c.LDAP.URL,
		BindDN:             c.LDAP.BindDN,
		BindPassword:       c.LDAP.BindPassword,
		StartTLS:           c.LDAP.StartTLS,
		InsecureSkipVerify: c.LDAP.InsecureSkipVerify,
		DialTimeout:        c.Connection.DialTimeout,
		Timeout:            c.Connection.Timeout,
		Attribute:          c.LDAP.Attribute,
		ObjectClasses:      c.LDAP.ObjectClasses,
		Scope:              c.LDAP.Scope,
		Filter:             c.LDAP.Filter,
		TargetPassword:     c.LDAP.TargetPassword,
	}
}

// SocketClient returns the socket client settings.
func (c *Config) SocketClient() socketclient.Config {
	return socketclient.Config{
		Address:     c.Socket.Address,
		DialTimeout: c.Connection.DialTimeout,
		Timeout:     c.Connection.Timeout,
		Secret:      c.Socket.Secret,
	}
}

// ExecJob returns the exec job settings for command.
func (c *Config) ExecJob(command []string) execjob.Config {
	return execjob.Config{
		Command:      command,
		Dir:          c.Exec.Dir,
		Env:          c.Exec.Env,
		LogOutput:    c.Exec.LogOutput,
		Duration:     c.Run.Duration,
		PollInterval: c.Exec.PollInterval,
		KillGrace:    c.Exec.KillGrace,
	}
}
