package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultNamespace is the default Kubernetes namespace for the demo services.
	DefaultNamespace = "default"

	// DefaultRemoteCoverDir is the in-pod directory instrumented services
	// flush their counters to (the value of GOCOVERDIR in the manifests).
	DefaultRemoteCoverDir = "/coverage"

	// DefaultStagingDir is the local aggregation area for retrieved counter files.
	DefaultStagingDir = "./coverage-data"

	// DefaultReportsDir is where rendered reports are written.
	DefaultReportsDir = "./reports"

	// DefaultFlushSignal is the signal that triggers a counter flush in
	// instrumented services.
	DefaultFlushSignal = "USR1"

	// DefaultSettleTimeout bounds the post-signal wait for the flush to land.
	DefaultSettleTimeout = 15 * time.Second

	// DefaultPollInterval is the interval between flush-completion polls.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultSettleDelay is the legacy blind wait used when the remote
	// directory cannot be polled.
	DefaultSettleDelay = 4 * time.Second

	// DefaultJaegerURL is the default Jaeger Query API base URL.
	DefaultJaegerURL = "http://localhost:16686"

	// DefaultQueryService is the trace service name the test client emits
	// its spans under.
	DefaultQueryService = "test-framework"

	// DefaultTraceTimeout bounds each request to the tracing backend.
	DefaultTraceTimeout = 30 * time.Second

	// DefaultTimeBuffer widens narrow collection windows to tolerate span
	// indexing delay and clock skew between the test runner and the cluster.
	DefaultTimeBuffer = 30 * time.Second

	// DefaultTraceLimit caps the number of traces fetched per query.
	DefaultTraceLimit = 1000

	// DefaultGRPCPackage is the protobuf package prefix of the demo's gRPC
	// services, used to reattribute client spans to backend services.
	DefaultGRPCPackage = "hipstershop"
)

// Config is the root configuration for coveragoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Coverage CoverageConfig `yaml:"coverage"`
	Trace    TraceConfig    `yaml:"trace"`
	Report   ReportConfig   `yaml:"report"`
	API      *APIConfig     `yaml:"api,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// CoverageConfig contains counter collection settings.
type CoverageConfig struct {
	Namespace      string          `yaml:"namespace"`
	Kubeconfig     string          `yaml:"kubeconfig,omitempty"`
	RemoteCoverDir string          `yaml:"remote_coverdir"`
	StagingDir     string          `yaml:"staging_dir"`
	Signal         string          `yaml:"signal"`
	SettleTimeout  time.Duration   `yaml:"settle_timeout"`
	PollInterval   time.Duration   `yaml:"poll_interval"`
	SettleDelay    time.Duration   `yaml:"settle_delay"`
	Parallel       bool            `yaml:"parallel"`
	Services       []ServiceConfig `yaml:"services"`
}

// ServiceConfig describes one instrumented service.
type ServiceConfig struct {
	// Name is the logical service name, also used to namespace the local
	// aggregation directory.
	Name string `yaml:"name"`

	// Selector is the pod label selector that resolves the service to a
	// running instance. Defaults to "app=<name>".
	Selector string `yaml:"selector,omitempty"`

	// SourceDir is the local checkout of the service's source tree, used
	// for annotated report rendering. Optional; without it only the
	// percentage summary is produced.
	SourceDir string `yaml:"source_dir,omitempty"`

	// Methods lists the service's known gRPC methods
	// (e.g. "hipstershop.CartService/AddItem"). Methods never seen in a
	// trace are reported covered=false, so this list fixes the
	// denominator of the method coverage percentage.
	Methods []string `yaml:"methods,omitempty"`
}

// TraceConfig contains tracing backend query settings.
type TraceConfig struct {
	JaegerURL        string        `yaml:"jaeger_url"`
	QueryService     string        `yaml:"query_service"`
	Timeout          time.Duration `yaml:"timeout"`
	TimeBuffer       time.Duration `yaml:"time_buffer"`
	Limit            int           `yaml:"limit"`
	GRPCPackage      string        `yaml:"grpc_package"`
	IgnoreServices   []string      `yaml:"ignore_services,omitempty"`
	IgnoreOperations []string      `yaml:"ignore_operations,omitempty"`
}

// ReportConfig contains report output settings.
type ReportConfig struct {
	Dir string `yaml:"dir"`

	// Owner is an optional "UID:GID" applied to written reports, for
	// runs executed as root inside a container.
	Owner string `yaml:"owner,omitempty"`

	Store  *StoreConfig    `yaml:"store,omitempty"`
	Upload *S3UploadConfig `yaml:"upload,omitempty"`
}

// StoreConfig contains run index database settings.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// S3UploadConfig contains S3-compatible report upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty"`
	ACL             string `yaml:"acl,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Coverage.Namespace == "" {
		c.Coverage.Namespace = DefaultNamespace
	}

	if c.Coverage.RemoteCoverDir == "" {
		c.Coverage.RemoteCoverDir = DefaultRemoteCoverDir
	}

	if c.Coverage.StagingDir == "" {
		c.Coverage.StagingDir = DefaultStagingDir
	}

	if c.Coverage.Signal == "" {
		c.Coverage.Signal = DefaultFlushSignal
	}

	if c.Coverage.SettleTimeout == 0 {
		c.Coverage.SettleTimeout = DefaultSettleTimeout
	}

	if c.Coverage.PollInterval == 0 {
		c.Coverage.PollInterval = DefaultPollInterval
	}

	if c.Coverage.SettleDelay == 0 {
		c.Coverage.SettleDelay = DefaultSettleDelay
	}

	for i := range c.Coverage.Services {
		if c.Coverage.Services[i].Selector == "" {
			c.Coverage.Services[i].Selector = "app=" + c.Coverage.Services[i].Name
		}
	}

	if c.Trace.JaegerURL == "" {
		c.Trace.JaegerURL = DefaultJaegerURL
	}

	if c.Trace.QueryService == "" {
		c.Trace.QueryService = DefaultQueryService
	}

	if c.Trace.Timeout == 0 {
		c.Trace.Timeout = DefaultTraceTimeout
	}

	if c.Trace.TimeBuffer == 0 {
		c.Trace.TimeBuffer = DefaultTimeBuffer
	}

	if c.Trace.Limit == 0 {
		c.Trace.Limit = DefaultTraceLimit
	}

	if c.Trace.GRPCPackage == "" {
		c.Trace.GRPCPackage = DefaultGRPCPackage
	}

	if c.Report.Dir == "" {
		c.Report.Dir = DefaultReportsDir
	}

	if c.API != nil {
		c.API.applyDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Coverage.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}

	seenNames := make(map[string]struct{}, len(c.Coverage.Services))

	for i, svc := range c.Coverage.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}

		if _, exists := seenNames[svc.Name]; exists {
			return fmt.Errorf("service %d: duplicate name %q", i, svc.Name)
		}

		seenNames[svc.Name] = struct{}{}
	}

	if !strings.HasPrefix(c.Trace.JaegerURL, "http://") &&
		!strings.HasPrefix(c.Trace.JaegerURL, "https://") {
		return fmt.Errorf("trace.jaeger_url must be an http(s) URL, got %q", c.Trace.JaegerURL)
	}

	if c.Report.Store != nil {
		switch c.Report.Store.Driver {
		case "sqlite":
			if c.Report.Store.SQLite.Path == "" {
				return fmt.Errorf("report.store.sqlite.path is required for the sqlite driver")
			}
		case "postgres":
			if c.Report.Store.Postgres.Host == "" {
				return fmt.Errorf("report.store.postgres.host is required for the postgres driver")
			}
		default:
			return fmt.Errorf("unsupported report.store.driver %q (use \"sqlite\" or \"postgres\")", c.Report.Store.Driver)
		}
	}

	if c.Report.Upload != nil && c.Report.Upload.Enabled && c.Report.Upload.Bucket == "" {
		return fmt.Errorf("report.upload.bucket is required when upload is enabled")
	}

	return nil
}

// ValidateAPI checks the API section of the configuration.
func (c *Config) ValidateAPI() error {
	if c.API == nil {
		return fmt.Errorf("api section is required")
	}

	if c.API.Server.Listen == "" {
		return fmt.Errorf("api.server.listen is required")
	}

	if c.API.Auth.Basic.Enabled && len(c.API.Auth.Basic.Users) == 0 {
		return fmt.Errorf("api.auth.basic is enabled but no users are configured")
	}

	for i, u := range c.API.Auth.Basic.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("api.auth.basic.users[%d]: username and password_hash are required", i)
		}
	}

	return nil
}

// Service returns the configuration for the named service, or nil.
func (c *Config) Service(name string) *ServiceConfig {
	for i := range c.Coverage.Services {
		if c.Coverage.Services[i].Name == name {
			return &c.Coverage.Services[i]
		}
	}

	return nil
}

// ServiceNames returns the configured service names in order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Coverage.Services))
	for _, svc := range c.Coverage.Services {
		names = append(names, svc.Name)
	}

	return names
}
