package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	goyaml "github.com/goccy/go-yaml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/haatos/hookci/internal/util"
)

var Config *Configuration

type StageTimeouts struct {
	Checkout time.Duration `koanf:"checkout" yaml:"checkout"`
	Build    time.Duration `koanf:"build"    yaml:"build"`
	Test     time.Duration `koanf:"test"     yaml:"test"`
	Scan     time.Duration `koanf:"scan"     yaml:"scan"`
}

type ScanConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"      yaml:"max_attempts"`
	Backoff          time.Duration `koanf:"backoff"           yaml:"backoff"`
	FindingExitCode  int           `koanf:"finding_exit_code" yaml:"finding_exit_code"`
	Severities       string        `koanf:"severities"        yaml:"severities"`
	ProvisionCommand string        `koanf:"provision_command" yaml:"provision_command"`
}

type SSHConfig struct {
	Host           string `koanf:"host"             yaml:"host"`
	User           string `koanf:"user"             yaml:"user"`
	PrivateKeyPath string `koanf:"private_key_path" yaml:"private_key_path"`
	Workspace      string `koanf:"workspace"        yaml:"workspace"`
}

type SandboxConfig struct {
	Runtime    string    `koanf:"runtime"     yaml:"runtime"`
	KeepImages bool      `koanf:"keep_images" yaml:"keep_images"`
	SSH        SSHConfig `koanf:"ssh"         yaml:"ssh"`
}

type ObjectStoreConfig struct {
	Endpoint  string `koanf:"endpoint"   yaml:"endpoint"`
	AccessKey string `koanf:"access_key" yaml:"access_key"`
	SecretKey string `koanf:"secret_key" yaml:"secret_key"`
	Bucket    string `koanf:"bucket"     yaml:"bucket"`
	Region    string `koanf:"region"     yaml:"region"`
	UseSSL    bool   `koanf:"use_ssl"    yaml:"use_ssl"`
}

func (c ObjectStoreConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type OAuthConfig struct {
	ClientID     string   `koanf:"client_id"     yaml:"client_id"`
	ClientSecret string   `koanf:"client_secret" yaml:"client_secret"`
	TokenURL     string   `koanf:"token_url"     yaml:"token_url"`
	Scopes       []string `koanf:"scopes"        yaml:"scopes"`
}

type PolicyConfig struct {
	ScanEnabled    bool   `koanf:"scan_enabled"    yaml:"scan_enabled"`
	TriggerBranch  string `koanf:"trigger_branch"  yaml:"trigger_branch"`
	Dockerfile     string `koanf:"dockerfile"      yaml:"dockerfile"`
	TestCommand    string `koanf:"test_command"    yaml:"test_command"`
	TestDockerfile string `koanf:"test_dockerfile" yaml:"test_dockerfile"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

type Configuration struct {
	Workdir           string            `koanf:"workdir"            yaml:"workdir"`
	WorkerCount       int               `koanf:"worker_count"       yaml:"worker_count"`
	QueueSize         int               `koanf:"queue_size"         yaml:"queue_size"`
	PollInterval      time.Duration     `koanf:"poll_interval"      yaml:"poll_interval"`
	SweepInterval     time.Duration     `koanf:"sweep_interval"     yaml:"sweep_interval"`
	StaleAfter        time.Duration     `koanf:"stale_after"        yaml:"stale_after"`
	ReportingEndpoint string            `koanf:"reporting_endpoint" yaml:"reporting_endpoint"`
	ReportingToken    string            `koanf:"reporting_token"    yaml:"reporting_token"`
	ReportingTimeout  time.Duration     `koanf:"reporting_timeout"  yaml:"reporting_timeout"`
	ReportingOAuth    OAuthConfig       `koanf:"reporting_oauth"    yaml:"reporting_oauth"`
	AllowUnregistered bool              `koanf:"allow_unregistered" yaml:"allow_unregistered"`
	AllowedCIDRs      []string          `koanf:"allowed_cidrs"      yaml:"allowed_cidrs"`
	RateLimit         float64           `koanf:"rate_limit"         yaml:"rate_limit"`
	DefaultPolicy     PolicyConfig      `koanf:"default_policy"     yaml:"default_policy"`
	StageTimeouts     StageTimeouts     `koanf:"stage_timeouts"     yaml:"stage_timeouts"`
	Scan              ScanConfig        `koanf:"scan"               yaml:"scan"`
	Sandbox           SandboxConfig     `koanf:"sandbox"            yaml:"sandbox"`
	ObjectStore       ObjectStoreConfig `koanf:"object_store"       yaml:"object_store"`
	Tracing           TracingConfig     `koanf:"tracing"            yaml:"tracing"`
}

// StandaloneMode reports whether results stay local only.
func (c *Configuration) StandaloneMode() bool {
	return strings.TrimSpace(c.ReportingEndpoint) == ""
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		Workdir:           "/var/tmp/hookci",
		WorkerCount:       2,
		QueueSize:         8,
		PollInterval:      time.Second,
		SweepInterval:     5 * time.Minute,
		StaleAfter:        3 * time.Hour,
		ReportingTimeout:  10 * time.Second,
		AllowUnregistered: true,
		RateLimit:         10,
		DefaultPolicy: PolicyConfig{
			Dockerfile: "Dockerfile",
		},
		StageTimeouts: StageTimeouts{
			Checkout: 5 * time.Minute,
			Build:    30 * time.Minute,
			Test:     30 * time.Minute,
			Scan:     30 * time.Minute,
		},
		Scan: ScanConfig{
			MaxAttempts:     3,
			Backoff:         5 * time.Second,
			FindingExitCode: 4,
			Severities:      "HIGH,CRITICAL",
		},
		Sandbox: SandboxConfig{
			Runtime: "local",
		},
	}
}

// LoadConfiguration layers defaults, the YAML file at path and HOOKCI_
// environment variables, in that order. A missing file is written with the
// defaults so operators have something to edit.
func LoadConfiguration(path string) (*Configuration, error) {
	defaults := DefaultConfiguration()

	configFileExists, _ := util.PathExists(path)
	if !configFileExists {
		b, err := goyaml.Marshal(defaults)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := k.Load(env.Provider("HOOKCI_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("read config env: %w", err)
	}

	config := defaults
	if err := k.Unmarshal("", config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// envKey maps HOOKCI_SCAN__MAX_ATTEMPTS to scan.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "HOOKCI_"))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Configuration) Validate() error {
	if c.Workdir == "" {
		return fmt.Errorf("config: workdir is required")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be at least 1, got %d", c.WorkerCount)
	}
	if c.QueueSize < c.WorkerCount {
		c.QueueSize = c.WorkerCount
	}
	if c.Scan.MaxAttempts < 1 {
		c.Scan.MaxAttempts = 1
	}
	if longest := c.MaxJobDuration(); c.StaleAfter <= longest {
		return fmt.Errorf(
			"config: stale_after %s must exceed the longest possible job duration %s",
			c.StaleAfter, longest,
		)
	}
	switch c.Sandbox.Runtime {
	case "local":
	case "ssh":
		if c.Sandbox.SSH.Host == "" || c.Sandbox.SSH.PrivateKeyPath == "" {
			return fmt.Errorf("config: ssh sandbox requires sandbox.ssh.host and sandbox.ssh.private_key_path")
		}
	default:
		return fmt.Errorf("config: unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	return nil
}

// MaxJobDuration is the longest a job may legitimately run: every stage
// timeout, each scan attempt and the backoff between them.
func (c *Configuration) MaxJobDuration() time.Duration {
	t := c.StageTimeouts
	attempts := max(c.Scan.MaxAttempts, 1)
	d := t.Checkout + t.Build + t.Test + time.Duration(attempts)*t.Scan
	wait := c.Scan.Backoff
	for range attempts - 1 {
		d += wait
		wait *= 2
	}
	return d
}

func InitializeConfiguration(path string) error {
	config, err := LoadConfiguration(path)
	if err != nil {
		return err
	}
	Config = config
	return nil
}
