package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/rivet/internal/rivet/sandbox"
)

const (
	DefaultMaxArtifactRetries = 5
	DefaultMaxTestRetries     = 5
	DefaultAPIKeyEnv          = "RIVET_LLM_API_KEY"
	DefaultModel              = "gpt-4o-mini"
	DefaultOutputDir          = "./output"
)

type LLMConfig struct {
	Provider          string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	BaseURL           string   `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	Model             string   `json:"model,omitempty" yaml:"model,omitempty"`
	APIKeyEnv         string   `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	RequestsPerMinute int      `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty" validate:"gte=0"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
}

type RetryConfig struct {
	Artifact *int `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Tests    *int `json:"tests,omitempty" yaml:"tests,omitempty"`
}

type SandboxConfig struct {
	Image        string   `json:"image,omitempty" yaml:"image,omitempty"`
	Packages     []string `json:"packages,omitempty" yaml:"packages,omitempty"`
	TimeoutMS    int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	DockerBinary string   `json:"docker_binary,omitempty" yaml:"docker_binary,omitempty"`
	Workdir      string   `json:"workdir,omitempty" yaml:"workdir,omitempty" validate:"omitempty,startswith=/"`
	Network      string   `json:"network,omitempty" yaml:"network,omitempty"`
}

type OutputConfig struct {
	Dir      string `json:"dir,omitempty" yaml:"dir,omitempty"`
	RunsRoot string `json:"runs_root,omitempty" yaml:"runs_root,omitempty"`
}

type HistoryConfig struct {
	DBPath   string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type PublishConfig struct {
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_with=Bucket"`
	Bucket       string `json:"bucket,omitempty" yaml:"bucket,omitempty" validate:"required_with=Endpoint"`
	Prefix       string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyEnv string `json:"access_key_env,omitempty" yaml:"access_key_env,omitempty"`
	SecretKeyEnv string `json:"secret_key_env,omitempty" yaml:"secret_key_env,omitempty"`
	UseSSL       bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
}

type TelemetryConfig struct {
	LogLevel    string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogFormat   string `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,oneof=json text"`
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	TraceStdout bool   `json:"trace_stdout,omitempty" yaml:"trace_stdout,omitempty"`
}

type RunConfigFile struct {
	Version   int             `json:"version" yaml:"version"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Retries   RetryConfig     `json:"retries" yaml:"retries"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Output    OutputConfig    `json:"output" yaml:"output"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Publish   PublishConfig   `json:"publish" yaml:"publish"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// LoadRunConfigFile reads a .json or YAML config. Unknown fields are errors.
func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultRunConfig is the configuration used when no file is given.
func DefaultRunConfig() *RunConfigFile {
	cfg := &RunConfigFile{}
	applyConfigDefaults(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.LLM.Provider = strings.ToLower(firstNonEmpty(cfg.LLM.Provider, "openai"))
	cfg.LLM.Model = firstNonEmpty(cfg.LLM.Model, DefaultModel)
	cfg.LLM.APIKeyEnv = firstNonEmpty(cfg.LLM.APIKeyEnv, DefaultAPIKeyEnv)
	cfg.LLM.BaseURL = strings.TrimSpace(cfg.LLM.BaseURL)
	if cfg.Retries.Artifact == nil {
		n := DefaultMaxArtifactRetries
		cfg.Retries.Artifact = &n
	}
	if cfg.Retries.Tests == nil {
		n := DefaultMaxTestRetries
		cfg.Retries.Tests = &n
	}
	cfg.Sandbox.Image = firstNonEmpty(cfg.Sandbox.Image, sandbox.DefaultImage)
	cfg.Sandbox.Packages = trimNonEmpty(cfg.Sandbox.Packages)
	if len(cfg.Sandbox.Packages) == 0 {
		cfg.Sandbox.Packages = append([]string(nil), sandbox.DefaultPackages...)
	}
	if cfg.Sandbox.TimeoutMS == 0 {
		cfg.Sandbox.TimeoutMS = int(sandbox.DefaultTimeout / time.Millisecond)
	}
	cfg.Sandbox.DockerBinary = firstNonEmpty(cfg.Sandbox.DockerBinary, "docker")
	cfg.Sandbox.Workdir = firstNonEmpty(cfg.Sandbox.Workdir, sandbox.DefaultWorkdir)
	cfg.Output.Dir = firstNonEmpty(cfg.Output.Dir, DefaultOutputDir)
	cfg.Output.RunsRoot = strings.TrimSpace(cfg.Output.RunsRoot)
	cfg.Telemetry.LogLevel = strings.ToLower(firstNonEmpty(cfg.Telemetry.LogLevel, "info"))
	cfg.Telemetry.LogFormat = strings.ToLower(firstNonEmpty(cfg.Telemetry.LogFormat, "text"))
	cfg.Publish.AccessKeyEnv = firstNonEmpty(cfg.Publish.AccessKeyEnv, "RIVET_PUBLISH_ACCESS_KEY")
	cfg.Publish.SecretKeyEnv = firstNonEmpty(cfg.Publish.SecretKeyEnv, "RIVET_PUBLISH_SECRET_KEY")
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.LLM.Provider != "openai" {
		return fmt.Errorf("invalid llm.provider: %q (want openai)", cfg.LLM.Provider)
	}
	if cfg.Retries.Artifact != nil && *cfg.Retries.Artifact < 0 {
		return fmt.Errorf("retries.artifact must be >= 0")
	}
	if cfg.Retries.Tests != nil && *cfg.Retries.Tests < 0 {
		return fmt.Errorf("retries.tests must be >= 0")
	}
	if cfg.Sandbox.TimeoutMS < 0 {
		return fmt.Errorf("sandbox.timeout_ms must be >= 0")
	}
	if err := configValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", configFieldPath(fe.Namespace()), fe.Tag())
		}
		return err
	}
	return nil
}

// configFieldPath turns "RunConfigFile.Telemetry.LogLevel" into
// "telemetry.log_level".
func configFieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snakeCase(p)
	}
	return strings.Join(parts, ".")
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MaxArtifactRetries returns the configured artifact-fix ceiling.
func (c *RunConfigFile) MaxArtifactRetries() int {
	if c == nil || c.Retries.Artifact == nil {
		return DefaultMaxArtifactRetries
	}
	return *c.Retries.Artifact
}

func (c *RunConfigFile) MaxTestRetries() int {
	if c == nil || c.Retries.Tests == nil {
		return DefaultMaxTestRetries
	}
	return *c.Retries.Tests
}

func (c *RunConfigFile) SandboxTimeout() time.Duration {
	if c == nil || c.Sandbox.TimeoutMS <= 0 {
		return sandbox.DefaultTimeout
	}
	return time.Duration(c.Sandbox.TimeoutMS) * time.Millisecond
}

// APIKey resolves the LLM key from llm.api_key_env, then OPENAI_API_KEY.
func (c *RunConfigFile) APIKey() string {
	env := DefaultAPIKeyEnv
	if c != nil && c.LLM.APIKeyEnv != "" {
		env = c.LLM.APIKeyEnv
	}
	return firstNonEmpty(os.Getenv(env), os.Getenv("OPENAI_API_KEY"))
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
