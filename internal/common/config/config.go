// Package config provides configuration management for Runbox.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Runbox.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	AgentAPI AgentAPIConfig `mapstructure:"agentapi"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Skills   SkillsConfig   `mapstructure:"skills"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP configuration for the tool and prompt server.
// There is no write timeout knob: SSE responses are open-ended.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"read_timeout"` // header read bound, in seconds
}

// AgentAPIConfig holds configuration for the OpenAI-compatible agent bridge.
type AgentAPIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// MCPServerURL is the streamable HTTP endpoint of the tool server.
	MCPServerURL string `mapstructure:"mcp_server_url"`

	// MCPHealthURL is probed by the bridge's own health endpoint.
	MCPHealthURL string `mapstructure:"mcp_health_url"`

	// DefaultModel is the provider-qualified model identifier, e.g.
	// "anthropic/claude-sonnet-4-5-20250929".
	DefaultModel string `mapstructure:"default_model"`

	// ModelBaseURL overrides the upstream completion endpoint. Empty means
	// the client library default.
	ModelBaseURL string `mapstructure:"model_base_url"`

	// ModelAPIKey authenticates against the upstream model endpoint.
	ModelAPIKey string `mapstructure:"model_api_key"`

	AgentName string `mapstructure:"agent_name"`

	// SystemPrompt is the static fallback used when the tool server's
	// prompt endpoint is unreachable.
	SystemPrompt string `mapstructure:"system_prompt"`

	SessionTimeout     int     `mapstructure:"session_timeout"`      // in seconds
	PromptCacheTTL     int     `mapstructure:"prompt_cache_ttl"`     // in seconds
	PromptFetchTimeout int     `mapstructure:"prompt_fetch_timeout"` // in seconds
	MaxTokens          int     `mapstructure:"max_tokens"`
	Temperature        float32 `mapstructure:"temperature"`
	MaxToolRounds      int     `mapstructure:"max_tool_rounds"`
}

// ExecutorConfig holds Docker executor configuration.
type ExecutorConfig struct {
	// Host is the Docker daemon address. Empty means resolve from the
	// environment (DOCKER_HOST or the default socket).
	Host string `mapstructure:"docker_host"`

	// Image is the executor container image. It is never pulled implicitly.
	Image string `mapstructure:"image"`

	ToolsPath  string `mapstructure:"tools_path"`
	SkillsPath string `mapstructure:"skills_path"`

	// ExecUser is the non-root user commands run as inside the container.
	ExecUser string `mapstructure:"exec_user"`

	DefaultTimeout    int   `mapstructure:"default_timeout"` // in seconds
	ArtifactSizeLimit int64 `mapstructure:"artifact_size_limit"`

	StopTimeout       int  `mapstructure:"stop_timeout"`        // in seconds
	RemoveStopTimeout int  `mapstructure:"remove_stop_timeout"` // in seconds
	OrphanCleanup     bool `mapstructure:"orphan_cleanup"`
}

// SkillsConfig holds the host-side skill registry configuration.
type SkillsConfig struct {
	// Path is the directory scanned for skill packages. It is the same tree
	// the executor mounts read-only at /skills.
	Path string `mapstructure:"path"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// NATSURL is the NATS server address. Empty means use the in-memory bus.
	NATSURL string `mapstructure:"nats_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Addr returns the listen address in host:port form.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// Addr returns the listen address in host:port form.
func (a *AgentAPIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// SessionTimeoutDuration returns the session idle timeout as a time.Duration.
func (a *AgentAPIConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(a.SessionTimeout) * time.Second
}

// PromptCacheTTLDuration returns the prompt cache TTL as a time.Duration.
func (a *AgentAPIConfig) PromptCacheTTLDuration() time.Duration {
	return time.Duration(a.PromptCacheTTL) * time.Second
}

// PromptFetchTimeoutDuration returns the prompt fetch timeout as a time.Duration.
func (a *AgentAPIConfig) PromptFetchTimeoutDuration() time.Duration {
	return time.Duration(a.PromptFetchTimeout) * time.Second
}

// ModelOwner returns the provider part of the default model identifier,
// e.g. "anthropic" for "anthropic/claude-sonnet-4-5-20250929".
func (a *AgentAPIConfig) ModelOwner() string {
	if a.DefaultModel == "" {
		return "unknown"
	}
	if idx := strings.Index(a.DefaultModel, "/"); idx > 0 {
		return a.DefaultModel[:idx]
	}
	return "unknown"
}

// DefaultTimeoutDuration returns the default exec timeout as a time.Duration.
func (e *ExecutorConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(e.DefaultTimeout) * time.Second
}

// StopTimeoutDuration returns the container stop grace period as a time.Duration.
func (e *ExecutorConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(e.StopTimeout) * time.Second
}

// RemoveStopTimeoutDuration returns the stop grace period used before removal.
func (e *ExecutorConfig) RemoveStopTimeoutDuration() time.Duration {
	return time.Duration(e.RemoveStopTimeout) * time.Second
}

// defaultSystemPrompt is served to the model when the tool server's prompt
// endpoint cannot be reached, so the agent keeps working without the live
// skill catalog.
const defaultSystemPrompt = `You are a code execution assistant with access to secure Docker containers.

You can:
- Execute bash commands and Python scripts
- Write files to the workspace
- Read file contents with pagination
- Inspect function documentation

Guidelines:
- Always validate user code before execution
- Use appropriate timeouts for long-running tasks
- Handle errors gracefully and provide clear feedback
- Keep the workspace organized

Available tools:
- execute_bash: Run commands in isolated container
- write_file: Create/overwrite files in workspace
- read_file: Read file contents (supports pagination)
- read_docstring: Extract function documentation

Be helpful, secure, and efficient!`

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RUNBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Tool server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8989)
	v.SetDefault("server.read_timeout", 30)

	// Agent bridge defaults
	v.SetDefault("agentapi.host", "0.0.0.0")
	v.SetDefault("agentapi.port", 8000)
	v.SetDefault("agentapi.mcp_server_url", "http://localhost:8989/mcp")
	v.SetDefault("agentapi.mcp_health_url", "http://localhost:8989/health")
	v.SetDefault("agentapi.default_model", "anthropic/claude-sonnet-4-5-20250929")
	v.SetDefault("agentapi.model_base_url", "")
	v.SetDefault("agentapi.model_api_key", "")
	v.SetDefault("agentapi.agent_name", "code_executor_agent")
	v.SetDefault("agentapi.system_prompt", defaultSystemPrompt)
	v.SetDefault("agentapi.session_timeout", 3600)
	v.SetDefault("agentapi.prompt_cache_ttl", 3600)
	v.SetDefault("agentapi.prompt_fetch_timeout", 10)
	v.SetDefault("agentapi.max_tokens", 4096)
	v.SetDefault("agentapi.temperature", 0.7)
	v.SetDefault("agentapi.max_tool_rounds", 10)

	// Executor defaults - empty docker_host means resolve from environment
	v.SetDefault("executor.docker_host", "")
	v.SetDefault("executor.image", "runbox-executor:latest")
	v.SetDefault("executor.tools_path", "./tools")
	v.SetDefault("executor.skills_path", "./skills")
	v.SetDefault("executor.exec_user", "coderunner")
	v.SetDefault("executor.default_timeout", 30)
	v.SetDefault("executor.artifact_size_limit", 50*1024*1024)
	v.SetDefault("executor.stop_timeout", 10)
	v.SetDefault("executor.remove_stop_timeout", 30)
	v.SetDefault("executor.orphan_cleanup", true)

	// Skill registry defaults
	v.SetDefault("skills.path", "./skills")

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.nats_url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNBOX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/runbox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed aliases kept for parity with the standalone service
	// deployments, where these names predate the RUNBOX_ prefix.
	_ = v.BindEnv("agentapi.mcp_server_url", "MCP_SERVER_URL", "RUNBOX_AGENTAPI_MCP_SERVER_URL")
	_ = v.BindEnv("agentapi.mcp_health_url", "MCP_HEALTH_URL", "RUNBOX_AGENTAPI_MCP_HEALTH_URL")
	_ = v.BindEnv("agentapi.default_model", "DEFAULT_MODEL", "RUNBOX_AGENTAPI_DEFAULT_MODEL")
	_ = v.BindEnv("agentapi.model_base_url", "MODEL_BASE_URL", "RUNBOX_AGENTAPI_MODEL_BASE_URL")
	_ = v.BindEnv("agentapi.model_api_key", "MODEL_API_KEY", "OPENAI_API_KEY", "RUNBOX_AGENTAPI_MODEL_API_KEY")
	_ = v.BindEnv("agentapi.system_prompt", "SYSTEM_PROMPT", "RUNBOX_AGENTAPI_SYSTEM_PROMPT")
	_ = v.BindEnv("executor.docker_host", "DOCKER_HOST", "RUNBOX_EXECUTOR_DOCKER_HOST")
	_ = v.BindEnv("executor.image", "EXECUTOR_IMAGE", "RUNBOX_EXECUTOR_IMAGE")
	_ = v.BindEnv("executor.tools_path", "TOOLS_PATH", "RUNBOX_EXECUTOR_TOOLS_PATH")
	_ = v.BindEnv("executor.skills_path", "SKILLS_PATH", "RUNBOX_EXECUTOR_SKILLS_PATH")
	_ = v.BindEnv("skills.path", "SKILLS_PATH", "RUNBOX_SKILLS_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/runbox/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.AgentAPI.Port <= 0 || cfg.AgentAPI.Port > 65535 {
		errs = append(errs, "agentapi.port must be between 1 and 65535")
	}

	if cfg.AgentAPI.MCPServerURL == "" {
		errs = append(errs, "agentapi.mcp_server_url is required")
	}
	if cfg.AgentAPI.DefaultModel == "" {
		errs = append(errs, "agentapi.default_model is required")
	}
	if cfg.AgentAPI.SessionTimeout <= 0 {
		errs = append(errs, "agentapi.session_timeout must be positive")
	}
	if cfg.AgentAPI.MaxToolRounds <= 0 {
		errs = append(errs, "agentapi.max_tool_rounds must be positive")
	}

	if cfg.Executor.Image == "" {
		errs = append(errs, "executor.image is required")
	}
	if cfg.Executor.ExecUser == "" {
		errs = append(errs, "executor.exec_user is required")
	}
	if cfg.Executor.DefaultTimeout <= 0 {
		errs = append(errs, "executor.default_timeout must be positive")
	}
	if cfg.Executor.ArtifactSizeLimit <= 0 {
		errs = append(errs, "executor.artifact_size_limit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
