package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Agent     AgentConfig     `yaml:"agent"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the HTTP/WebSocket server configuration
type ServerConfig struct {
	Port       int    `yaml:"port"`
	Address    string `yaml:"address"`
	PublicHost string `yaml:"public_host"` // externally reachable host used in call-control URLs
	StreamPath string `yaml:"stream_path"` // media-stream WebSocket endpoint path
}

// AudioConfig contains transcoding parameters
type AudioConfig struct {
	TelephonySampleRate int `yaml:"telephony_sample_rate"` // narrowband rate, must be 8000
	AgentInputRate      int `yaml:"agent_input_rate"`      // PCM rate sent to the agent
	AgentOutputRate     int `yaml:"agent_output_rate"`     // PCM rate received from the agent
	MinFrameBytes       int `yaml:"min_frame_bytes"`       // resampled frames below this are dropped
}

// SessionConfig contains relay session parameters
type SessionConfig struct {
	KeepaliveInterval int `yaml:"keepalive_interval"` // seconds between telephony liveness pings
	AgentDialTimeout  int `yaml:"agent_dial_timeout"` // seconds allowed for the agent socket to connect
}

// AgentConfig contains the conversational agent endpoint configuration
type AgentConfig struct {
	URL     string `yaml:"url"`
	AgentID string `yaml:"agent_id"`
	APIKey  string `yaml:"api_key"`
}

// TelephonyConfig contains the telephony provider REST configuration used
// for call origination and hangup
type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	APIBaseURL string `yaml:"api_base_url"`
	Timeout    int    `yaml:"timeout"`     // seconds per REST request
	MaxRetries int    `yaml:"max_retries"` // retry budget for retryable REST failures
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, applies environment
// overrides for credentials, and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets credentials come from the environment so they stay
// out of the config file
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENT_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		c.Agent.AgentID = v
	}
	if v := os.Getenv("TELEPHONY_ACCOUNT_SID"); v != "" {
		c.Telephony.AccountSID = v
	}
	if v := os.Getenv("TELEPHONY_AUTH_TOKEN"); v != "" {
		c.Telephony.AuthToken = v
	}
}

// applyDefaults fills unset optional fields
func (c *Config) applyDefaults() {
	if c.Server.StreamPath == "" {
		c.Server.StreamPath = "/ws/agent"
	}
	if c.Audio.MinFrameBytes == 0 {
		c.Audio.MinFrameBytes = 100
	}
	if c.Session.KeepaliveInterval == 0 {
		c.Session.KeepaliveInterval = 10
	}
	if c.Session.AgentDialTimeout == 0 {
		c.Session.AgentDialTimeout = 10
	}
	if c.Telephony.APIBaseURL == "" {
		c.Telephony.APIBaseURL = "https://api.twilio.com/2010-04-01"
	}
	if c.Telephony.Timeout == 0 {
		c.Telephony.Timeout = 15
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	if err := c.Telephony.Validate(); err != nil {
		return fmt.Errorf("telephony config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if s.PublicHost == "" {
		return fmt.Errorf("public_host cannot be empty")
	}
	if !strings.HasPrefix(s.StreamPath, "/") {
		return fmt.Errorf("stream_path must start with '/', got %q", s.StreamPath)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.TelephonySampleRate != 8000 {
		return fmt.Errorf("telephony_sample_rate must be 8000 Hz for the media-stream protocol, got %d", a.TelephonySampleRate)
	}
	if a.AgentInputRate != 16000 {
		return fmt.Errorf("agent_input_rate must be 16000 Hz, got %d", a.AgentInputRate)
	}
	if a.AgentOutputRate < 16000 || a.AgentOutputRate > 24000 {
		return fmt.Errorf("agent_output_rate must be between 16000 and 24000 Hz, got %d", a.AgentOutputRate)
	}
	if a.MinFrameBytes < 0 {
		return fmt.Errorf("min_frame_bytes cannot be negative, got %d", a.MinFrameBytes)
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.KeepaliveInterval < 1 {
		return fmt.Errorf("keepalive_interval must be at least 1 second, got %d", s.KeepaliveInterval)
	}
	if s.AgentDialTimeout < 1 {
		return fmt.Errorf("agent_dial_timeout must be at least 1 second, got %d", s.AgentDialTimeout)
	}
	return nil
}

// Validate validates agent configuration
func (a *AgentConfig) Validate() error {
	if a.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if !strings.HasPrefix(a.URL, "ws://") && !strings.HasPrefix(a.URL, "wss://") {
		return fmt.Errorf("url must be a ws:// or wss:// endpoint, got %q", a.URL)
	}
	if a.AgentID == "" {
		return fmt.Errorf("agent_id cannot be empty")
	}
	return nil
}

// Validate validates telephony configuration
func (t *TelephonyConfig) Validate() error {
	if t.AccountSID == "" {
		return fmt.Errorf("account_sid cannot be empty")
	}
	if t.AuthToken == "" {
		return fmt.Errorf("auth_token cannot be empty")
	}
	if t.FromNumber == "" {
		return fmt.Errorf("from_number cannot be empty")
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetKeepaliveInterval returns the keepalive interval as a time.Duration
func (s *SessionConfig) GetKeepaliveInterval() time.Duration {
	return time.Duration(s.KeepaliveInterval) * time.Second
}

// GetAgentDialTimeout returns the agent dial timeout as a time.Duration
func (s *SessionConfig) GetAgentDialTimeout() time.Duration {
	return time.Duration(s.AgentDialTimeout) * time.Second
}

// GetTimeoutDuration returns the telephony REST timeout as a time.Duration
func (t *TelephonyConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
