// Package config holds the environment-driven configuration for forgeloop.
// Each subsystem gets its own struct with a Default constructor; LoadFromEnv
// overlays process environment values on top of the defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SandboxConfig controls the remote container pool.
type SandboxConfig struct {
	// VPSHost is the remote engine host reached over SSH.
	VPSHost string
	// VPSUser is the SSH login user.
	VPSUser string
	// VPSSSHKey is the path to the private key file.
	VPSSSHKey string

	// MaxConcurrentContainers is the global cap of running containers.
	// Creation requests beyond the cap queue FIFO.
	MaxConcurrentContainers int

	// CPULimit, MemoryLimit and DiskLimit are passed to the container
	// engine verbatim ("1", "2g", "10g").
	CPULimit    string
	MemoryLimit string
	DiskLimit   string

	// MaxExecutionTime is the hard lifetime of a container. Containers
	// older than this (plus ReaperGrace) are force-destroyed.
	MaxExecutionTime time.Duration
	// ReaperInterval is how often the stale-container reaper runs.
	ReaperInterval time.Duration
	// ReaperGrace is the slack added to MaxExecutionTime before the
	// reaper considers a container stale.
	ReaperGrace time.Duration

	// CreateQueueCap bounds the FIFO creation queue. Requests beyond the
	// cap fail fast with ErrQueueFull.
	CreateQueueCap int

	// Per-invocation transport timeouts.
	CommandTimeout  time.Duration
	CreateTimeout   time.Duration
	SnapshotTimeout time.Duration
	InstallTimeout  time.Duration
}

// ChatConfig configures the OpenAI-compatible chat-completions provider.
type ChatConfig struct {
	// PrimaryURL is the preferred endpoint (typically GPU-backed).
	PrimaryURL string
	// PrimaryKey is the bearer token for the primary endpoint. May be empty.
	PrimaryKey string
	// FallbackURL is tried when the primary fails. No auth.
	FallbackURL string

	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	StreamTimeout   time.Duration
}

// BotConfig configures the polling conversational provider.
type BotConfig struct {
	BaseURL string
	Secret  string
	// UserID identifies our own activities so replies can be told apart.
	UserID string
	// Model is the fixed model identifier reported in results.
	Model string

	// ConversationTTL is how long a conversation is reused before a fresh
	// one is created.
	ConversationTTL time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration
}

// GatewayConfig configures routing and the bounded invocation queue.
type GatewayConfig struct {
	// Concurrency is the number of chat-provider invocations allowed in
	// flight at once.
	Concurrency int
	// QueueCap bounds the pending queue; beyond it requests fail fast.
	QueueCap int
	// WaitAlertThreshold triggers a logged alert when a queued request
	// waits longer than this.
	WaitAlertThreshold time.Duration

	// Model identifiers used by adaptive selection.
	LargeModel string
	MidModel   string
	SmallModel string
	FixerModel string
}

// OrchestratorConfig configures the per-session build workflow.
type OrchestratorConfig struct {
	MaxIterations        int
	MaxOrchestrationTime time.Duration
}

// SessionConfig configures the in-memory session store.
type SessionConfig struct {
	// TTL evicts sessions this long after their last activity.
	TTL time.Duration
	// SweepInterval is how often expired sessions are collected.
	SweepInterval time.Duration
	// HistoryLimit caps conversation history; on exceed the history is
	// trimmed down to the HistoryKeep most recent messages.
	HistoryLimit int
	HistoryKeep  int
}

// Config is the root configuration.
type Config struct {
	HTTPPort     string
	Sandbox      *SandboxConfig
	Chat         *ChatConfig
	Bot          *BotConfig
	Gateway      *GatewayConfig
	Orchestrator *OrchestratorConfig
	Session      *SessionConfig
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort: "8080",
		Sandbox: &SandboxConfig{
			MaxConcurrentContainers: 3,
			CPULimit:                "1",
			MemoryLimit:             "2g",
			DiskLimit:               "10g",
			MaxExecutionTime:        15 * time.Minute,
			ReaperInterval:          5 * time.Minute,
			ReaperGrace:             60 * time.Second,
			CreateQueueCap:          64,
			CommandTimeout:          30 * time.Second,
			CreateTimeout:           60 * time.Second,
			SnapshotTimeout:         120 * time.Second,
			InstallTimeout:          10 * time.Minute,
		},
		Chat: &ChatConfig{
			PrimaryTimeout:  120 * time.Second,
			FallbackTimeout: 600 * time.Second,
			StreamTimeout:   900 * time.Second,
		},
		Bot: &BotConfig{
			UserID:          "forgeloop-orchestrator",
			Model:           "bot-default",
			ConversationTTL: 25 * time.Minute,
			PollInterval:    500 * time.Millisecond,
			PollTimeout:     60 * time.Second,
		},
		Gateway: &GatewayConfig{
			Concurrency:        2,
			QueueCap:           64,
			WaitAlertThreshold: 120 * time.Second,
			LargeModel:         "qwen2.5-coder-32b",
			MidModel:           "qwen2.5-coder-14b",
			SmallModel:         "qwen2.5-coder-7b",
			FixerModel:         "qwen2.5-coder-7b",
		},
		Orchestrator: &OrchestratorConfig{
			MaxIterations:        5,
			MaxOrchestrationTime: 15 * time.Minute,
		},
		Session: &SessionConfig{
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
			HistoryLimit:  20,
			HistoryKeep:   16,
		},
	}
}

// LoadFromEnv returns the default configuration overlaid with environment
// values. It fails only on values that parse but make no sense (non-positive
// caps), never on absent variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)

	sb := cfg.Sandbox
	sb.VPSHost = os.Getenv("VPS_HOST")
	sb.VPSUser = os.Getenv("VPS_USER")
	sb.VPSSSHKey = os.Getenv("VPS_SSH_KEY")
	sb.CPULimit = getEnv("CONTAINER_CPU_LIMIT", sb.CPULimit)
	sb.MemoryLimit = getEnv("CONTAINER_MEMORY_LIMIT", sb.MemoryLimit)
	sb.DiskLimit = getEnv("CONTAINER_DISK_LIMIT", sb.DiskLimit)

	var err error
	if sb.MaxConcurrentContainers, err = getEnvInt("MAX_CONCURRENT_CONTAINERS", sb.MaxConcurrentContainers); err != nil {
		return nil, err
	}
	if sb.MaxConcurrentContainers <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_CONTAINERS must be positive, got %d", sb.MaxConcurrentContainers)
	}
	if sb.MaxExecutionTime, err = getEnvMillis("MAX_EXECUTION_TIME", sb.MaxExecutionTime); err != nil {
		return nil, err
	}

	ch := cfg.Chat
	ch.PrimaryURL = getEnv("CHAT_PRIMARY_URL", ch.PrimaryURL)
	ch.PrimaryKey = getEnv("CHAT_PRIMARY_KEY", ch.PrimaryKey)
	ch.FallbackURL = getEnv("CHAT_FALLBACK_URL", ch.FallbackURL)
	if ch.PrimaryTimeout, err = getEnvMillis("CHAT_TIMEOUT", ch.PrimaryTimeout); err != nil {
		return nil, err
	}

	bot := cfg.Bot
	bot.BaseURL = getEnv("BOT_BASE_URL", bot.BaseURL)
	bot.Secret = getEnv("BOT_SECRET", bot.Secret)
	bot.UserID = getEnv("BOT_USER_ID", bot.UserID)
	bot.Model = getEnv("BOT_MODEL", bot.Model)

	gw := cfg.Gateway
	if gw.Concurrency, err = getEnvInt("GATEWAY_CONCURRENCY", gw.Concurrency); err != nil {
		return nil, err
	}
	if gw.Concurrency <= 0 {
		return nil, fmt.Errorf("GATEWAY_CONCURRENCY must be positive, got %d", gw.Concurrency)
	}
	gw.LargeModel = getEnv("LARGE_MODEL", gw.LargeModel)
	gw.MidModel = getEnv("MID_MODEL", gw.MidModel)
	gw.SmallModel = getEnv("SMALL_MODEL", gw.SmallModel)
	gw.FixerModel = getEnv("FIXER_MODEL", gw.FixerModel)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvMillis parses a duration expressed as integer milliseconds.
func getEnvMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
