package config

import (
	"time"
)

// Config is the resolved configuration for one listener process.
type Config struct {
	Root       string           `json:"-"`
	AgentName  string           `json:"-"`
	Mattermost MattermostConfig `json:"mattermost"`
	Listener   ListenerConfig   `json:"listener"`
	Admission  AdmissionConfig  `json:"admission"`
	Responder  ResponderConfig  `json:"responder"`
	Media      MediaConfig      `json:"media"`
	Telemetry  TelemetryConfig  `json:"telemetry"`

	// Bots maps every known agent's platform user ID to its agent name.
	Bots BotRegistry `json:"-"`
}

// AgentDir returns the per-agent directory holding IDENTITY.md and MEMORY.md.
func (c *Config) AgentDir() string {
	return agentDir(c.Root, c.AgentName)
}

// ListenerConfig controls the connection manager and the worker pool.
type ListenerConfig struct {
	Channels          []string `json:"channels,omitempty"` // monitored channel names, resolved to IDs at startup
	Workers           int      `json:"workers,omitempty"`
	BacklogWarn       int      `json:"backlog_warn,omitempty"` // queued events above which the pool warns
	ReconnectDelaySec int      `json:"reconnect_delay_sec,omitempty"`
	AuthAttempts      int      `json:"auth_attempts,omitempty"`
	AuthWaitSec       int      `json:"auth_wait_sec,omitempty"`
	PingIntervalSec   int      `json:"ping_interval_sec,omitempty"`
	PongWaitSec       int      `json:"pong_wait_sec,omitempty"`
}

func (l ListenerConfig) ReconnectDelay() time.Duration { return seconds(l.ReconnectDelaySec) }
func (l ListenerConfig) AuthWait() time.Duration       { return seconds(l.AuthWaitSec) }
func (l ListenerConfig) PingInterval() time.Duration   { return seconds(l.PingIntervalSec) }
func (l ListenerConfig) PongWait() time.Duration       { return seconds(l.PongWaitSec) }

// AdmissionConfig holds the loop-suppression thresholds.
// The defaults were chosen empirically and are tunable per agent.
type AdmissionConfig struct {
	BotWindowSec          int     `json:"bot_window_sec,omitempty"`          // gap that still counts as the same bot chain
	MaxConsecutiveBot     int     `json:"max_consecutive_bot,omitempty"`     // hard cap on a bot chain
	CooldownSec           int     `json:"cooldown_sec,omitempty"`            // quiet period after own reply while a chain is active
	CooldownChain         int     `json:"cooldown_chain,omitempty"`          // chain length above which the cooldown applies
	UnmentionedRefuseProb float64 `json:"unmentioned_refuse_prob,omitempty"` // chance to ignore bot chatter that does not mention us
	MinReplyIntervalSec   int     `json:"min_reply_interval_sec,omitempty"`  // global spacing between own replies
}

func (a AdmissionConfig) BotWindow() time.Duration        { return seconds(a.BotWindowSec) }
func (a AdmissionConfig) Cooldown() time.Duration         { return seconds(a.CooldownSec) }
func (a AdmissionConfig) MinReplyInterval() time.Duration { return seconds(a.MinReplyIntervalSec) }

// Responder kinds.
const (
	ResponderPrompt  = "prompt"  // one-shot prompt CLI (claude -p)
	ResponderSession = "session" // session-based agent CLI with JSON output (openclaw agent)
)

// ResponderConfig selects and tunes the external generation step.
type ResponderConfig struct {
	Kind          string `json:"kind,omitempty"`
	Command       string `json:"command,omitempty"` // binary name or path; defaults per kind
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
	MaxReplyChars int    `json:"max_reply_chars,omitempty"`
	Language      string `json:"language,omitempty"` // reply language hint, empty = no constraint
	SessionID     string `json:"session_id,omitempty"`
	ExtraPath     string `json:"extra_path,omitempty"` // prepended to PATH for the child process
}

func (r ResponderConfig) Timeout() time.Duration { return seconds(r.TimeoutSec) }

// MediaConfig controls attachment downloads.
type MediaConfig struct {
	CacheDir     string `json:"cache_dir,omitempty"`
	MaxFiles     int    `json:"max_files,omitempty"`
	MaxBytes     int64  `json:"max_bytes,omitempty"`
	MaxDimension int    `json:"max_dimension,omitempty"` // images larger than this on either side are downscaled
}

// TelemetryConfig enables OTLP trace export. Empty endpoint disables tracing.
type TelemetryConfig struct {
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"` // extra export headers, e.g. auth tokens
}

// Enabled reports whether tracing should be set up.
func (t TelemetryConfig) Enabled() bool { return t.Endpoint != "" }

// BotRegistry maps platform user IDs of known agents to agent names.
// Built once at load time and read-only afterwards.
type BotRegistry map[string]string

// IsBot reports whether userID belongs to a registered agent.
func (r BotRegistry) IsBot(userID string) bool {
	_, ok := r[userID]
	return ok
}

// Name returns the agent name registered for userID.
func (r BotRegistry) Name(userID string) (string, bool) {
	name, ok := r[userID]
	return name, ok
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
