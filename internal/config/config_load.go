package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Configuration errors. All of them are fatal for the listener process.
var (
	ErrAgentRequired         = errors.New("agent name required")
	ErrRootNotFound          = errors.New("agent root not found")
	ErrDirectoryNotFound     = errors.New("DIRECTORY.json not found")
	ErrAgentNotFound         = errors.New("agent not found in directory")
	ErrIncompleteCredentials = errors.New("mattermost config incomplete")
	ErrUnknownResponder      = errors.New("unknown responder kind")
)

// rootMarker identifies an agent root directory when no root is given.
const rootMarker = "AGENT_INIT.md"

// DefaultChannels are the channel names monitored when none are configured.
var DefaultChannels = []string{"office-general", "meetings"}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Channels:          append([]string(nil), DefaultChannels...),
			Workers:           2,
			BacklogWarn:       64,
			ReconnectDelaySec: 3,
			AuthAttempts:      5,
			AuthWaitSec:       3,
			PingIntervalSec:   30,
			PongWaitSec:       10,
		},
		Admission: AdmissionConfig{
			BotWindowSec:          60,
			MaxConsecutiveBot:     4,
			CooldownSec:           30,
			CooldownChain:         2,
			UnmentionedRefuseProb: 0.7,
			MinReplyIntervalSec:   5,
		},
		Responder: ResponderConfig{
			Kind:          ResponderPrompt,
			MaxReplyChars: 2000,
		},
		Media: MediaConfig{
			CacheDir:     "~/.openclaw/mm-images",
			MaxFiles:     4,
			MaxBytes:     20 * 1024 * 1024,
			MaxDimension: 2048,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "mmrelay",
		},
	}
}

// Load resolves the configuration of agent from the directory under root,
// then overlays the agent's listener block and env vars.
func Load(root, agent string) (*Config, error) {
	if agent == "" {
		return nil, ErrAgentRequired
	}

	dir, err := LoadDirectory(root)
	if err != nil {
		return nil, err
	}

	entry, ok := dir.Agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrAgentNotFound, agent, strings.Join(dir.AgentNames(), ", "))
	}

	mm := entry.MattermostConfig()
	if mm == nil || mm.BotToken == "" || mm.BaseURL == "" {
		return nil, fmt.Errorf("%w for %q: need bot_token and base_url", ErrIncompleteCredentials, agent)
	}

	cfg := Default()
	cfg.Root = root
	cfg.AgentName = agent
	cfg.Mattermost = *mm
	cfg.Mattermost.BaseURL = strings.TrimRight(mm.BaseURL, "/")
	cfg.Bots = dir.Registry()

	if entry.Listener != nil {
		cfg.merge(*entry.Listener)
	}
	cfg.applyEnvOverrides()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetBotUserID records the agent's own platform user ID, typically fetched
// from the API when the directory does not carry it.
func (c *Config) SetBotUserID(id string) {
	if id == "" {
		return
	}
	c.Mattermost.BotUserID = id
	if c.Bots == nil {
		c.Bots = make(BotRegistry)
	}
	c.Bots[id] = c.AgentName
}

// merge overlays non-zero override values onto the defaults.
func (c *Config) merge(o ListenerOverrides) {
	if len(o.Listener.Channels) > 0 {
		c.Listener.Channels = o.Listener.Channels
	}
	setInt(&c.Listener.Workers, o.Listener.Workers)
	setInt(&c.Listener.BacklogWarn, o.Listener.BacklogWarn)
	setInt(&c.Listener.ReconnectDelaySec, o.Listener.ReconnectDelaySec)
	setInt(&c.Listener.AuthAttempts, o.Listener.AuthAttempts)
	setInt(&c.Listener.AuthWaitSec, o.Listener.AuthWaitSec)
	setInt(&c.Listener.PingIntervalSec, o.Listener.PingIntervalSec)
	setInt(&c.Listener.PongWaitSec, o.Listener.PongWaitSec)

	setInt(&c.Admission.BotWindowSec, o.Admission.BotWindowSec)
	setInt(&c.Admission.MaxConsecutiveBot, o.Admission.MaxConsecutiveBot)
	setInt(&c.Admission.CooldownSec, o.Admission.CooldownSec)
	setInt(&c.Admission.CooldownChain, o.Admission.CooldownChain)
	setInt(&c.Admission.MinReplyIntervalSec, o.Admission.MinReplyIntervalSec)
	if p := o.Admission.UnmentionedRefuseProb; p != 0 {
		// negative disables the random suppression
		c.Admission.UnmentionedRefuseProb = max(p, 0)
	}

	setStr(&c.Responder.Kind, o.Responder.Kind)
	setStr(&c.Responder.Command, o.Responder.Command)
	setInt(&c.Responder.TimeoutSec, o.Responder.TimeoutSec)
	setInt(&c.Responder.MaxReplyChars, o.Responder.MaxReplyChars)
	setStr(&c.Responder.Language, o.Responder.Language)
	setStr(&c.Responder.SessionID, o.Responder.SessionID)
	setStr(&c.Responder.ExtraPath, o.Responder.ExtraPath)

	setStr(&c.Media.CacheDir, o.Media.CacheDir)
	setInt(&c.Media.MaxFiles, o.Media.MaxFiles)
	setInt(&c.Media.MaxDimension, o.Media.MaxDimension)
	if o.Media.MaxBytes > 0 {
		c.Media.MaxBytes = o.Media.MaxBytes
	}

	setStr(&c.Telemetry.Endpoint, o.Telemetry.Endpoint)
	setStr(&c.Telemetry.Protocol, o.Telemetry.Protocol)
	setStr(&c.Telemetry.ServiceName, o.Telemetry.ServiceName)
	for k, v := range o.Telemetry.Headers {
		if c.Telemetry.Headers == nil {
			c.Telemetry.Headers = make(map[string]string)
		}
		c.Telemetry.Headers[k] = v
	}
	if o.Telemetry.Insecure {
		c.Telemetry.Insecure = true
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("MMRELAY_RESPONDER", &c.Responder.Kind)
	envStr("MMRELAY_RESPONDER_COMMAND", &c.Responder.Command)
	envInt("MMRELAY_RESPONDER_TIMEOUT_SEC", &c.Responder.TimeoutSec)
	envStr("MMRELAY_LANGUAGE", &c.Responder.Language)
	envInt("MMRELAY_WORKERS", &c.Listener.Workers)
	envStr("MMRELAY_CACHE_DIR", &c.Media.CacheDir)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MMRELAY_OTLP_PROTOCOL", &c.Telemetry.Protocol)

	if v := os.Getenv("MMRELAY_CHANNELS"); v != "" {
		var names []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		c.Listener.Channels = names
	}
}

// finalize fills the kind-dependent responder defaults and expands paths.
func (c *Config) finalize() error {
	c.Responder.Kind = strings.ToLower(strings.TrimSpace(c.Responder.Kind))
	switch c.Responder.Kind {
	case ResponderSession:
		defaultStr(&c.Responder.Command, "openclaw")
		defaultInt(&c.Responder.TimeoutSec, 180)
		defaultStr(&c.Responder.SessionID, "mm-"+c.AgentName)
		defaultStr(&c.Responder.ExtraPath, "/opt/homebrew/bin:/usr/local/bin")
	case "", ResponderPrompt:
		c.Responder.Kind = ResponderPrompt
		defaultStr(&c.Responder.Command, "claude")
		defaultInt(&c.Responder.TimeoutSec, 120)
	default:
		return fmt.Errorf("%w for %q: %q (want %s or %s)",
			ErrUnknownResponder, c.AgentName, c.Responder.Kind, ResponderPrompt, ResponderSession)
	}
	c.Media.CacheDir = ExpandHome(c.Media.CacheDir)
	return nil
}

// FindRoot resolves the agent root: explicit value, then $JOY_ROOT, then the
// nearest ancestor of the executable or working directory holding AGENT_INIT.md.
func FindRoot(explicit string) (string, error) {
	if explicit != "" {
		return checkRoot(explicit)
	}
	if v := os.Getenv("JOY_ROOT"); v != "" {
		return checkRoot(v)
	}

	var starts []string
	if exe, err := os.Executable(); err == nil {
		starts = append(starts, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		starts = append(starts, wd)
	}
	for _, start := range starts {
		for dir := start; ; dir = filepath.Dir(dir) {
			if _, err := os.Stat(filepath.Join(dir, rootMarker)); err == nil {
				return dir, nil
			}
			if parent := filepath.Dir(dir); parent == dir {
				break
			}
		}
	}
	return "", fmt.Errorf("%w: set JOY_ROOT or pass --root", ErrRootNotFound)
}

func checkRoot(dir string) (string, error) {
	dir = ExpandHome(dir)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrRootNotFound, dir)
	}
	return dir, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func defaultInt(dst *int, v int) {
	if *dst <= 0 {
		*dst = v
	}
}

func defaultStr(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
