package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/titanous/json5"
)

// Directory mirrors instance/agents/DIRECTORY.json.
type Directory struct {
	Agents map[string]AgentEntry `json:"agents"`
}

// AgentEntry is one agent in the directory.
type AgentEntry struct {
	Adapters AdaptersConfig `json:"adapters"`

	// Mattermost is the legacy location of the adapter block, used when
	// adapters.mattermost is absent.
	Mattermost *MattermostConfig `json:"mattermost,omitempty"`

	// Listener holds optional per-agent overrides of the listener defaults.
	Listener *ListenerOverrides `json:"listener,omitempty"`
}

// AdaptersConfig groups the platform adapters of an agent.
type AdaptersConfig struct {
	Mattermost *MattermostConfig `json:"mattermost,omitempty"`
}

// MattermostConfig holds the platform credentials of one agent.
type MattermostConfig struct {
	BaseURL            string `json:"base_url"`
	BotToken           string `json:"bot_token"`
	BotUserID          string `json:"bot_user_id,omitempty"`
	AdminToken         string `json:"admin_token,omitempty"` // used for the websocket challenge and lookups; falls back to BotToken
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// LookupToken returns the credential used for the websocket challenge,
// user lookups and file downloads.
func (m MattermostConfig) LookupToken() string {
	if m.AdminToken != "" {
		return m.AdminToken
	}
	return m.BotToken
}

// WebSocketURL translates the REST base URL into the real-time endpoint.
func (m MattermostConfig) WebSocketURL() string {
	base := strings.TrimRight(m.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v4/websocket"
}

// ListenerOverrides is the optional "listener" block of an agent entry.
// Zero values keep the defaults.
type ListenerOverrides struct {
	Listener  ListenerConfig  `json:"connection"`
	Admission AdmissionConfig `json:"admission"`
	Responder ResponderConfig `json:"responder"`
	Media     MediaConfig     `json:"media"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// MattermostConfig returns the adapter block, preferring adapters.mattermost
// over the legacy location.
func (e AgentEntry) MattermostConfig() *MattermostConfig {
	if e.Adapters.Mattermost != nil {
		return e.Adapters.Mattermost
	}
	return e.Mattermost
}

// DirectoryPath returns the location of DIRECTORY.json under root.
func DirectoryPath(root string) string {
	return filepath.Join(root, "instance", "agents", "DIRECTORY.json")
}

func agentDir(root, agent string) string {
	return filepath.Join(root, "instance", "agents", agent)
}

// LoadDirectory reads and parses DIRECTORY.json.
func LoadDirectory(root string) (*Directory, error) {
	path := DirectoryPath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var dir Directory
	if err := json5.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return &dir, nil
}

// AgentNames returns the sorted agent names of the directory.
func (d *Directory) AgentNames() []string {
	names := make([]string, 0, len(d.Agents))
	for name := range d.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry builds the user ID → agent name mapping of all agents that
// declare a bot_user_id.
func (d *Directory) Registry() BotRegistry {
	reg := make(BotRegistry, len(d.Agents))
	for name, entry := range d.Agents {
		mm := entry.MattermostConfig()
		if mm == nil || mm.BotUserID == "" {
			continue
		}
		reg[mm.BotUserID] = name
	}
	return reg
}
