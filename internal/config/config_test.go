package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDirectory(t *testing.T, content string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "instance", "agents")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DIRECTORY.json"), []byte(content), 0o644))
	return root
}

const sampleDirectory = `{
  // json5 comments are allowed
  "agents": {
    "rex": {
      "adapters": {
        "mattermost": {
          "base_url": "https://chat.example.com/",
          "bot_token": "rex-token",
          "bot_user_id": "u-rex",
        },
      },
      "listener": {
        "connection": {"workers": 3},
        "admission": {"max_consecutive_bot": 6, "unmentioned_refuse_prob": -1},
        "responder": {"kind": "session"},
      },
    },
    "ace": {
      "mattermost": {"base_url": "http://chat.local", "bot_token": "ace-token", "bot_user_id": "u-ace", "admin_token": "admin"},
    },
    "ghost": {
      "adapters": {"mattermost": {"base_url": "http://chat.local"}},
    },
  },
}`

func TestLoad(t *testing.T) {
	root := writeDirectory(t, sampleDirectory)

	cfg, err := Load(root, "rex")
	require.NoError(t, err)

	assert.Equal(t, "rex", cfg.AgentName)
	assert.Equal(t, "https://chat.example.com", cfg.Mattermost.BaseURL)
	assert.Equal(t, "rex-token", cfg.Mattermost.LookupToken())
	assert.Equal(t, "wss://chat.example.com/api/v4/websocket", cfg.Mattermost.WebSocketURL())
	assert.Equal(t, filepath.Join(root, "instance", "agents", "rex"), cfg.AgentDir())

	assert.Equal(t, 3, cfg.Listener.Workers)
	assert.Equal(t, 64, cfg.Listener.BacklogWarn)
	assert.Equal(t, DefaultChannels, cfg.Listener.Channels)
	assert.Equal(t, 6, cfg.Admission.MaxConsecutiveBot)
	assert.Equal(t, 60, cfg.Admission.BotWindowSec)
	assert.Zero(t, cfg.Admission.UnmentionedRefuseProb)

	assert.Equal(t, ResponderSession, cfg.Responder.Kind)
	assert.Equal(t, "openclaw", cfg.Responder.Command)
	assert.Equal(t, 180, cfg.Responder.TimeoutSec)
	assert.Equal(t, "mm-rex", cfg.Responder.SessionID)

	assert.True(t, cfg.Bots.IsBot("u-rex"))
	name, ok := cfg.Bots.Name("u-ace")
	assert.True(t, ok)
	assert.Equal(t, "ace", name)
	assert.False(t, cfg.Bots.IsBot("u-human"))
}

func TestLoad_LegacyLayoutAndPromptDefaults(t *testing.T) {
	root := writeDirectory(t, sampleDirectory)

	cfg, err := Load(root, "ace")
	require.NoError(t, err)

	assert.Equal(t, "admin", cfg.Mattermost.LookupToken())
	assert.Equal(t, "ws://chat.local/api/v4/websocket", cfg.Mattermost.WebSocketURL())
	assert.Equal(t, ResponderPrompt, cfg.Responder.Kind)
	assert.Equal(t, "claude", cfg.Responder.Command)
	assert.Equal(t, 120, cfg.Responder.TimeoutSec)
	assert.Equal(t, 0.7, cfg.Admission.UnmentionedRefuseProb)
}

func TestLoad_Errors(t *testing.T) {
	root := writeDirectory(t, sampleDirectory)

	tests := []struct {
		name  string
		root  string
		agent string
		want  error
	}{
		{"missing agent name", root, "", ErrAgentRequired},
		{"unknown agent", root, "nobody", ErrAgentNotFound},
		{"incomplete credentials", root, "ghost", ErrIncompleteCredentials},
		{"missing directory", t.TempDir(), "rex", ErrDirectoryNotFound},
		{"unknown responder kind", writeDirectory(t, misspelledResponder), "rex", ErrUnknownResponder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.root, tt.agent)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

const misspelledResponder = `{
  "agents": {
    "rex": {
      "mattermost": {"base_url": "http://chat.local", "bot_token": "rex-token"},
      "listener": {"responder": {"kind": "sesion"}},
    },
  },
}`

func TestLoad_EnvResponderKindValidated(t *testing.T) {
	root := writeDirectory(t, sampleDirectory)
	t.Setenv("MMRELAY_RESPONDER", "openclaw")

	_, err := Load(root, "rex")
	require.ErrorIs(t, err, ErrUnknownResponder)
	assert.Contains(t, err.Error(), `"openclaw"`)
}

func TestLoad_EnvOverrides(t *testing.T) {
	root := writeDirectory(t, sampleDirectory)
	t.Setenv("MMRELAY_RESPONDER", "PROMPT")
	t.Setenv("MMRELAY_WORKERS", "5")
	t.Setenv("MMRELAY_CHANNELS", " town-square, ,meetings ")
	t.Setenv("MMRELAY_LANGUAGE", "Chinese")

	cfg, err := Load(root, "rex")
	require.NoError(t, err)

	assert.Equal(t, ResponderPrompt, cfg.Responder.Kind)
	assert.Equal(t, "claude", cfg.Responder.Command)
	assert.Equal(t, 5, cfg.Listener.Workers)
	assert.Equal(t, []string{"town-square", "meetings"}, cfg.Listener.Channels)
	assert.Equal(t, "Chinese", cfg.Responder.Language)
}

func TestSetBotUserID(t *testing.T) {
	cfg := Default()
	cfg.AgentName = "rex"

	cfg.SetBotUserID("")
	assert.Empty(t, cfg.Bots)

	cfg.SetBotUserID("u-rex")
	assert.Equal(t, "u-rex", cfg.Mattermost.BotUserID)
	assert.True(t, cfg.Bots.IsBot("u-rex"))
}

func TestFindRoot(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		dir := t.TempDir()
		got, err := FindRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("env", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("JOY_ROOT", dir)
		got, err := FindRoot("")
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("explicit missing", func(t *testing.T) {
		_, err := FindRoot(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrRootNotFound)
	})
}
