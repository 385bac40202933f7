package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(config.MattermostConfig{
		BaseURL:    srv.URL + "/",
		BotToken:   "bot-token",
		AdminToken: "admin-token",
	}, WithRateLimit(1000, 100))
}

func TestClient_MeUsesBotToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bot-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		_ = json.NewEncoder(w).Encode(User{ID: "u-rex", Username: "rex"})
	})
	c := newTestClient(t, mux)

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u-rex", u.ID)
}

func TestClient_DiscoverChannels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users/me/teams", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Team{{ID: "t1", Name: "alpha"}, {ID: "t2", Name: "beta"}})
	})
	mux.HandleFunc("GET /api/v4/teams/{team}/channels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		switch r.PathValue("team") {
		case "t1":
			_ = json.NewEncoder(w).Encode([]Channel{{ID: "c1", Name: "office-general"}, {ID: "c2", Name: "random"}})
		case "t2":
			_ = json.NewEncoder(w).Encode([]Channel{{ID: "c3", Name: "meetings"}})
		}
	})
	c := newTestClient(t, mux)

	got, err := c.DiscoverChannels(context.Background(), config.DefaultChannels)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "office-general", "c3": "meetings"}, got)
}

func TestClient_DiscoverChannelsTeamFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users/me/teams", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Team{{ID: "t1", Name: "alpha"}, {ID: "t2", Name: "beta"}})
	})
	mux.HandleFunc("GET /api/v4/teams/{team}/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("team") == "t1" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"no access"}`))
			return
		}
		_ = json.NewEncoder(w).Encode([]Channel{{ID: "c-meet", TeamID: "t2", Name: "meetings"}})
	})
	c := newTestClient(t, mux)

	found, err := c.DiscoverChannels(context.Background(), []string{"meetings", "office-general"})
	require.Error(t, err)
	assert.Equal(t, map[string]string{"c-meet": "meetings"}, found)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "no access", apiErr.Message)
	assert.Contains(t, err.Error(), "team alpha")
}

func TestClient_CreatePost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bot-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body["channel_id"])
		assert.Equal(t, "hi there", body["message"])
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Post{ID: "p1", ChannelID: "c1", Message: "hi there"})
	})
	c := newTestClient(t, mux)

	p, err := c.CreatePost(context.Background(), "c1", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
}

func TestClient_DownloadFileLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	})
	c := newTestClient(t, mux)

	var buf bytes.Buffer
	n, err := c.DownloadFile(context.Background(), "f1", &buf, 128)
	require.NoError(t, err)
	assert.EqualValues(t, 64, n)

	buf.Reset()
	_, err = c.DownloadFile(context.Background(), "f1", &buf, 10)
	assert.Error(t, err)
}

func TestNameCache(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(User{ID: r.PathValue("id"), Username: "alice"})
	})
	names := NewNameCache(newTestClient(t, mux))
	ctx := context.Background()

	assert.Equal(t, "alice", names.Resolve(ctx, "u1"))
	assert.Equal(t, "alice", names.Resolve(ctx, "u1"))
	assert.Equal(t, "unknown", names.Resolve(ctx, "missing"))
	assert.Equal(t, "unknown", names.Resolve(ctx, "missing"))
	assert.EqualValues(t, 2, calls.Load())
}
