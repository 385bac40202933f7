package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"
)

// User is the subset of a Mattermost user the relay reads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
}

// Team is the subset of a Mattermost team the relay reads.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is the subset of a Mattermost channel the relay reads.
type Channel struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// FileInfo describes an uploaded attachment.
type FileInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Extension string `json:"extension,omitempty"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// Post is a created chat message.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
}

// Me returns the user behind the bot token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/users/me", c.botToken, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// User fetches another user by ID.
func (c *Client) User(ctx context.Context, userID string) (*User, error) {
	var u User
	path := "/api/v4/users/" + url.PathEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, c.lookupToken, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// MyTeams lists the teams the bot belongs to.
func (c *Client) MyTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/users/me/teams", c.botToken, nil, &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// TeamChannels lists the first page (100) of public channels of a team.
func (c *Client) TeamChannels(ctx context.Context, teamID string) ([]Channel, error) {
	var chans []Channel
	path := "/api/v4/teams/" + url.PathEscape(teamID) + "/channels?per_page=100"
	if err := c.doJSON(ctx, http.MethodGet, path, c.botToken, nil, &chans); err != nil {
		return nil, err
	}
	return chans, nil
}

// DiscoverChannels resolves channel names to IDs across all of the bot's teams.
// The result maps channel ID → name. A team whose channels cannot be listed is
// skipped: the channels found elsewhere are returned together with the joined
// per-team errors.
func (c *Client) DiscoverChannels(ctx context.Context, names []string) (map[string]string, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	teams, err := c.MyTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}

	var (
		mu       sync.Mutex
		found    = make(map[string]string)
		teamErrs []error
	)
	var g errgroup.Group
	g.SetLimit(4)
	for _, team := range teams {
		g.Go(func() error {
			chans, err := c.TeamChannels(ctx, team.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				teamErrs = append(teamErrs, fmt.Errorf("list channels of team %s: %w", team.Name, err))
				return nil
			}
			for _, ch := range chans {
				if wanted[ch.Name] {
					found[ch.ID] = ch.Name
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return found, errors.Join(teamErrs...)
}

// FileInfo fetches attachment metadata.
func (c *Client) FileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	var fi FileInfo
	path := "/api/v4/files/" + url.PathEscape(fileID) + "/info"
	if err := c.doJSON(ctx, http.MethodGet, path, c.lookupToken, nil, &fi); err != nil {
		return nil, err
	}
	return &fi, nil
}

// DownloadFile streams the attachment content into w, failing once more
// than maxBytes would be written.
func (c *Client) DownloadFile(ctx context.Context, fileID string, w io.Writer, maxBytes int64) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v4/files/"+url.PathEscape(fileID), c.lookupToken, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	written, err := io.Copy(w, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return written, fmt.Errorf("download file %s: %w", fileID, err)
	}
	if written > maxBytes {
		return written, fmt.Errorf("file %s exceeds max size %d bytes", fileID, maxBytes)
	}
	return written, nil
}

// CreatePost posts message to channelID as the bot.
func (c *Client) CreatePost(ctx context.Context, channelID, message string) (*Post, error) {
	body := map[string]string{"channel_id": channelID, "message": message}
	var p Post
	if err := c.doJSON(ctx, http.MethodPost, "/api/v4/posts", c.botToken, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// unknownUser is reported when a user name cannot be resolved.
const unknownUser = "unknown"

// NameCache resolves user IDs to usernames, remembering every answer
// (including failures) for the lifetime of the process.
type NameCache struct {
	client *Client
	names  sync.Map // userID → username
}

// NewNameCache creates a cache backed by client.
func NewNameCache(client *Client) *NameCache {
	return &NameCache{client: client}
}

// Resolve returns the username of userID, or "unknown".
func (n *NameCache) Resolve(ctx context.Context, userID string) string {
	if v, ok := n.names.Load(userID); ok {
		return v.(string)
	}
	name := unknownUser
	u, err := n.client.User(ctx, userID)
	switch {
	case err != nil:
		slog.Debug("mattermost user lookup failed", "user_id", userID, "error", err)
	case u.Username != "":
		name = u.Username
	}
	n.names.Store(userID, name)
	return name
}
