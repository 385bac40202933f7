// Package dispatch runs admitted events through the responder and posts the
// replies back to the chat.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/mmrelay/internal/bus"
	"github.com/nextlevelbuilder/mmrelay/internal/channels"
	"github.com/nextlevelbuilder/mmrelay/internal/channels/mattermost/api"
)

// Poster creates chat posts.
type Poster interface {
	CreatePost(ctx context.Context, channelID, message string) (*api.Post, error)
}

// ReplyRecorder is told when a reply went out.
type ReplyRecorder interface {
	RecordReply(now time.Time)
}

// Dispatcher posts replies as the agent's bot user.
type Dispatcher struct {
	agent  string
	poster Poster
	state  ReplyRecorder
	now    func() time.Time
}

// NewDispatcher creates a Dispatcher that records successful posts in state.
func NewDispatcher(agent string, poster Poster, state ReplyRecorder) *Dispatcher {
	return &Dispatcher{agent: agent, poster: poster, state: state, now: time.Now}
}

// Post sends text to channelID. Failed posts are not retried and do not count
// as replies.
func (d *Dispatcher) Post(ctx context.Context, channelID, text string) error {
	reply := bus.OutboundReply{ChannelID: channelID, Content: text}

	p, err := d.poster.CreatePost(ctx, reply.ChannelID, reply.Content)
	if err != nil {
		slog.Warn("mattermost post failed", "agent", d.agent, "channel", channelID, "error", err)
		return fmt.Errorf("post reply: %w", err)
	}

	d.state.RecordReply(d.now())
	slog.Info("mattermost reply posted",
		"agent", d.agent, "channel", channelID, "post", p.ID,
		"preview", channels.Preview(reply.Content, 80))
	return nil
}
