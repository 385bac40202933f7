package dispatch

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/mmrelay/internal/bus"
	"github.com/nextlevelbuilder/mmrelay/internal/channels"
	"github.com/nextlevelbuilder/mmrelay/internal/media"
	"github.com/nextlevelbuilder/mmrelay/internal/responder"
)

const tracerName = "github.com/nextlevelbuilder/mmrelay/internal/dispatch"

// NameResolver looks up display names of chat users.
type NameResolver interface {
	Resolve(ctx context.Context, userID string) string
}

// BotNames maps registered agents to their names.
type BotNames interface {
	Name(userID string) (string, bool)
}

// ImageFetcher downloads image attachments.
type ImageFetcher interface {
	Fetch(ctx context.Context, fileIDs []string) []media.Image
}

// RelayOptions wires a Relay. Media may be nil to ignore attachments.
type RelayOptions struct {
	AgentName  string
	Names      NameResolver
	Bots       BotNames
	Channels   channels.Monitored
	Media      ImageFetcher
	Gateway    responder.Gateway
	Dispatcher *Dispatcher
}

// Relay is the per-event job run by pool workers: it builds the responder
// request, generates a reply and posts it.
type Relay struct {
	agent      string
	names      NameResolver
	bots       BotNames
	channels   channels.Monitored
	media      ImageFetcher
	gateway    responder.Gateway
	dispatcher *Dispatcher
	tracer     trace.Tracer
}

// NewRelay creates a Relay.
func NewRelay(opts RelayOptions) *Relay {
	return &Relay{
		agent:      opts.AgentName,
		names:      opts.Names,
		bots:       opts.Bots,
		channels:   opts.Channels,
		media:      opts.Media,
		gateway:    opts.Gateway,
		dispatcher: opts.Dispatcher,
		tracer:     otel.Tracer(tracerName),
	}
}

// Handle processes one admitted event. Errors end the job; nothing is retried.
func (r *Relay) Handle(ctx context.Context, ev bus.InboundEvent) {
	ctx, span := r.tracer.Start(ctx, "relay.handle", trace.WithAttributes(
		attribute.String("mm.agent", r.agent),
		attribute.String("mm.post_id", ev.PostID),
		attribute.String("mm.channel_id", ev.ChannelID),
		attribute.String("mm.sender_id", ev.SenderID),
		attribute.Int("mm.file_count", len(ev.FileIDs)),
	))
	defer span.End()

	req := responder.Request{
		ChannelName: r.channelName(ev),
		SenderName:  r.senderName(ctx, ev),
		Text:        ev.Content,
	}
	if len(ev.FileIDs) > 0 && r.media != nil {
		for _, img := range r.media.Fetch(ctx, ev.FileIDs) {
			req.Attachments = append(req.Attachments, responder.Attachment{
				Path:     img.Path,
				Name:     img.Name,
				MimeType: img.MimeType,
			})
		}
	}
	span.SetAttributes(attribute.Int("mm.image_count", len(req.Attachments)))

	slog.Debug("generating reply",
		"agent", r.agent, "post", ev.PostID, "sender", req.SenderName,
		"channel", req.ChannelName, "images", len(req.Attachments))

	reply, ok := r.generate(ctx, req)
	if !ok {
		slog.Info("no reply", "agent", r.agent, "post", ev.PostID)
		span.SetAttributes(attribute.Bool("mm.replied", false))
		return
	}

	if err := r.post(ctx, ev.ChannelID, reply); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Bool("mm.replied", true))
}

func (r *Relay) generate(ctx context.Context, req responder.Request) (string, bool) {
	ctx, span := r.tracer.Start(ctx, "responder.generate")
	defer span.End()
	reply, ok := r.gateway.Generate(ctx, req)
	span.SetAttributes(attribute.Bool("mm.reply", ok), attribute.Int("mm.reply_len", len(reply)))
	return reply, ok
}

func (r *Relay) post(ctx context.Context, channelID, text string) error {
	ctx, span := r.tracer.Start(ctx, "mattermost.post")
	defer span.End()
	err := r.dispatcher.Post(ctx, channelID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "post failed")
	}
	return err
}

// senderName prefers the registry name, then the frame's hint, then a
// lookup.
func (r *Relay) senderName(ctx context.Context, ev bus.InboundEvent) string {
	if r.bots != nil {
		if name, ok := r.bots.Name(ev.SenderID); ok {
			return name
		}
	}
	if ev.SenderName != "" {
		return ev.SenderName
	}
	if r.names != nil {
		return r.names.Resolve(ctx, ev.SenderID)
	}
	return "unknown"
}

func (r *Relay) channelName(ev bus.InboundEvent) string {
	if ev.ChannelName != "" {
		return ev.ChannelName
	}
	return r.channels.Name(ev.ChannelID)
}
