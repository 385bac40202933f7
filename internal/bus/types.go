// Package bus holds the message types passed between the listener, the
// admission controller and the dispatch workers.
package bus

import "time"

// InboundEvent represents a "posted" event received from the chat platform.
// Values are immutable once decoded.
type InboundEvent struct {
	PostID      string    `json:"post_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`  // display hint carried by the frame, may be empty
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"` // display hint carried by the frame, may be empty
	Content     string    `json:"content"`
	FileIDs     []string  `json:"file_ids,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// HasPayload reports whether the event carries text or attachments.
func (e InboundEvent) HasPayload() bool {
	return e.Content != "" || len(e.FileIDs) > 0
}

// OutboundReply represents a normalized reply to be posted to a channel.
type OutboundReply struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}
