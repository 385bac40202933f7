package mattermost

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/nextlevelbuilder/mmrelay/internal/bus"
)

// eventPosted is the only real-time event the relay acts on.
const eventPosted = "posted"

// wsFrame is the envelope of every server → client frame.
// Replies to client actions carry status/seq_reply instead of event.
type wsFrame struct {
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Status   string          `json:"status,omitempty"`
	SeqReply int64           `json:"seq_reply,omitempty"`
}

type postedData struct {
	Post        json.RawMessage `json:"post"`
	ChannelName string          `json:"channel_name,omitempty"`
	SenderName  string          `json:"sender_name,omitempty"`
}

type post struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	ChannelID string   `json:"channel_id"`
	Message   string   `json:"message"`
	FileIDs   []string `json:"file_ids"`
}

// Decode turns a raw frame into an InboundEvent. It returns false for frames
// that are not "posted" events or that cannot be parsed; malformed input is
// expected noise and never reported as an error.
//
// The post payload is accepted either as an object or as a JSON string that
// itself holds the object (the server double-encodes it).
func Decode(raw []byte, now time.Time) (bus.InboundEvent, bool) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != eventPosted {
		return bus.InboundEvent{}, false
	}

	var data postedData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return bus.InboundEvent{}, false
	}

	p, ok := decodePost(data.Post)
	if !ok || p.UserID == "" || p.ChannelID == "" {
		return bus.InboundEvent{}, false
	}

	var fileIDs []string
	for _, id := range p.FileIDs {
		if id != "" {
			fileIDs = append(fileIDs, id)
		}
	}

	return bus.InboundEvent{
		PostID:      p.ID,
		SenderID:    p.UserID,
		SenderName:  strings.TrimPrefix(data.SenderName, "@"),
		ChannelID:   p.ChannelID,
		ChannelName: data.ChannelName,
		Content:     strings.TrimSpace(p.Message),
		FileIDs:     fileIDs,
		ReceivedAt:  now,
	}, true
}

func decodePost(raw json.RawMessage) (post, bool) {
	var p post
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return p, false
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return p, false
		}
		raw = []byte(inner)
	}

	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}

// IsAuthAck reports whether raw acknowledges the authentication challenge.
func IsAuthAck(raw []byte) bool {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return false
	}
	return frame.Status == "OK"
}
