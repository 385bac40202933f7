// Package channels holds helpers shared by chat platform listeners.
package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Monitored is the set of channels a listener acts within, keyed by
// channel ID with the channel name as value. An empty set accepts every
// channel.
type Monitored map[string]string

// Allows reports whether events from channelID should be considered.
func (m Monitored) Allows(channelID string) bool {
	if len(m) == 0 {
		return true
	}
	_, ok := m[channelID]
	return ok
}

// Name returns the channel name, or the ID itself when unknown.
func (m Monitored) Name(channelID string) string {
	if name, ok := m[channelID]; ok && name != "" {
		return name
	}
	return channelID
}

// Names returns the monitored channel names.
func (m Monitored) Names() []string {
	names := make([]string, 0, len(m))
	for _, name := range m {
		names = append(names, name)
	}
	return names
}

// Preview flattens s to one line and clips it to width terminal cells,
// appending "..." when clipped. Used for log output only.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "...")
}
