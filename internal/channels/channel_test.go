package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitored(t *testing.T) {
	var empty Monitored
	assert.True(t, empty.Allows("anything"))
	assert.Equal(t, "c9", empty.Name("c9"))

	m := Monitored{"c1": "office-general"}
	assert.True(t, m.Allows("c1"))
	assert.False(t, m.Allows("c2"))
	assert.Equal(t, "office-general", m.Name("c1"))
	assert.Equal(t, "c2", m.Name("c2"))
	assert.Equal(t, []string{"office-general"}, m.Names())
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{"short", "hello", 10, "hello"},
		{"newlines flattened", "a\n\nb\tc", 10, "a b c"},
		{"clipped", "hello world", 8, "hello..."},
		{"wide runes", "你好世界你好", 7, "你好..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.in, tt.width))
		})
	}
}
