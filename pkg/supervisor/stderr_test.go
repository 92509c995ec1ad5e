package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStderrCapture(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "short output kept whole",
			input: "boom",
			want:  "boom",
		},
		{
			name:  "output overlapping head and tail spliced losslessly",
			input: strings.Repeat("a", 6) + strings.Repeat("b", 6),
			want:  strings.Repeat("a", 6) + strings.Repeat("b", 6),
		},
		{
			name:  "long output truncated with marker",
			input: strings.Repeat("x", 8) + strings.Repeat("m", 10) + strings.Repeat("y", 8),
			want:  strings.Repeat("x", 8) + "\n...\n" + strings.Repeat("y", 8),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newStderrCapture(8, 8)
			// Feed in small chunks to exercise the ring behavior.
			for i := 0; i < len(tt.input); i += 3 {
				end := i + 3
				if end > len(tt.input) {
					end = len(tt.input)
				}
				_, _ = c.Write([]byte(tt.input[i:end]))
			}
			assert.Equal(t, tt.want, c.String())
		})
	}
}

func TestStderrCaptureSingleWrite(t *testing.T) {
	c := newStderrCapture(8, 8)
	_, _ = c.Write([]byte("tiny"))
	assert.Equal(t, "tiny", c.String())

	c = newStderrCapture(4, 4)
	_, _ = c.Write([]byte("0123456789"))
	assert.Equal(t, "0123\n...\n6789", c.String())
}
