package send

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRateLimitedWriterPassthroughWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	w := newRateLimitedWriter(&buf, 0)
	assert.Same(t, &buf, w, "a zero mbps limit must not wrap the writer")
}

func TestRateLimitedWriterWritesAllBytes(t *testing.T) {
	var buf bytes.Buffer
	w := newRateLimitedWriter(&buf, 1000) // generous limit: one burst covers the whole write
	data := []byte(strings.Repeat("x", 10_000))
	n, err := w.Write(data)
	assert.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, len(data), buf.Len())
}

func TestCountingReaderAccumulates(t *testing.T) {
	var total uint64
	cr := &countingReader{r: strings.NewReader("hello world"), counter: &total}
	buf := make([]byte, 5)
	n, err := cr.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.EqualValues(t, 5, total)
}
