package supervisor

// stderrCapture retains only the first headCap and last tailCap bytes
// of everything written to it, joined by "\n...\n" when truncated, so a
// crashed worker's stderr never grows unbounded in memory while still
// leaving enough context for a bug report.
type stderrCapture struct {
	headCap, tailCap int
	head             []byte
	tail             []byte // ring-style: last tailCap bytes seen
	total            int
}

func newStderrCapture(headCap, tailCap int) *stderrCapture {
	return &stderrCapture{headCap: headCap, tailCap: tailCap}
}

func (c *stderrCapture) Write(p []byte) (int, error) {
	c.total += len(p)

	if len(c.head) < c.headCap {
		room := c.headCap - len(c.head)
		if room > len(p) {
			room = len(p)
		}
		c.head = append(c.head, p[:room]...)
	}

	c.tail = append(c.tail, p...)
	if len(c.tail) > c.tailCap {
		c.tail = c.tail[len(c.tail)-c.tailCap:]
	}

	return len(p), nil
}

// String renders the captured output, joining head and tail with
// "\n...\n" only when the output was actually truncated.
func (c *stderrCapture) String() string {
	if c.total <= len(c.head) {
		return string(c.head)
	}
	if c.total <= c.headCap+c.tailCap {
		// Nothing was dropped: tail overlaps head, so splice the part
		// of tail that extends past it.
		return string(c.head) + string(c.tail[len(c.tail)-(c.total-len(c.head)):])
	}
	return string(c.head) + "\n...\n" + string(c.tail)
}
