package backend

import "bytes"

// maxLine caps a buffered partial line; longer lines are not inspected
const maxLine = 1 << 20

var dataPrefix = []byte("data:")

// usageScanner watches a streamed body (NDJSON or SSE) line by line and keeps
// the last usage block it sees.
type usageScanner struct {
	parse func([]byte) (Usage, bool)
	buf   []byte
	usage Usage
	found bool
}

func (s *usageScanner) Write(p []byte) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.line(s.buf[:i])
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) > maxLine {
		s.buf = nil
	}
}

// Close inspects a trailing line without newline
func (s *usageScanner) Close() {
	if len(s.buf) > 0 {
		s.line(s.buf)
		s.buf = nil
	}
}

func (s *usageScanner) line(l []byte) {
	l = bytes.TrimSpace(l)
	if bytes.HasPrefix(l, dataPrefix) {
		l = bytes.TrimSpace(l[len(dataPrefix):])
	}
	if len(l) == 0 || l[0] != '{' {
		return
	}
	if u, ok := s.parse(l); ok {
		s.usage = u
		s.found = true
	}
}
