package recfile

import "strings"

const defaultPendingLimit = 1024

// pending is a bounded queue of decoded text that is read before the source.
type pending struct {
	limit  int
	chunks []string
}

func (p *pending) push(text string) error {
	if len(text) == 0 {
		return nil
	}
	if len(p.chunks) == p.limit {
		return ErrPendingFull
	}
	p.chunks = append(p.chunks, "")
	copy(p.chunks[1:], p.chunks)
	p.chunks[0] = text
	return nil
}

func (p *pending) queue(text string) error {
	if len(text) == 0 {
		return nil
	}
	if len(p.chunks) == p.limit {
		return ErrPendingFull
	}
	p.chunks = append(p.chunks, text)
	return nil
}

func (p *pending) empty() bool {
	return len(p.chunks) == 0
}

func (p *pending) len() int {
	return len(p.chunks)
}

func (p *pending) reset() {
	p.chunks = nil
}

func (p *pending) snapshot() []string {
	if len(p.chunks) == 0 {
		return nil
	}
	return append([]string(nil), p.chunks...)
}

func (p *pending) restore(chunks []string) {
	p.chunks = chunks
}

// line consumes text up to and including term. Returns false if pending ran
// out before term was found, the caller is expected to complete the line from
// the source.
func (p *pending) line(term byte) (string, bool) {
	var b strings.Builder
	for len(p.chunks) > 0 {
		chunk := p.chunks[0]
		if i := strings.IndexByte(chunk, term); i >= 0 {
			b.WriteString(chunk[:i+1])
			if rest := chunk[i+1:]; len(rest) > 0 {
				p.chunks[0] = rest
			} else {
				p.chunks = p.chunks[1:]
			}
			return b.String(), true
		}
		b.WriteString(chunk)
		p.chunks = p.chunks[1:]
	}
	return b.String(), false
}
