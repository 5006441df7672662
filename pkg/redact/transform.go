package redact

// DefaultOverlap is the number of trailing bytes a Transform withholds
// after each chunk so a pattern match split across two network reads is
// still seen whole. Matches longer than the overlap window can be missed;
// tune the window to the longest configured pattern.
const DefaultOverlap = 100

// Transform scrubs pattern matches out of one response stream. It is owned
// by a single connection and must not be shared.
//
// The transform keeps a growing buffer. On each chunk everything except the
// last overlap-window bytes is run through the patterns and emitted; the
// retained tail is prepended to the next chunk. Flush processes whatever
// remains. Every input byte is emitted exactly once (after substitution)
// and never reordered.
type Transform struct {
	// OnMatch, if set, is invoked once per replaced match with the
	// pattern's name. Observation only.
	OnMatch func(name string)

	patterns []Pattern
	overlap  int
	buf      string
}

// NewTransform builds a transform over the given registry snapshot.
// overlap <= 0 selects DefaultOverlap.
func NewTransform(patterns []Pattern, overlap int) *Transform {
	if overlap <= 0 {
		overlap = DefaultOverlap
	}
	return &Transform{patterns: patterns, overlap: overlap}
}

// Chunk appends p to the buffer and returns the scrubbed bytes that are
// safe to emit. A nil return means everything is still retained.
func (t *Transform) Chunk(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	t.buf += string(p)
	if len(t.buf) <= t.overlap {
		return nil
	}
	cut := len(t.buf) - t.overlap
	processable := t.buf[:cut]
	t.buf = t.buf[cut:]
	return []byte(t.apply(processable))
}

// Flush processes the retained tail at end of stream and resets the
// transform. Nothing may be fed after Flush.
func (t *Transform) Flush() []byte {
	out := t.apply(t.buf)
	t.buf = ""
	if out == "" {
		return nil
	}
	return []byte(out)
}

// apply runs every pattern in registration order. Overlapping patterns are
// not reconciled: a later pattern sees the already-substituted text.
func (t *Transform) apply(s string) string {
	for _, p := range t.patterns {
		s = p.Re.ReplaceAllStringFunc(s, func(string) string {
			if t.OnMatch != nil {
				t.OnMatch(p.Name)
			}
			return p.token
		})
	}
	return s
}
