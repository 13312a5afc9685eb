package stream

import "sync/atomic"

// Token identifies one conversation turn.
type Token uint64

// Tracker hands out turn tokens. Starting a turn invalidates every
// earlier token, so late callbacks from a superseded request can be
// recognised and dropped. The zero value is ready to use.
type Tracker struct {
	gen atomic.Uint64
}

// Next starts a new turn and returns its token.
func (t *Tracker) Next() Token {
	return Token(t.gen.Add(1))
}

// Current returns the token of the latest turn.
func (t *Tracker) Current() Token {
	return Token(t.gen.Load())
}

// Valid reports whether tok belongs to the latest turn.
func (t *Tracker) Valid(tok Token) bool {
	return tok != 0 && tok == t.Current()
}

// Guard wraps sink so snapshots are delivered only while tok is the
// latest turn.
func (t *Tracker) Guard(tok Token, sink func(Snapshot)) func(Snapshot) {
	return func(s Snapshot) {
		if sink != nil && t.Valid(tok) {
			sink(s)
		}
	}
}
