package console

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// State is a KeyValueReader state.
type State int

const (
	// AwaitingTerminator: reading output, no key seen yet. Continuation
	// lines are dropped.
	AwaitingTerminator State = iota
	// Accumulating: at least one key recorded; continuation lines extend
	// the most recent value.
	Accumulating
	// AwaitingPrompt: terminator seen, waiting for the CLI prompt.
	AwaitingPrompt
	// Done: the listing is complete.
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingTerminator:
		return "awaiting-terminator"
	case Accumulating:
		return "accumulating"
	case AwaitingPrompt:
		return "awaiting-prompt"
	case Done:
		return "done"
	}
	return "unknown"
}

var (
	paginationRe   = regexp.MustCompile(`More: .*`)
	terminatorRe   = regexp.MustCompile(`Classification rules:\r\n`)
	keyValueRe     = regexp.MustCompile(`[^ \t\r\n][^:\r\n]*:[^\n]*\n`)
	continuationRe = regexp.MustCompile(` [^\n]*\n`)
)

// Alternative indexes while collecting. The prompt comes last so that a
// listing line starting at the same offset wins.
const (
	altPagination = iota
	altTerminator
	altKeyValue
	altContinuation
	altPrompt
)

// ErrNoTerminator means the prompt came back before the listing ended.
var ErrNoTerminator = errors.New("prompt returned before end of listing")

// Fields is an insertion-ordered set of key/value pairs. Keys and values
// are stored raw; Get trims surrounding whitespace from the value.
type Fields struct {
	keys   []string
	values map[string]string
}

func newFields() *Fields {
	return &Fields{values: make(map[string]string)}
}

func (f *Fields) set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Keys returns the keys in the order first seen.
func (f *Fields) Keys() []string {
	return append([]string(nil), f.keys...)
}

// Raw returns a value without trimming.
func (f *Fields) Raw(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Get returns the trimmed value of the first of keys present.
func (f *Fields) Get(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := f.values[k]; ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Len returns the number of keys.
func (f *Fields) Len() int {
	return len(f.keys)
}

// KeyValueReader collects a "key: value" listing terminated by the
// "Classification rules:" line, answering pagination prompts on the way.
type KeyValueReader struct {
	session *Session
	prompt  *regexp.Regexp

	state  State
	last   string
	fields *Fields
}

// NewKeyValueReader prepares a reader that finishes at prompt.
func NewKeyValueReader(session *Session, prompt *regexp.Regexp) *KeyValueReader {
	return &KeyValueReader{
		session: session,
		prompt:  prompt,
		state:   AwaitingTerminator,
		fields:  newFields(),
	}
}

// State reports the current automaton state.
func (r *KeyValueReader) State() State {
	return r.state
}

// Read runs the automaton to Done and returns the collected fields. The
// command producing the listing must already have been sent.
func (r *KeyValueReader) Read(ctx context.Context) (*Fields, error) {
	for r.state != Done {
		if err := r.step(ctx); err != nil {
			return r.fields, err
		}
	}
	return r.fields, nil
}

func (r *KeyValueReader) step(ctx context.Context) error {
	if r.state == AwaitingPrompt {
		if _, err := r.session.Expect(ctx, r.prompt); err != nil {
			return err
		}
		r.state = Done
		return nil
	}

	idx, err := r.session.Expect(ctx, paginationRe, terminatorRe, keyValueRe, continuationRe, r.prompt)
	if err != nil {
		return err
	}
	switch idx {
	case altPagination:
		return r.session.Send(" ")
	case altTerminator:
		r.state = AwaitingPrompt
	case altKeyValue:
		k, v, _ := strings.Cut(r.session.After, ":")
		r.fields.set(k, v)
		r.last = k
		r.state = Accumulating
	case altContinuation:
		if r.state == Accumulating {
			r.fields.values[r.last] += r.session.After
		}
	case altPrompt:
		r.state = Done
		return ErrNoTerminator
	}
	return nil
}
