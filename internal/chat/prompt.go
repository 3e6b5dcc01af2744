package chat

import (
	"bytes"
	"strings"
)

// promptDelimiter is the byte sequence an idle backend prints when it
// is ready for the next line of input. At the very start of the stream
// the leading newline is absent.
const promptDelimiter = "\n> "

// promptState is the position of a [promptScanner] in the
// ACCUMULATING → CANDIDATE → CONFIRMED lifecycle. A candidate that
// receives more bytes drops back to accumulating.
type promptState int

const (
	stateAccumulating promptState = iota
	stateCandidate
	stateConfirmed
)

func (s promptState) String() string {
	switch s {
	case stateAccumulating:
		return "accumulating"
	case stateCandidate:
		return "candidate"
	case stateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// promptScanner tracks whether the bytes seen so far end in an idle
// prompt. The delimiter can legitimately appear mid-response (quoted
// text, markdown), so a tail match only makes the buffer a candidate;
// the caller confirms it after a quiet lookahead window.
type promptScanner struct {
	buf   bytes.Buffer
	state promptState
}

// feed appends output and returns the resulting state.
func (p *promptScanner) feed(b []byte) promptState {
	if p.state == stateConfirmed {
		p.reset()
	}
	p.buf.Write(b)
	if p.atPrompt() {
		p.state = stateCandidate
	} else {
		p.state = stateAccumulating
	}
	return p.state
}

func (p *promptScanner) atPrompt() bool {
	data := p.buf.Bytes()
	if bytes.HasSuffix(data, []byte(promptDelimiter)) {
		return true
	}
	// "> " alone (or after a bare carriage return from a terminal) is
	// the prompt at stream start.
	trimmed := bytes.TrimLeft(data, "\r")
	return bytes.Equal(trimmed, []byte("> "))
}

// confirm accepts the candidate prompt and returns the output that
// preceded it. It must only be called in the candidate state.
func (p *promptScanner) confirm() string {
	data := p.buf.Bytes()
	var body []byte
	if bytes.HasSuffix(data, []byte(promptDelimiter)) {
		body = data[:len(data)-len(promptDelimiter)]
	}
	p.state = stateConfirmed
	out := string(body)
	p.buf.Reset()
	return out
}

func (p *promptScanner) reset() {
	p.buf.Reset()
	p.state = stateAccumulating
}

// pending reports how many unconfirmed bytes are buffered.
func (p *promptScanner) pending() int { return p.buf.Len() }

// cleanResponse normalizes terminal line endings, drops an echoed copy
// of the input line if the backend (or a PTY) repeated it, and trims
// surrounding whitespace.
func cleanResponse(raw, sent string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.TrimLeft(text, "\r\n")

	first, rest, found := strings.Cut(text, "\n")
	if strings.TrimSpace(strings.TrimPrefix(first, "> ")) == strings.TrimSpace(sent) {
		if found {
			text = rest
		} else {
			text = ""
		}
	}
	return strings.TrimSpace(text)
}

// singleLine collapses a message onto one input line. Every newline
// written to the backend produces its own prompt, which would
// desynchronize the exchange.
func singleLine(message string) string {
	return strings.Join(strings.FieldsFunc(message, func(r rune) bool {
		return r == '\n' || r == '\r'
	}), " ")
}
