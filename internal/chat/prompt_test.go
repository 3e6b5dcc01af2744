package chat

import "testing"

func TestPromptScanner(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   promptState
	}{
		{"empty prompt at start", []string{"> "}, stateCandidate},
		{"banner then prompt", []string{"Welcome\n> "}, stateCandidate},
		{"split delimiter", []string{"hello\n", ">", " "}, stateCandidate},
		{"no prompt", []string{"thinking..."}, stateAccumulating},
		{"prompt then more data", []string{"quote:\n> ", "continued"}, stateAccumulating},
		{"terminal prompt", []string{"reply\r\n> "}, stateCandidate},
		{"angle without space", []string{"a\n>"}, stateAccumulating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sc promptScanner
			var got promptState
			for _, c := range tt.chunks {
				got = sc.feed([]byte(c))
			}
			if got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPromptScanner_Confirm(t *testing.T) {
	var sc promptScanner
	sc.feed([]byte("line one\n> still going\nline two\n> "))
	if sc.state != stateCandidate {
		t.Fatalf("state = %v, want candidate", sc.state)
	}

	got := sc.confirm()
	if want := "line one\n> still going\nline two"; got != want {
		t.Errorf("confirm() = %q, want %q", got, want)
	}
	if sc.state != stateConfirmed {
		t.Errorf("state after confirm = %v, want confirmed", sc.state)
	}
	if sc.pending() != 0 {
		t.Errorf("pending after confirm = %d, want 0", sc.pending())
	}

	// Feeding after confirmation starts a fresh response.
	if st := sc.feed([]byte("next")); st != stateAccumulating {
		t.Errorf("state after new data = %v, want accumulating", st)
	}
}

func TestPromptScanner_ConfirmAtStreamStart(t *testing.T) {
	var sc promptScanner
	sc.feed([]byte("> "))
	if got := sc.confirm(); got != "" {
		t.Errorf("confirm() = %q, want empty", got)
	}
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		sent string
		want string
	}{
		{"plain", "the answer is 4", "what is 2+2", "the answer is 4"},
		{"echoed input", "what is 2+2\nthe answer is 4", "what is 2+2", "the answer is 4"},
		{"terminal echo", "what is 2+2\r\nthe answer is 4\r", "what is 2+2", "the answer is 4"},
		{"echo only", "hello", "hello", ""},
		{"echo after prompt", "> hello\nhi there", "hello", "hi there"},
		{"not an echo", "hello world\nbye", "hello", "hello world\nbye"},
		{"whitespace", "\n\n  reply  \n", "x", "reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanResponse(tt.raw, tt.sent); got != tt.want {
				t.Errorf("cleanResponse(%q, %q) = %q, want %q", tt.raw, tt.sent, got, tt.want)
			}
		})
	}
}

func TestSingleLine(t *testing.T) {
	tests := []struct{ in, want string }{
		{"hello", "hello"},
		{"a\nb", "a b"},
		{"a\r\nb\n\nc", "a b c"},
	}
	for _, tt := range tests {
		if got := singleLine(tt.in); got != tt.want {
			t.Errorf("singleLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
