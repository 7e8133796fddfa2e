package content

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"<b>bold</b> move", "bold move"},
		{`<script>alert("xss")</script>hi`, "hi"},
		{`<a href="https://example.com">link</a>`, "link"},
		{"a < b && b > c", "a &lt; b &amp;&amp; b &gt; c"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	if err := ValidateMessage("hello", 100); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}

	for _, bad := range []string{"", "   ", "\t\n"} {
		if err := ValidateMessage(bad, 100); !errors.Is(err, ErrInvalidContent) {
			t.Errorf("ValidateMessage(%q): expected ErrInvalidContent, got %v", bad, err)
		}
	}

	if err := ValidateMessage(strings.Repeat("x", 101), 100); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("oversized message: expected ErrInvalidContent, got %v", err)
	}
	if err := ValidateMessage(strings.Repeat("x", 100), 100); err != nil {
		t.Errorf("message at the limit rejected: %v", err)
	}

	if err := ValidateMessage("ok\xff\xfe", 100); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("invalid utf-8: expected ErrInvalidContent, got %v", err)
	}
}

func TestValidateUsername(t *testing.T) {
	for _, ok := range []string{"alice", "bob_42", "a.b-c", "X"} {
		if err := ValidateUsername(ok); err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []string{"", "has space", "semi;colon", "приветик?", "<img>"} {
		if err := ValidateUsername(bad); err == nil {
			t.Errorf("ValidateUsername(%q) = nil, want error", bad)
		}
	}
}
