package search

import "testing"

func TestSnippet(t *testing.T) {
	short := "extracted a helper from the parser"
	if got := snippet(short, 30); got != short {
		t.Fatalf("snippet() = %q, want unchanged text", got)
	}

	if got := snippet("one two three four five", 3); got != "one two three…" {
		t.Fatalf("snippet() = %q, want %q", got, "one two three…")
	}

	if got := snippet("", 30); got != "" {
		t.Fatalf("snippet() = %q, want empty", got)
	}
}

func TestEscapeLike(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"100%", `100\%`},
		{"snake_case", `snake\_case`},
		{`back\slash`, `back\\slash`},
		{`%_\`, `\%\_\\`},
	}
	for _, tc := range cases {
		if got := escapeLike(tc.in); got != tc.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
