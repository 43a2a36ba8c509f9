package intent

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Best Plumbers":            "best plumbers",
		"  BEST   plumbers!! ":     "best plumbers",
		"Café Crème in São Paulo":  "cafe creme in sao paulo",
		"Roofing - Austin, TX":     "roofing austin tx",
		"":                         "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashStableUnderFormatting(t *testing.T) {
	t.Parallel()

	a := Hash("Best Plumbers", "Austin")
	b := Hash("  best PLUMBERS ", "austin")
	if a != b {
		t.Fatalf("expected equal hashes for equivalent intents")
	}
	if Hash("Best Plumbers", "Denver") == a {
		t.Fatalf("expected location to change the hash")
	}
	if Hash("Best Plumbers Austin", "") == a {
		t.Fatalf("title and location must not be concatenated ambiguously")
	}
}
