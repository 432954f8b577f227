package console

import "testing"

func TestParseCmdlineLastOccurrenceWins(t *testing.T) {
	c := ParseCmdline("loglevel=warn quiet loglevel=debug")

	lvl := c.LogLevel()
	if lvl != LevelDebug {
		t.Fatalf("expected last loglevel occurrence to win, got %s", lvl)
	}

	if _, ok := c.Get("quiet"); !ok {
		t.Fatal("expected bare token 'quiet' to be present")
	}
}

func TestParseCmdlineUnknownLevelFallsBackToInfo(t *testing.T) {
	c := ParseCmdline("loglevel=chatty")

	if lvl := c.LogLevel(); lvl != LevelInfo {
		t.Fatalf("expected fallback to LevelInfo, got %s", lvl)
	}
}

func TestParseCmdlineAbsentLevelDefaultsToInfo(t *testing.T) {
	c := ParseCmdline("")

	if lvl := c.LogLevel(); lvl != LevelInfo {
		t.Fatalf("expected LevelInfo on empty command line, got %s", lvl)
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, name := range []string{"trace", "debug", "info", "warn", "error", "off"} {
		lvl, ok := ParseLevel(name)
		if !ok {
			t.Fatalf("expected %q to parse", name)
		}
		if lvl.String() != name {
			t.Fatalf("expected %q to round-trip, got %q", name, lvl.String())
		}
	}
}
