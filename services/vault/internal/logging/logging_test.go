package logging

import (
	"testing"

	"github.com/mborders/logmatic"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logmatic.LogLevel{
		"trace":   logmatic.TRACE,
		"DEBUG":   logmatic.DEBUG,
		" warn ":  logmatic.WARN,
		"error":   logmatic.ERROR,
		"info":    logmatic.INFO,
		"verbose": logmatic.INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
