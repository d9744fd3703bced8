package sysutil

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	lvl, lg := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(lvl)
		log.Logger = lg
	})
}

func TestSetLogLevel(t *testing.T) {
	keepGlobals(t)
	for in, want := range map[string]zerolog.Level{
		"debug":     zerolog.DebugLevel,
		"  DeBuG  ": zerolog.DebugLevel,
		"":          zerolog.InfoLevel,
		"warning":   zerolog.WarnLevel,
		"error":     zerolog.ErrorLevel,
		"fatal":     zerolog.FatalLevel,
		"panic":     zerolog.PanicLevel,
		"verbose":   zerolog.InfoLevel,
	} {
		SetLogLevel(in)
		if got := zerolog.GlobalLevel(); got != want {
			t.Errorf("SetLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger(t *testing.T) {
	keepGlobals(t)
	for _, pretty := range []bool{false, true} {
		l := SetupLogger("warn", pretty, "operator-7")
		if zerolog.GlobalLevel() != zerolog.WarnLevel {
			t.Fatalf("pretty=%v: level %v", pretty, zerolog.GlobalLevel())
		}
		if l.GetLevel() != log.Logger.GetLevel() {
			t.Fatalf("pretty=%v: global logger not replaced", pretty)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{" ", "\t"}, ""},
		{[]string{"", "u-42", "console"}, "u-42"},
		{[]string{"  keep  ", "x"}, "  keep  "},
	}
	for _, tc := range cases {
		if got := FirstNonEmpty(tc.in...); got != tc.want {
			t.Errorf("FirstNonEmpty(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
