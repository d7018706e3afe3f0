package logx

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		" INFO ":  zerolog.InfoLevel,
		"":        zerolog.WarnLevel,
		"bogus":   zerolog.WarnLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in, zerolog.WarnLevel), "input %q", in)
	}
}

func TestZeroValueIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	// Must not panic.
	l.Info("dropped")
	l.With(String("k", "v")).Error("also dropped")
}

func TestNopIsNotZero(t *testing.T) {
	l := Nop()
	assert.False(t, l.IsZero())
	l.Info("dropped")
}

func TestWithDoesNotMutateParent(t *testing.T) {
	parent := Nop()
	child := parent.With(String("a", "1"))
	grandchild := child.With(String("b", "2"))

	assert.Len(t, parent.fields, 0)
	assert.Len(t, child.fields, 1)
	assert.Len(t, grandchild.fields, 2)
}

func TestServiceApplySwapsLevel(t *testing.T) {
	svc, log := New(Config{Level: "error", Console: true})
	defer svc.Close()

	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))

	svc.Apply(Config{Level: "debug", Console: true})
	assert.True(t, log.Enabled(LevelDebug))
}
