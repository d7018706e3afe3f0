package cli

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 20))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "long…", truncate("longer", 5))

	// Multibyte names must not be cut mid-rune.
	got := truncate("bäckerei-aufräumen", 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "bäckerei-…", got)

	got = truncate("日本語のタスク名です", 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "日本語の…", got)
}

func TestFmtTime(t *testing.T) {
	assert.Equal(t, "-", fmtTime(time.Time{}))
	assert.NotEqual(t, "-", fmtTime(time.Now()))
}

func TestFmtPID(t *testing.T) {
	assert.Equal(t, "-", fmtPID(0))
	assert.Equal(t, "4242", fmtPID(4242))
}
