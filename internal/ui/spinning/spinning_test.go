package spinning

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpinning(t *testing.T) {
	Theme = ThemeAscii
	defer func() { Theme = ThemeClock }()
	var buf bytes.Buffer
	s := NewWithWriter(context.Background(), &buf)
	s.Done()
	s.Done() // Calling it twice is fine.
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[?25l"), "cursor hidden")
	assert.True(t, strings.HasSuffix(out, "\033[?25h"), "cursor restored")
	assert.Contains(t, out, "|")
}

func TestSpinningCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	s := NewWithWriter(ctx, &buf)
	cancel()
	s.Done()
	assert.True(t, strings.HasSuffix(buf.String(), "\033[?25h"))
}
