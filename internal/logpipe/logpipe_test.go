package logpipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rotatedPath(base string) PathFunc {
	return func(n int) string { return base + "." + itoa(n) }
}

func itoa(n int) string {
	return string('0' + byte(n))
}

func TestRunCapturesLinesAndBroadcasts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-out.log")
	p := New("web", "stdout", path, rotatedPath(path), "")

	ch := p.Subscribe()
	defer p.Unsubscribe(ch)

	r := strings.NewReader("line one\nline two\n")
	require.NoError(t, p.Run(r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	first := <-ch
	assert.Equal(t, "line one", first.Line)
	assert.Equal(t, "web", first.Process)
}

func TestRunAppliesDateFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-out.log")
	p := New("web", "stdout", path, rotatedPath(path), "2006-01-02")

	require.NoError(t, p.Run(strings.NewReader("hello\n")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), " | hello")
}

func TestRotateShiftsAndDeletesOldest(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "web-out.log")
	rf := rotatedPath(base)

	require.NoError(t, os.WriteFile(base, []byte("current"), 0o644))
	require.NoError(t, os.WriteFile(rf(1), []byte("gen1"), 0o644))
	require.NoError(t, os.WriteFile(rf(2), []byte("gen2"), 0o644))
	require.NoError(t, os.WriteFile(rf(3), []byte("gen3-oldest"), 0o644))

	require.NoError(t, Rotate(base, rf))

	_, err := os.Stat(base)
	assert.True(t, os.IsNotExist(err))

	gen1, err := os.ReadFile(rf(1))
	require.NoError(t, err)
	assert.Equal(t, "current", string(gen1))

	gen2, err := os.ReadFile(rf(2))
	require.NoError(t, err)
	assert.Equal(t, "gen1", string(gen2))

	gen3, err := os.ReadFile(rf(3))
	require.NoError(t, err)
	assert.Equal(t, "gen2", string(gen3))
}

func TestTailReturnsLastNLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-out.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	got, err := Tail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, got)
}

func TestTailMissingFile(t *testing.T) {
	got, err := Tail("/nonexistent/log.txt", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTailZeroLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-out.log")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))

	got, err := Tail(path, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
