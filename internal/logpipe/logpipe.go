// Package logpipe captures a child process's stdout/stderr, line-buffers
// it into a rotating file, and fans each line out to live "follow"
// subscribers.
package logpipe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RotationSize is the file size threshold that triggers rotation.
const RotationSize int64 = 10 * 1024 * 1024 // 10MB

// RotationKeep is the number of rotated backups retained (.1 .. .RotationKeep).
const RotationKeep = 3

// Entry is a single captured line, broadcast to Follow subscribers.
type Entry struct {
	Process string
	Stream  string // "stdout" or "stderr"
	Line    string
	At      time.Time
}

// PathFunc returns the rotated backup path for generation n (1-based).
type PathFunc func(n int) string

// Pipe copies lines from a reader into a rotating file, applying an
// optional timestamp prefix, and broadcasts each line to subscribers.
type Pipe struct {
	process    string
	stream     string
	path       string
	rotatedOf  PathFunc
	dateFormat string // time.Layout; empty disables the "{ts} | {line}" prefix

	mu   sync.Mutex
	subs map[chan Entry]struct{}
}

// New builds a Pipe writing to path, rotating via rotatedOf(1..RotationKeep).
func New(process, stream, path string, rotatedOf PathFunc, dateFormat string) *Pipe {
	return &Pipe{
		process:    process,
		stream:     stream,
		path:       path,
		rotatedOf:  rotatedOf,
		dateFormat: dateFormat,
		subs:       make(map[chan Entry]struct{}),
	}
}

// Subscribe registers a channel to receive every future line. The caller
// must eventually call Unsubscribe; Run never blocks waiting for a slow
// subscriber beyond a small buffered channel, dropping entries if the
// subscriber falls behind.
func (p *Pipe) Subscribe() chan Entry {
	ch := make(chan Entry, 64)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

func (p *Pipe) Unsubscribe(ch chan Entry) {
	p.mu.Lock()
	delete(p.subs, ch)
	p.mu.Unlock()
	close(ch)
}

func (p *Pipe) broadcast(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Run reads lines from r until EOF or an error, writing each to the
// rotating file and broadcasting it. It blocks until r is exhausted, so
// callers run it in its own goroutine per stream.
func (p *Pipe) Run(r io.Reader) error {
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", p.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if err := p.rotateIfNeeded(f); err != nil {
			return err
		}
		// rotateIfNeeded may have swapped the underlying file; reopen handle.
		f, err = p.currentFile(f)
		if err != nil {
			return err
		}

		out := line
		if p.dateFormat != "" {
			out = time.Now().Format(p.dateFormat) + " | " + line
		}
		if _, err := fmt.Fprintln(f, out); err != nil {
			return fmt.Errorf("write log %s: %w", p.path, err)
		}

		p.broadcast(Entry{Process: p.process, Stream: p.stream, Line: line, At: time.Now()})
	}
	return scanner.Err()
}

// currentFile re-opens the log file if rotation closed and renamed it.
func (p *Pipe) currentFile(f *os.File) (*os.File, error) {
	if _, err := f.Stat(); err == nil {
		return f, nil
	}
	_ = f.Close()
	return os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func (p *Pipe) rotateIfNeeded(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return nil // file vanished; currentFile will recreate it
	}
	if info.Size() < RotationSize {
		return nil
	}
	if err := f.Close(); err != nil {
		return err
	}
	return Rotate(p.path, p.rotatedOf)
}

// Rotate shifts existing backups up by one generation, deleting the oldest,
// then renames the current log file into the .1 slot. Matches the layout
// "name.log", "name.log.1", ..., "name.log.RotationKeep".
func Rotate(path string, rotatedOf PathFunc) error {
	oldest := rotatedOf(RotationKeep)
	_ = os.Remove(oldest)

	for n := RotationKeep - 1; n >= 1; n-- {
		src := rotatedOf(n)
		dst := rotatedOf(n + 1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("rotate %s -> %s: %w", src, dst, err)
			}
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, rotatedOf(1)); err != nil {
			return fmt.Errorf("rotate %s -> %s: %w", path, rotatedOf(1), err)
		}
	}
	return nil
}

// Tail returns the last n lines of path, or an empty slice if the file
// doesn't exist yet or n <= 0.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	f, err := os.Open(path) // #nosec G304 -- path resolved from internal paths package
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
