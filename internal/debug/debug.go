// Package debug is the feeder's structured diagnostic log.
//
// When enabled (--debug or FEEDER_DEBUG=1) every significant engine event
// is appended to a file under <data dir>/debug/ as one key=value line with
// a timestamp, goroutine ID and caller. When disabled every call is a no-op.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const EnvEnabled = "FEEDER_DEBUG"

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

type Logger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	path      string
	startedAt time.Time
	pid       int
}

// Init opens a new log file in dir and installs it as the global logger.
// Returns the file path. Calling Init twice returns the existing path.
func Init(dir string) (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("feeder_%s.log", now.Format("20060102T150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}
	fmt.Fprintf(f, "=== FEEDER DEBUG LOG ===\nStarted: %s\nPID: %d\n===\n\n", now.Format(time.RFC3339Nano), os.Getpid())

	install(&Logger{w: f, closer: f, path: path, startedAt: now, pid: os.Getpid()})
	return path, nil
}

// InitWriter installs a logger writing to w. Used by tests and by
// `serve --log-stderr`.
func InitWriter(w io.Writer) {
	install(&Logger{w: w, startedAt: time.Now(), pid: os.Getpid()})
}

func install(l *Logger) {
	loggerMu.Lock()
	old := logger
	logger = l
	loggerMu.Unlock()
	if old != nil && old.closer != nil {
		old.closer.Close()
	}
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "\n=== DEBUG LOG CLOSED === (pid=%d duration=%s)\n", l.pid, time.Since(l.startedAt))
	if l.closer != nil {
		l.closer.Close()
	}
}

func Enabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger != nil
}

func Path() string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return ""
	}
	return logger.path
}

// ShouldEnableFromEnv reports whether FEEDER_DEBUG asks for logging.
func ShouldEnableFromEnv() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func Log(component, msg string) {
	if l := current(); l != nil {
		l.write(component, msg, 2)
	}
}

func Logf(component, format string, args ...any) {
	if l := current(); l != nil {
		l.write(component, fmt.Sprintf(format, args...), 2)
	}
}

// LogKV writes msg followed by key=value pairs.
// Usage: debug.LogKV("session", "run started", "run_id", 5, "steps", 512)
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.write(component, b.String(), 2)
}

func current() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func (l *Logger) write(component, msg string, callerSkip int) {
	now := time.Now()

	_, file, line, ok := runtime.Caller(callerSkip)
	caller := "??:0"
	if ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+1:]
		} else if idx := strings.LastIndex(file, "/cmd/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	out := fmt.Sprintf("%s +%12s [G%-6d] [%-10s] %-34s | %s\n",
		now.Format("15:04:05.000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		goroutineID(),
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	io.WriteString(l.w, out)
	l.mu.Unlock()
}

// goroutineID parses the "goroutine N [" header of runtime.Stack.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	if !strings.HasPrefix(s, "goroutine ") {
		return 0
	}
	s = s[len("goroutine "):]
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
