package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/ncruces/go-strftime"
)

// Level is a log severity.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// ansi color codes per level, used only when the output is a real terminal.
var levelColor = map[Level]string{
	LevelDebug: "\x1b[90m", // gray
	LevelInfo:  "\x1b[36m", // cyan
	LevelWarn:  "\x1b[33m", // yellow
	LevelError: "\x1b[31m", // red
}

const ansiReset = "\x1b[0m"

// Logger is the storage core's leveled logger: used for DBWriter cycle
// summaries, recovery progress, and GC reports. One instance is normally
// shared across a whole store.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Level
	color    bool
}

// NewLogger builds a Logger writing to w. Color is enabled automatically
// when w is (after unwrapping through go-colorable) a real terminal; pass
// os.Stdout/os.Stderr directly to get that detection.
func NewLogger(w io.Writer, minLevel Level) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if color {
			w = colorable.NewColorable(f)
		}
	}
	return &Logger{out: w, minLevel: minLevel, color: color}
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.minLevel {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts, err := strftime.Format("%Y-%m-%d %H:%M:%S", time.Now())
	if err != nil {
		ts = time.Now().Format("2006-01-02 15:04:05")
	}
	line := fmt.Sprintf(msg, args...)
	if l.color {
		fmt.Fprintf(l.out, "%s [%s%-5s%s] %s\n", ts, levelColor[level], level, ansiReset, line)
	} else {
		fmt.Fprintf(l.out, "%s [%-5s] %s\n", ts, level, line)
	}
}

func (l *Logger) Debugf(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Infof(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warnf(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Errorf(msg string, args ...any) { l.log(LevelError, msg, args...) }

// NopLogger discards everything — used by tests that don't want log noise.
func NopLogger() *Logger {
	return &Logger{out: io.Discard, minLevel: LevelError + 1}
}
