// Package journal provides a timestamped operations log for the rollout,
// written to both a journal file and stdout with per-phase color coding.
// the file is the human-readable audit trail of every phase and process
// operation; machine state lives in the store, never here.
package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/umputun/betagate/pkg/phase"
)

// phase colors using fatih/color.
var (
	onboardingColor = color.New(color.FgGreen)
	coreColor       = color.New(color.FgCyan)
	safetyColor     = color.New(color.FgMagenta)
	uxColor         = color.New(color.FgBlue)
	warnColor       = color.New(color.FgYellow)
	errorColor      = color.New(color.FgRed)
	timestampColor  = color.New(color.FgWhite)
)

// phaseColors maps rollout phases to their color functions.
var phaseColors = map[phase.Phase]*color.Color{
	phase.Onboarding:     onboardingColor,
	phase.CoreFeatures:   coreColor,
	phase.DataSafety:     safetyColor,
	phase.UserExperience: uxColor,
}

// timestampFormat is the format for journal timestamps: YY-MM-DD HH:MM:SS
const timestampFormat = "06-01-02 15:04:05"

// Logger writes timestamped entries to both the journal file and stdout.
// safe for concurrent use; HTTP handlers and the watcher share one instance.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	stdout    io.Writer
	startTime time.Time
}

// Config holds journal configuration.
type Config struct {
	Path    string // journal file path
	NoColor bool   // disable color output (sets color.NoColor globally)
}

// New creates a logger writing to both the journal file and stdout.
func New(cfg Config) (*Logger, error) {
	if cfg.NoColor {
		color.NoColor = true
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	l := &Logger{
		file:      f,
		stdout:    os.Stdout,
		startTime: time.Now(),
	}

	l.writeFile("# Betagate Operations Journal\n")
	l.writeFile("Started: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	l.writeFile("%s\n\n", strings.Repeat("-", 60))

	return l, nil
}

// Path returns the journal file path.
func (l *Logger) Path() string {
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Event writes a phase-scoped entry, colored for the phase on stdout.
func (l *Logger) Event(p phase.Phase, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format(timestampFormat)

	l.writeFile("[%s] %s: %s\n", timestamp, p, msg)

	pc, ok := phaseColors[p]
	if !ok {
		pc = timestampColor
	}
	tsStr := timestampColor.Sprintf("[%s]", timestamp)
	l.writeStdout("%s %s\n", tsStr, pc.Sprintf("%s: %s", p, msg))
}

// Logf writes a plain entry; level prefixes like [WARN] pass through as-is.
// satisfies the notify package's logger interface.
func (l *Logger) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format(timestampFormat)

	l.writeFile("[%s] %s\n", timestamp, msg)
	l.writeStdout("%s %s\n", timestampColor.Sprintf("[%s]", timestamp), msg)
}

// Warn writes a warning entry in yellow.
func (l *Logger) Warn(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format(timestampFormat)

	l.writeFile("[%s] WARN: %s\n", timestamp, msg)
	l.writeStdout("%s %s\n", timestampColor.Sprintf("[%s]", timestamp), warnColor.Sprintf("WARN: %s", msg))
}

// Error writes an error entry in red.
func (l *Logger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format(timestampFormat)

	l.writeFile("[%s] ERROR: %s\n", timestamp, msg)
	l.writeStdout("%s %s\n", timestampColor.Sprintf("[%s]", timestamp), errorColor.Sprintf("ERROR: %s", msg))
}

// Elapsed returns formatted elapsed time since the journal opened.
func (l *Logger) Elapsed() string {
	return humanize.RelTime(l.startTime, time.Now(), "", "")
}

// Close writes the footer and closes the journal file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	l.writeFile("\n%s\n", strings.Repeat("-", 60))
	l.writeFile("Closed: %s (%s)\n", time.Now().Format("2006-01-02 15:04:05"), l.Elapsed())

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	return nil
}

func (l *Logger) writeFile(format string, args ...any) {
	if l.file != nil {
		fmt.Fprintf(l.file, format, args...)
	}
}

func (l *Logger) writeStdout(format string, args ...any) {
	fmt.Fprintf(l.stdout, format, args...)
}
