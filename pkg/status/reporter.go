// Package status is the console and log-file sink for leveled run messages.
//
// Every message is appended to the log file as a timestamped slog text line.
// The console only shows INFO, SUCCESS and WARNING lines in verbose mode or
// when the caller forces display; ERROR lines are always shown.
package status

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

// LevelSuccess sits between INFO and WARN so it survives an INFO threshold.
const LevelSuccess = slog.Level(2)

// Level is a report level.
type Level int

const (
	Info Level = iota
	Success
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Success:
		return "SUCCESS"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case Success:
		return LevelSuccess
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorReset  = "\033[0m"
)

func (l Level) color() string {
	switch l {
	case Success:
		return colorGreen
	case Warning:
		return colorYellow
	case Error:
		return colorRed
	default:
		return colorBlue
	}
}

// Reporter writes leveled messages to the console and the log file.
type Reporter struct {
	mu      sync.Mutex
	console io.Writer
	color   bool
	verbose bool
	logger  *slog.Logger
	sink    io.Writer
	closer  io.Closer
}

// New opens (or creates) the log file for appending. A log file that cannot be
// opened degrades to console-only output.
func New(logPath string, verbose bool) *Reporter {
	r := &Reporter{
		console: os.Stdout,
		color:   term.IsTerminal(int(os.Stdout.Fd())),
		verbose: verbose,
	}

	var sink io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(r.console, "WARNING: cannot open log file %s: %v\n", logPath, err)
		} else {
			sink = f
			r.closer = f
		}
	}
	r.sink = sink
	r.logger = slog.New(NewFileHandler(sink))
	return r
}

// NewWithWriters builds a reporter over explicit writers without color.
func NewWithWriters(console, logFile io.Writer, verbose bool) *Reporter {
	return &Reporter{
		console: console,
		verbose: verbose,
		sink:    logFile,
		logger:  slog.New(NewFileHandler(logFile)),
	}
}

// NewFileHandler returns the text handler used for the log file. It renders
// LevelSuccess as SUCCESS.
func NewFileHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelSuccess {
					a.Value = slog.StringValue("SUCCESS")
				}
			}
			return a
		},
	})
}

// Logger returns the log-file logger so it can become slog's default.
func (r *Reporter) Logger() *slog.Logger { return r.logger }

// LogWriter returns the log file sink for libraries with their own logger.
func (r *Reporter) LogWriter() io.Writer { return r.sink }

// Verbose reports whether non-error lines reach the console.
func (r *Reporter) Verbose() bool { return r.verbose }

// Report logs msg at level and prints it to the console when visible.
func (r *Reporter) Report(level Level, msg string) {
	r.report(level, msg, false)
}

// Always prints msg to the console regardless of verbosity.
func (r *Reporter) Always(level Level, msg string) {
	r.report(level, msg, true)
}

func (r *Reporter) Info(format string, args ...any) {
	r.Report(Info, fmt.Sprintf(format, args...))
}

func (r *Reporter) Success(format string, args ...any) {
	r.Report(Success, fmt.Sprintf(format, args...))
}

func (r *Reporter) Warn(format string, args ...any) {
	r.Report(Warning, fmt.Sprintf(format, args...))
}

func (r *Reporter) Error(format string, args ...any) {
	r.Report(Error, fmt.Sprintf(format, args...))
}

// Hint prints a remediation line under an error. Hints are always visible.
func (r *Reporter) Hint(hint string) {
	if hint == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.console, "  hint: %s\n", hint)
	r.logger.Info(hint, "kind", "hint")
}

// Println writes plain console output, such as tables and menus.
func (r *Reporter) Println(a ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.console, a...)
}

func (r *Reporter) Printf(format string, a ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.console, format, a...)
}

func (r *Reporter) report(level Level, msg string, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Log(context.Background(), level.slogLevel(), msg)

	if !(force || r.verbose || level == Error) {
		return
	}
	if r.color {
		fmt.Fprintf(r.console, "%s[%s]%s %s\n", level.color(), level, colorReset, msg)
	} else {
		fmt.Fprintf(r.console, "[%s] %s\n", level, msg)
	}
}

// Close closes the log file.
func (r *Reporter) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
