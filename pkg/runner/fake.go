package runner

import (
	"context"
	"strings"
	"sync"
)

// Handler produces the outcome of a faked command.
type Handler func(ctx context.Context, args []string) (Result, error)

// Fake records invocations and answers them from registered handlers. A
// command without a handler succeeds with empty output.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	Calls    []string
}

func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle registers h for every invocation whose command line starts with prefix.
// The longest matching prefix wins.
func (f *Fake) Handle(prefix string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[prefix] = h
}

// Respond registers a fixed stdout for prefix.
func (f *Fake) Respond(prefix, stdout string) {
	f.Handle(prefix, func(context.Context, []string) (Result, error) {
		return Result{Stdout: stdout}, nil
	})
}

// Fail registers a non-zero exit for prefix.
func (f *Fake) Fail(prefix string, code int, stderr string) {
	f.Handle(prefix, func(context.Context, []string) (Result, error) {
		res := Result{ExitCode: code, Stderr: stderr}
		return res, &ExitError{Command: prefix, Result: res}
	})
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (Result, error) {
	line := CommandLine(name, args...)

	f.mu.Lock()
	f.Calls = append(f.Calls, line)
	var best Handler
	bestLen := -1
	for prefix, h := range f.handlers {
		if strings.HasPrefix(line, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if best == nil {
		return Result{}, nil
	}
	return best(ctx, args)
}

// CallsWithPrefix returns recorded command lines starting with prefix.
func (f *Fake) CallsWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}
