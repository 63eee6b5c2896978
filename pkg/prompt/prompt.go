// Package prompt is the interaction adapter: it reads operator answers and
// keeps decision logic free of terminal handling.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/clonestick/clonestick/pkg/errors"
)

// Prompter asks the operator for a line of input.
type Prompter interface {
	Ask(ctx context.Context, text string) (string, error)
}

// Confirm asks a yes/no question. Only "y" and "yes" count as agreement.
func Confirm(ctx context.Context, p Prompter, text string) (bool, error) {
	ans, err := p.Ask(ctx, fmt.Sprintf("%s [y/N]: ", text))
	if err != nil {
		return false, err
	}
	ans = strings.ToLower(strings.TrimSpace(ans))
	return ans == "y" || ans == "yes", nil
}

type line struct {
	text string
	err  error
}

// LinePrompter reads answers from a stream. A single reader goroutine feeds
// lines so a pending Ask returns as soon as ctx is cancelled.
type LinePrompter struct {
	out   io.Writer
	in    io.Reader
	once  sync.Once
	lines chan line
}

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: in, out: out, lines: make(chan line)}
}

func (p *LinePrompter) start() {
	go func() {
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			p.lines <- line{text: sc.Text()}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		p.lines <- line{err: err}
		close(p.lines)
	}()
}

func (p *LinePrompter) Ask(ctx context.Context, text string) (string, error) {
	p.once.Do(p.start)
	fmt.Fprint(p.out, text)

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", errors.Cancelled("prompt interrupted", ctx.Err())
	case l, ok := <-p.lines:
		if !ok || l.err != nil {
			return "", errors.Cancelled("no more input", io.EOF)
		}
		return strings.TrimSpace(l.text), nil
	}
}

// Scripted answers from a fixed list; it is used by tests and unattended runs.
type Scripted struct {
	Answers []string
	Asked   []string
}

func (s *Scripted) Ask(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Cancelled("prompt interrupted", err)
	}
	s.Asked = append(s.Asked, text)
	if len(s.Answers) == 0 {
		return "", errors.Cancelled("no more input", io.EOF)
	}
	ans := s.Answers[0]
	s.Answers = s.Answers[1:]
	return ans, nil
}
