package prompt

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/clonestick/clonestick/pkg/errors"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{"y", true},
		{"YES", true},
		{" yes ", true},
		{"n", false},
		{"", false},
		{"sure", false},
	}

	for _, tt := range tests {
		s := &Scripted{Answers: []string{tt.answer}}
		got, err := Confirm(context.Background(), s, "Continue?")
		if err != nil {
			t.Fatalf("Confirm(%q): %v", tt.answer, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.answer, got, tt.want)
		}
	}
}

func TestLinePrompterReadsLines(t *testing.T) {
	var out bytes.Buffer
	p := NewLinePrompter(strings.NewReader("sdb\nyes\n"), &out)
	ctx := context.Background()

	first, err := p.Ask(ctx, "Device: ")
	if err != nil || first != "sdb" {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := p.Ask(ctx, "Sure? ")
	if err != nil || second != "yes" {
		t.Fatalf("second = %q, %v", second, err)
	}
	if _, err := p.Ask(ctx, "More? "); errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("expected cancellation at EOF, got %v", err)
	}
}

func TestLinePrompterCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewLinePrompter(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Ask(ctx, "Device: ")
	if errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("expected cancellation, got %v", err)
	}
}
