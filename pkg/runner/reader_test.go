package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestContextReaderPassesThrough(t *testing.T) {
	got, err := io.ReadAll(NewContextReader(context.Background(), strings.NewReader("payload")))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("read %q, want %q", got, "payload")
	}
}

func TestContextReaderStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewContextReader(ctx, strings.NewReader("abcdef"))

	buf := make([]byte, 3)
	if n, err := r.Read(buf); err != nil || n != 3 {
		t.Fatalf("first read = %d, %v", n, err)
	}
	cancel()
	if _, err := r.Read(buf); !errors.Is(err, context.Canceled) {
		t.Errorf("read after cancel err = %v, want context.Canceled", err)
	}
}
