package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindAndHintSurviveWrapping(t *testing.T) {
	base := Validation("device too small", "pick a larger device")
	err := Wrap(fmt.Errorf("select: %w", base), "device selection failed")

	if got := KindOf(err); got != KindValidation {
		t.Errorf("KindOf = %v, want %v", got, KindValidation)
	}
	if got := HintOf(err); got != "pick a larger device" {
		t.Errorf("HintOf = %q", got)
	}
}

func TestShortageError(t *testing.T) {
	err := &ShortageError{What: "device /dev/sdb", Required: 8 << 30, Available: 4 << 30}

	msg := err.Error()
	for _, want := range []string{"required 8GB", "available 4GB", "/dev/sdb"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q does not contain %q", msg, want)
		}
	}
	if KindOf(Wrap(err, "validate")) != KindValidation {
		t.Error("shortage should classify as validation")
	}
	if HintOf(err) == "" {
		t.Error("shortage should carry a hint")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(New("boom")); got != KindUnknown {
		t.Errorf("KindOf = %v, want unknown", got)
	}
}
