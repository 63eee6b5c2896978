package commands

import (
	"fmt"
	"testing"

	"github.com/clonestick/clonestick/pkg/db"
	"github.com/clonestick/clonestick/pkg/errors"
)

func TestDetails(t *testing.T) {
	tests := []struct {
		run  db.Run
		want string
	}{
		{db.Run{}, "-"},
		{db.Run{Version: "3.2.0-5"}, "live 3.2.0-5"},
		{db.Run{Version: "3.2.0-5", BackupSource: "s3://b/k.zip"}, "live 3.2.0-5, backup s3://b/k.zip"},
		{db.Run{BackupSource: "/srv/b.tar", ErrorMessage: "not enough partitions"}, "not enough partitions"},
	}
	for _, tt := range tests {
		if got := details(&tt.run); got != tt.want {
			t.Errorf("details(%+v) = %q, want %q", tt.run, got, tt.want)
		}
	}
}

func TestExitCodeSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("run: %w", exitCode(1))
	var code exitCode
	if !errors.As(err, &code) || code != 1 {
		t.Errorf("errors.As = %v, code %d", errors.As(err, &code), code)
	}
}
