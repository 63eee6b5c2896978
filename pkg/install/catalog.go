package install

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/prompt"
	"github.com/clonestick/clonestick/pkg/status"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultBackupBaseURL is substituted for {base} in catalog sources.
const DefaultBackupBaseURL = "https://images.clonestick.dev/backups"

// Entry is a predefined backup image.
type Entry struct {
	Title  string `yaml:"title"`
	Source string `yaml:"source"`
}

type catalogFile struct {
	Backups []Entry `yaml:"backups"`
}

// LoadCatalog reads the backup catalog at path, or the built-in one when path
// is empty, and expands {base} in every source.
func LoadCatalog(path, base string) ([]Entry, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Classify(errors.KindEnvironment, err, "cannot read backup catalog "+path,
				"check the backup-catalog setting")
		}
		data = b
	}
	return ParseCatalog(data, base)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte, base string) ([]Entry, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, errors.Classify(errors.KindValidation, err, "invalid backup catalog",
			"the catalog must be a YAML document with a backups list")
	}
	if base == "" {
		base = DefaultBackupBaseURL
	}
	base = strings.TrimSuffix(base, "/")

	out := make([]Entry, 0, len(cf.Backups))
	for i, e := range cf.Backups {
		if strings.TrimSpace(e.Title) == "" || strings.TrimSpace(e.Source) == "" {
			return nil, errors.Validation(fmt.Sprintf("backup catalog entry %d needs a title and a source", i+1),
				"fix the backup catalog")
		}
		e.Source = strings.ReplaceAll(e.Source, "{base}", base)
		out = append(out, e)
	}
	return out, nil
}

// Choice is the outcome of the backup menu.
type Choice struct {
	Source string
	Skip   bool
}

// ChooseBackup shows the catalog plus a custom entry and, when allowSkip is
// set, a skip entry. It loops until the answer is valid.
func ChooseBackup(ctx context.Context, p prompt.Prompter, r *status.Reporter, entries []Entry, allowSkip bool) (Choice, error) {
	for {
		r.Println("Backup images:")
		for i, e := range entries {
			r.Printf("  %d) %s\n", i+1, e.Title)
		}
		r.Println("  c) Custom URL, s3:// object or local file")
		if allowSkip {
			r.Println("  s) Skip the backup image")
		}

		ans, err := p.Ask(ctx, "Choose a backup: ")
		if err != nil {
			return Choice{}, err
		}
		ans = strings.ToLower(strings.TrimSpace(ans))

		switch {
		case ans == "s" && allowSkip:
			return Choice{Skip: true}, nil
		case ans == "c":
			src, err := p.Ask(ctx, "Backup URL or path: ")
			if err != nil {
				return Choice{}, err
			}
			if src = strings.TrimSpace(src); src == "" {
				r.Always(status.Warning, "no source entered")
				continue
			}
			return Choice{Source: src}, nil
		}

		n, err := strconv.Atoi(ans)
		if err != nil || n < 1 || n > len(entries) {
			r.Always(status.Warning, fmt.Sprintf("invalid choice %q", ans))
			continue
		}
		return Choice{Source: entries[n-1].Source}, nil
	}
}
