// Package version resolves which live image release to install and builds
// its download URL.
package version

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
)

const (
	DefaultListingURL  = "https://clonezilla.org/downloads/download.php?branch=stable"
	DefaultURLTemplate = "https://sourceforge.net/projects/clonezilla/files/clonezilla_live_stable/{version}/clonezilla-live-{version}-amd64.zip/download"

	placeholder = "{version}"
	maxListing  = 4 << 20
)

// Release numbers look like 3.2.0-5; snapshot builds like 20250303-oracular.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d+\.\d+\.\d+-\d+)\b`),
	regexp.MustCompile(`\b(\d{8}-[a-z]+)\b`),
}

// Resolver picks a version and renders the download URL.
type Resolver struct {
	Client     *http.Client
	ListingURL string
	Template   string
}

func NewResolver(client *http.Client, listingURL, template string) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if listingURL == "" {
		listingURL = DefaultListingURL
	}
	if template == "" {
		template = DefaultURLTemplate
	}
	return &Resolver{Client: client, ListingURL: listingURL, Template: template}
}

// Resolve returns pinned when set, otherwise the highest version advertised
// on the listing page.
func (r *Resolver) Resolve(ctx context.Context, pinned string) (string, error) {
	if pinned = strings.TrimSpace(pinned); pinned != "" {
		slog.Info("version_pinned", "version", pinned)
		return pinned, nil
	}

	slog.Info("version_lookup", "url", r.ListingURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ListingURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build listing request")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Cancelled("version lookup interrupted", ctx.Err())
		}
		return "", errors.Classify(errors.KindEnvironment, err, "cannot fetch release listing",
			"pin a release with --version, e.g. --version 3.2.0-5")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", errors.Environment(fmt.Sprintf("release listing returned %s", resp.Status),
			"pin a release with --version, e.g. --version 3.2.0-5")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListing))
	if err != nil {
		return "", errors.Wrap(err, "failed to read release listing")
	}

	v, ok := Latest(string(body))
	if !ok {
		slog.Error("version_not_found", "url", r.ListingURL)
		return "", errors.Validation("no release version found on "+r.ListingURL,
			"pin a release with --version, e.g. --version 3.2.0-5")
	}
	slog.Info("version_resolved", "version", v)
	return v, nil
}

// Latest returns the highest version matched in page. Release numbers take
// precedence over snapshot names; within a pattern the numerically highest
// match wins regardless of page order.
func Latest(page string) (string, bool) {
	for _, re := range patterns {
		var best string
		for _, m := range re.FindAllStringSubmatch(page, -1) {
			if best == "" || Compare(m[1], best) > 0 {
				best = m[1]
			}
		}
		if best != "" {
			return best, true
		}
	}
	return "", false
}

// Compare orders two versions by their numeric components, left to right.
// Non-numeric text breaks ties lexically.
func Compare(a, b string) int {
	na, nb := numbers(a), numbers(b)
	for i := 0; i < len(na) && i < len(nb); i++ {
		if na[i] != nb[i] {
			if na[i] < nb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(na) < len(nb):
		return -1
	case len(na) > len(nb):
		return 1
	}
	return strings.Compare(a, b)
}

var digits = regexp.MustCompile(`\d+`)

func numbers(v string) []uint64 {
	var out []uint64
	for _, s := range digits.FindAllString(v, -1) {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// BuildURL substitutes v into template.
func BuildURL(template, v string) string {
	return strings.ReplaceAll(template, placeholder, v)
}

// URL renders the download URL for v.
func (r *Resolver) URL(v string) string {
	return BuildURL(r.Template, v)
}
