package version

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clonestick/clonestick/pkg/errors"
)

func TestLatest(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
		ok   bool
	}{
		{"single", `<a href="/3.2.0-5/">3.2.0-5</a>`, "3.2.0-5", true},
		{"highest not first", `3.1.2-22 3.10.0-1 3.2.0-5`, "3.10.0-1", true},
		{"build number", `3.2.0-5 3.2.0-12`, "3.2.0-12", true},
		{"release beats snapshot", `20250303-oracular 3.2.0-5`, "3.2.0-5", true},
		{"snapshot only", `20240101-noble 20250303-oracular`, "20250303-oracular", true},
		{"none", `<html>maintenance</html>`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Latest(tt.page)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Latest() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"3.2.0-5", "3.2.0-5", 0},
		{"3.10.0-1", "3.9.9-99", 1},
		{"3.2.0-5", "3.2.0-12", -1},
		{"3.2", "3.2.1", -1},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestResolveFromListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<option>3.1.3-16</option><option>3.2.0-5</option>`)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), srv.URL, "")
	v, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "3.2.0-5" {
		t.Errorf("version = %q", v)
	}
	if u := r.URL(v); !strings.Contains(u, "/3.2.0-5/clonezilla-live-3.2.0-5-amd64.zip") {
		t.Errorf("URL = %q", u)
	}
}

func TestResolvePinnedSkipsNetwork(t *testing.T) {
	r := NewResolver(&http.Client{Transport: failTransport{t}}, "http://listing.invalid", "")
	v, err := r.Resolve(context.Background(), " 3.1.0-1 ")
	if err != nil || v != "3.1.0-1" {
		t.Errorf("Resolve = %q, %v", v, err)
	}
}

func TestResolveNoMatchSuggestsOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "nothing here")
	}))
	defer srv.Close()

	_, err := NewResolver(srv.Client(), srv.URL, "").Resolve(context.Background(), "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(errors.HintOf(err), "--version") {
		t.Errorf("hint = %q, want mention of --version", errors.HintOf(err))
	}
}

func TestBuildURL(t *testing.T) {
	got := BuildURL("https://example.com/{version}/live-{version}.zip", "1.2.3-4")
	if got != "https://example.com/1.2.3-4/live-1.2.3-4.zip" {
		t.Errorf("BuildURL = %q", got)
	}
}

type failTransport struct{ t *testing.T }

func (f failTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.t.Errorf("unexpected request to %s", r.URL)
	return nil, fmt.Errorf("network disabled")
}
