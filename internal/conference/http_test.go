package conference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPProviderCreatesRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Room string `json:"room"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://meet.example/" + body.Room})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	url, err := p.CreateMeetingLink(context.Background(), "elm-street")
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if url != "https://meet.example/elm-street" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestHTTPProviderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL})
	if _, err := p.CreateMeetingLink(context.Background(), "x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStaticProviderLinksAreUniquePerEpisode(t *testing.T) {
	p := NewStaticProvider("https://meet.example/")
	a, err := p.CreateMeetingLink(context.Background(), "12 Elm St")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	b, _ := p.CreateMeetingLink(context.Background(), "12 Elm St")
	if a == b {
		t.Fatalf("expected distinct links, got %q twice", a)
	}
	if !strings.HasPrefix(a, "https://meet.example/12-elm-st-") {
		t.Fatalf("unexpected link shape %q", a)
	}
}
