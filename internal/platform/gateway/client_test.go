package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestPost_Success(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	err := c.Post(context.Background(), srv.URL+"/on-notify", map[string]string{"status": "GRANTED"})
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if got["status"] != "GRANTED" {
		t.Errorf("payload = %v", got)
	}
}

func TestPost_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	if err := c.Post(context.Background(), srv.URL, map[string]string{}); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestPostPath_JoinsBase(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", zerolog.Nop())
	if err := c.PostPath(context.Background(), "/consents/on-fetch", struct{}{}); err != nil {
		t.Fatalf("PostPath() error: %v", err)
	}
	if path != "/consents/on-fetch" {
		t.Errorf("path = %q", path)
	}
}
