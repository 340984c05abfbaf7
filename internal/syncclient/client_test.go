package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mhartmann/aiw/internal/sync"
)

func errorServer(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "aiw_live_bogus", "dev1", "ws_test")
}

func TestUnauthorizedMapsToAuthSentinel(t *testing.T) {
	c := errorServer(t, http.StatusUnauthorized,
		`{"error":{"code":"unauthorized","message":"invalid or expired api key"}}`)

	_, err := c.Pull(context.Background(), 0, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	// The coordinator's retry policy keys off this sentinel to fail
	// fast on a bad key instead of burning backoff rounds.
	if !errors.Is(err, sync.ErrAuth) {
		t.Fatalf("err = %v, want sync.ErrAuth in chain", err)
	}
}

func TestForbiddenMapsToSentinel(t *testing.T) {
	c := errorServer(t, http.StatusForbidden,
		`{"error":{"code":"forbidden","message":"key does not grant this workspace"}}`)

	_, err := c.Status(context.Background())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if errors.Is(err, sync.ErrAuth) {
		t.Fatalf("forbidden must not read as an auth failure: %v", err)
	}
}

func TestUnrecognizedErrorBodyFallsBack(t *testing.T) {
	c := errorServer(t, http.StatusBadGateway, "upstream exploded")

	_, err := c.Pull(context.Background(), 0, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, sync.ErrAuth) || errors.Is(err, ErrForbidden) {
		t.Fatalf("plain-text body should stay a generic error: %v", err)
	}
}
