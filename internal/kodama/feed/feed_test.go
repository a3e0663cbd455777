package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPublish(t *testing.T) {
	var captured publishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/posts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer feed-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Write([]byte(`{"post_id":"p-123"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "feed-token"})
	id, err := c.Publish(context.Background(), "hello feed", []string{"mxc://x/y"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "p-123" {
		t.Errorf("unexpected post id %q", id)
	}
	if captured.Content != "hello feed" || len(captured.Media) != 1 {
		t.Errorf("unexpected payload: %+v", captured)
	}
}

func TestPublish_NeverRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"backend down"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t"})
	_, err := c.Publish(context.Background(), "text", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("publish must not be retried, got %d attempts", calls)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind ErrorKind
	}{
		{name: "auth expired", status: http.StatusUnauthorized, wantKind: KindAuth},
		{name: "rate limited", status: http.StatusTooManyRequests, wantKind: KindRateLimited},
		{name: "server error", status: http.StatusBadGateway, wantKind: KindAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, Token: "t"})
			err := c.Comment(context.Background(), "p-1", "nice")
			if err == nil {
				t.Fatal("expected error")
			}
			var ferr *Error
			if !errors.As(err, &ferr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if ferr.Kind != tt.wantKind {
				t.Errorf("expected kind %q, got %q", tt.wantKind, ferr.Kind)
			}
		})
	}
}

func TestRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/u-1/posts" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("unexpected limit %q", got)
		}
		w.Write([]byte(`{"posts":[
			{"id":"p-1","author_id":"u-1","content":"first","commented":false},
			{"id":"p-2","author_id":"u-1","content":"second","commented":true}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t"})
	items, err := c.Recent(context.Background(), "u-1", 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "p-1" || items[1].Commented != true {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestRecent_RetriesNetworkFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		w.Write([]byte(`{"posts":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t"})
	if _, err := c.Recent(context.Background(), "u-1", 3); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}
