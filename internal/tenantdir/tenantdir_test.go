package tenantdir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientIsMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects" {
			t.Errorf("path = %q, want /projects", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("authorization = %q, want forwarded bearer", got)
		}
		_ = json.NewEncoder(w).Encode([]project{{UUID: "p1"}, {UUID: "p2"}})
	}))
	defer srv.Close()

	client := &HTTPClient{baseURL: srv.URL, client: srv.Client()}

	member, err := client.IsMember(context.Background(), "tok123", "p2")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if !member {
		t.Error("IsMember() = false, want true for listed project")
	}

	member, err = client.IsMember(context.Background(), "tok123", "p9")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if member {
		t.Error("IsMember() = true, want false for unlisted project")
	}
}

func TestHTTPClientPropagatesDirectoryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := &HTTPClient{baseURL: srv.URL, client: srv.Client()}
	if _, err := client.IsMember(context.Background(), "tok", "p1"); err == nil {
		t.Fatal("IsMember() did not surface directory failure")
	}
}

func TestStaticClient(t *testing.T) {
	allow, err := StaticClient{Allow: true}.IsMember(context.Background(), "", "anything")
	if err != nil || !allow {
		t.Errorf("StaticClient{true}.IsMember() = %v, %v", allow, err)
	}
	deny, err := StaticClient{}.IsMember(context.Background(), "", "anything")
	if err != nil || deny {
		t.Errorf("StaticClient{false}.IsMember() = %v, %v", deny, err)
	}
}
