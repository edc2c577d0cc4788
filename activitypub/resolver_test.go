package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseHandle(t *testing.T) {
	tests := []struct {
		input      string
		user       string
		domainName string
		wantErr    bool
	}{
		{"alice@remote.example", "alice", "remote.example", false},
		{"@alice@remote.example", "alice", "remote.example", false},
		{"acct:alice@remote.example", "alice", "remote.example", false},
		{"alice", "", "", true},
		{"@remote.example", "", "", true},
		{"alice@", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		user, domainName, err := parseHandle(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseHandle(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseHandle(%q) failed: %v", tt.input, err)
			continue
		}
		if user != tt.user || domainName != tt.domainName {
			t.Errorf("parseHandle(%q) = (%q, %q), want (%q, %q)", tt.input, user, domainName, tt.user, tt.domainName)
		}
	}
}

func TestStripFragment(t *testing.T) {
	if got := stripFragment("https://remote.example/users/bob#main-key"); got != "https://remote.example/users/bob" {
		t.Errorf("Expected fragment stripped, got %q", got)
	}
	if got := stripFragment("https://remote.example/users/bob"); got != "https://remote.example/users/bob" {
		t.Errorf("Expected unchanged URI, got %q", got)
	}
}

func TestResolveActorURIPassesThroughURL(t *testing.T) {
	r := NewResolver(newTestStore(t), NewFetcher(testPolicy), &fakeClock{now: time.Now()})

	got, err := r.ResolveActorURI(context.Background(), "https://remote.example/users/bob#main-key")
	if err != nil {
		t.Fatalf("ResolveActorURI failed: %v", err)
	}
	if got != "https://remote.example/users/bob" {
		t.Errorf("Expected fragment-stripped URI, got %q", got)
	}
}

func TestResolveActorURIRejectsGarbage(t *testing.T) {
	r := NewResolver(newTestStore(t), NewFetcher(testPolicy), &fakeClock{now: time.Now()})

	for _, input := range []string{"", "   ", "no-at-sign"} {
		if _, err := r.ResolveActorURI(context.Background(), input); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Expected ErrInvalidHandle for %q, got %v", input, err)
		}
	}
}

// newWebfingerServer serves a JRD pointing at the given actor URI.
func newWebfingerServer(t *testing.T, actorURI string) *httptest.Server {
	t.Helper()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		json.NewEncoder(w).Encode(map[string]any{
			"subject": "acct:bob@" + r.Host,
			"links": []map[string]any{
				{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": "https://ignored.example"},
				{"rel": "self", "type": "application/activity+json", "href": actorURI},
			},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestResolveActorURIViaWebfinger(t *testing.T) {
	ts := newWebfingerServer(t, "https://remote.example/users/bob")

	fetcher := NewFetcher(testPolicy)
	fetcher.Client = ts.Client()
	r := NewResolver(newTestStore(t), fetcher, &fakeClock{now: time.Now()})

	host := ts.Listener.Addr().String()
	got, err := r.ResolveActorURI(context.Background(), "bob@"+host)
	if err != nil {
		t.Fatalf("ResolveActorURI failed: %v", err)
	}
	if got != "https://remote.example/users/bob" {
		t.Errorf("Expected actor URI from self link, got %q", got)
	}
}

func TestResolveActorURINoSelfLink(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"subject": "acct:bob@remote.example",
			"links": []map[string]any{
				{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": "https://remote.example/@bob"},
			},
		})
	}))
	defer ts.Close()

	fetcher := NewFetcher(testPolicy)
	fetcher.Client = ts.Client()
	r := NewResolver(newTestStore(t), fetcher, &fakeClock{now: time.Now()})

	_, err := r.ResolveActorURI(context.Background(), "bob@"+ts.Listener.Addr().String())
	if !errors.Is(err, ErrNoActorLink) {
		t.Fatalf("Expected ErrNoActorLink, got %v", err)
	}
}

// newActorServer serves an actor document and counts hits.
func newActorServer(t *testing.T, hits *atomic.Int64, mangleId bool) (*httptest.Server, string) {
	t.Helper()
	var actorURI string
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		id := actorURI
		if mangleId {
			id = "https://impostor.example/users/mallory"
		}
		w.Header().Set("Content-Type", "application/activity+json")
		w.Header().Set("Etag", `"v1"`)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    id,
			"type":  "Person",
			"inbox": actorURI + "/inbox",
			"endpoints": map[string]any{
				"sharedInbox": fmt.Sprintf("https://%s/inbox", r.Host),
			},
			"publicKey": map[string]any{
				"id":           id + "#main-key",
				"owner":        id,
				"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----",
			},
		})
	}))
	t.Cleanup(ts.Close)
	actorURI = ts.URL + "/users/bob"
	return ts, actorURI
}

func TestFetchRemoteActorCachesWithinTTL(t *testing.T) {
	var hits atomic.Int64
	ts, actorURI := newActorServer(t, &hits, false)

	store := newTestStore(t)
	clock := &fakeClock{now: time.Now()}
	fetcher := NewFetcher(testPolicy)
	fetcher.Client = ts.Client()
	r := NewResolver(store, fetcher, clock)

	first, err := r.FetchRemoteActor(context.Background(), actorURI)
	if err != nil {
		t.Fatalf("First FetchRemoteActor failed: %v", err)
	}
	if first.InboxURI != actorURI+"/inbox" {
		t.Errorf("Unexpected inbox: %q", first.InboxURI)
	}
	if first.Etag != `"v1"` {
		t.Errorf("Expected Etag recorded, got %q", first.Etag)
	}

	clock.Advance(time.Hour)
	second, err := r.FetchRemoteActor(context.Background(), actorURI)
	if err != nil {
		t.Fatalf("Second FetchRemoteActor failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 HTTP fetch within TTL, got %d", hits.Load())
	}
	if !second.LastSeen.After(second.FetchedAt) {
		t.Error("Expected cache hit to bump last_seen")
	}

	// Past the TTL the document is fetched again.
	clock.Advance(24 * time.Hour)
	if _, err := r.FetchRemoteActor(context.Background(), actorURI); err != nil {
		t.Fatalf("Third FetchRemoteActor failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected refetch after TTL, got %d hits", hits.Load())
	}
}

func TestFetchRemoteActorRejectsIdMismatch(t *testing.T) {
	var hits atomic.Int64
	ts, actorURI := newActorServer(t, &hits, true)

	store := newTestStore(t)
	fetcher := NewFetcher(testPolicy)
	fetcher.Client = ts.Client()
	r := NewResolver(store, fetcher, &fakeClock{now: time.Now()})

	_, err := r.FetchRemoteActor(context.Background(), actorURI)
	if !errors.Is(err, ErrActorIdMismatch) {
		t.Fatalf("Expected ErrActorIdMismatch, got %v", err)
	}

	// The poisoned document must not land in the cache.
	cached, err := store.ReadRemoteActor(actorURI)
	if err != nil {
		t.Fatalf("ReadRemoteActor failed: %v", err)
	}
	if cached != nil {
		t.Error("Expected no cache entry after rejected fetch")
	}
}

func TestActorByKeyIDStripsFragment(t *testing.T) {
	var hits atomic.Int64
	ts, actorURI := newActorServer(t, &hits, false)

	store := newTestStore(t)
	fetcher := NewFetcher(testPolicy)
	fetcher.Client = ts.Client()
	r := NewResolver(store, fetcher, &fakeClock{now: time.Now()})

	actor, err := r.ActorByKeyID(context.Background(), actorURI+"#main-key")
	if err != nil {
		t.Fatalf("ActorByKeyID failed: %v", err)
	}
	if actor.ActorURI != actorURI {
		t.Errorf("Expected actor URI %q, got %q", actorURI, actor.ActorURI)
	}
}
