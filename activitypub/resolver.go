package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/domain"
)

const activityJSONAccept = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// actorDocument is the subset of a remote actor document the resolver
// needs: identity, delivery targets and the signing key.
type actorDocument struct {
	ID        string `json:"id"`
	Inbox     string `json:"inbox"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// webfingerResponse is a JRD document.
type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Resolver turns handles into actor URIs and actor URIs into cached
// actor rows. The cache lives in the remote_actors table with a 24h TTL.
type Resolver struct {
	store   *db.DB
	fetcher *Fetcher
	clock   Clock
}

func NewResolver(store *db.DB, fetcher *Fetcher, clock Clock) *Resolver {
	return &Resolver{store: store, fetcher: fetcher, clock: clock}
}

// ResolveActorURI accepts an absolute actor URL or an account handle
// (acct:user@domain, @user@domain, user@domain) and returns the
// fragment-stripped actor URI, consulting WebFinger for handles.
func (r *Resolver) ResolveActorURI(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrInvalidHandle
	}

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return stripFragment(input), nil
	}

	user, domainName, err := parseHandle(input)
	if err != nil {
		return "", err
	}

	webfingerURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		domainName, url.QueryEscape(fmt.Sprintf("acct:%s@%s", user, domainName)))

	result, err := r.fetcher.FetchJSON(ctx, webfingerURL, FetchOptions{
		Headers: map[string]string{"Accept": "application/jrd+json, application/json"},
	})
	if err != nil {
		return "", err
	}
	if result.Response.StatusCode != http.StatusOK {
		return "", &UpstreamError{URL: webfingerURL, StatusCode: result.Response.StatusCode}
	}

	var jrd webfingerResponse
	if err := json.Unmarshal(result.Body, &jrd); err != nil {
		return "", ErrInvalidJSON
	}

	for _, link := range jrd.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		if link.Type == "" || strings.Contains(link.Type, "activity+json") || strings.Contains(link.Type, "ld+json") {
			return stripFragment(link.Href), nil
		}
	}

	return "", ErrNoActorLink
}

// FetchRemoteActor returns the cached actor row when fresh, otherwise
// re-fetches the document, validates it and upserts the cache. The
// document's id must equal the requested URI exactly; anything else is
// an impersonation attempt via redirect or rewrite.
func (r *Resolver) FetchRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	actorURI = stripFragment(actorURI)
	now := r.clock.Now()

	cached, err := r.store.ReadRemoteActor(actorURI)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.Fresh(now) {
		if err := r.store.TouchRemoteActorLastSeen(actorURI, now); err != nil {
			log.Printf("Resolver: Failed to bump last_seen for %s: %v", actorURI, err)
		}
		return cached, nil
	}

	result, err := r.fetcher.FetchJSON(ctx, actorURI, FetchOptions{
		Headers: map[string]string{"Accept": activityJSONAccept},
	})
	if err != nil {
		return nil, err
	}
	if result.Response.StatusCode != http.StatusOK {
		return nil, &UpstreamError{URL: actorURI, StatusCode: result.Response.StatusCode}
	}

	var doc actorDocument
	if err := json.Unmarshal(result.Body, &doc); err != nil {
		return nil, ErrInvalidJSON
	}

	if doc.ID != actorURI {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrActorIdMismatch, doc.ID, actorURI)
	}
	if doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, ErrActorIncomplete
	}

	actor := &domain.RemoteActor{
		ActorURI:       doc.ID,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		Etag:           result.Response.Header.Get("Etag"),
		FetchedAt:      now,
		LastSeen:       now,
	}

	if err := r.store.UpsertRemoteActor(actor); err != nil {
		return nil, fmt.Errorf("failed to cache remote actor: %w", err)
	}

	return actor, nil
}

// ActorByKeyID resolves a Signature keyId to its owning actor. The
// fragment names the key within the actor document, so stripping it
// yields the actor URI.
func (r *Resolver) ActorByKeyID(ctx context.Context, keyId string) (*domain.RemoteActor, error) {
	return r.FetchRemoteActor(ctx, keyId)
}

// parseHandle splits an account handle into user and domain parts,
// tolerating acct: and leading-@ forms.
func parseHandle(input string) (string, string, error) {
	handle := strings.TrimPrefix(input, "acct:")
	handle = strings.TrimPrefix(handle, "@")

	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidHandle
	}
	return parts[0], parts[1], nil
}

func stripFragment(uri string) string {
	if idx := strings.Index(uri, "#"); idx >= 0 {
		return uri[:idx]
	}
	return uri
}
