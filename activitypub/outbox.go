package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/domain"
	"github.com/google/uuid"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"
const publicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Composer builds Activity Streams documents from local domain state and
// enqueues their delivery. All identifiers are derived deterministically
// from the base URL so resends reuse the same IRIs.
type Composer struct {
	store    *db.DB
	resolver *Resolver
	queue    *DeliveryQueue
	keys     *KeyManager
	baseURL  string
}

func NewComposer(store *db.DB, resolver *Resolver, queue *DeliveryQueue, keys *KeyManager, baseURL string) *Composer {
	return &Composer{store: store, resolver: resolver, queue: queue, keys: keys, baseURL: baseURL}
}

// ActorIRI is the canonical id of a local user.
func (c *Composer) ActorIRI(username string) string {
	return fmt.Sprintf("%s/ap/users/%s", c.baseURL, username)
}

// KeyId names the signing key within a local actor document.
func (c *Composer) KeyId(username string) string {
	return c.ActorIRI(username) + "#main-key"
}

func (c *Composer) InboxIRI(username string) string {
	return c.ActorIRI(username) + "/inbox"
}

func (c *Composer) OutboxIRI(username string) string {
	return c.ActorIRI(username) + "/outbox"
}

func (c *Composer) FollowersIRI(username string) string {
	return c.ActorIRI(username) + "/followers"
}

func (c *Composer) SharedInboxIRI() string {
	return fmt.Sprintf("%s/ap/inbox", c.baseURL)
}

// PostObjectIRI is the canonical id of a federated post.
func (c *Composer) PostObjectIRI(postId uuid.UUID) string {
	return fmt.Sprintf("%s/ap/objects/posts/%s", c.baseURL, postId)
}

func (c *Composer) createActivityIRI(postId uuid.UUID) string {
	return fmt.Sprintf("%s/ap/activities/create/%s", c.baseURL, postId)
}

// FollowActivityIRI derives a stable id from the follower and target so
// repeated follow attempts reuse the same activity id.
func (c *Composer) FollowActivityIRI(username string, targetActorURI string) string {
	sum := sha256.Sum256([]byte(username + "|" + targetActorURI))
	return fmt.Sprintf("%s/ap/activities/follow/%s", c.baseURL, hex.EncodeToString(sum[:16]))
}

// BuildActor renders the Person document for a local account.
func (c *Composer) BuildActor(account *domain.Account) (map[string]any, error) {
	key, err := c.keys.EnsureServerKey()
	if err != nil {
		return nil, err
	}

	actorIRI := c.ActorIRI(account.Username)
	return map[string]any{
		"@context": []string{
			activityStreamsContext,
			"https://w3id.org/security/v1",
		},
		"id":                        actorIRI,
		"type":                      "Person",
		"preferredUsername":         account.Username,
		"summary":                   account.Bio,
		"inbox":                     c.InboxIRI(account.Username),
		"outbox":                    c.OutboxIRI(account.Username),
		"followers":                 c.FollowersIRI(account.Username),
		"url":                       actorIRI,
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": c.SharedInboxIRI(),
		},
		"publicKey": map[string]any{
			"id":           c.KeyId(account.Username),
			"owner":        actorIRI,
			"publicKeyPem": key.PublicKeyPem,
		},
	}, nil
}

// BuildNote renders the Note object for a local post.
func (c *Composer) BuildNote(post *domain.Post, username string) map[string]any {
	note := map[string]any{
		"@context":     activityStreamsContext,
		"id":           c.PostObjectIRI(post.Id),
		"type":         "Note",
		"attributedTo": c.ActorIRI(username),
		"content":      post.Content,
		"published":    post.CreatedAt.UTC().Format(time.RFC3339),
		"to":           []string{publicAudience},
		"cc":           []string{c.FollowersIRI(username)},
	}
	if post.ImageURL != "" {
		note["attachment"] = []map[string]any{{
			"type": "Image",
			"url":  post.ImageURL,
		}}
	}
	return note
}

// BuildCreate wraps a post's Note in its Create activity.
func (c *Composer) BuildCreate(post *domain.Post, username string) map[string]any {
	return map[string]any{
		"@context":  activityStreamsContext,
		"id":        c.createActivityIRI(post.Id),
		"type":      "Create",
		"actor":     c.ActorIRI(username),
		"published": post.CreatedAt.UTC().Format(time.RFC3339),
		"to":        []string{publicAudience},
		"cc":        []string{c.FollowersIRI(username)},
		"object":    c.BuildNote(post, username),
	}
}

// BuildFollow renders the Follow activity for a local user.
func (c *Composer) BuildFollow(username string, followIRI string, targetActorURI string) map[string]any {
	return map[string]any{
		"@context": activityStreamsContext,
		"id":       followIRI,
		"type":     "Follow",
		"actor":    c.ActorIRI(username),
		"object":   targetActorURI,
	}
}

// BuildAccept renders the Accept reply to an inbound Follow.
func (c *Composer) BuildAccept(username string, followID string, remoteActorURI string) map[string]any {
	actorIRI := c.ActorIRI(username)
	return map[string]any{
		"@context": activityStreamsContext,
		"id":       fmt.Sprintf("%s/ap/activities/%s", c.baseURL, uuid.New()),
		"type":     "Accept",
		"actor":    actorIRI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActorURI,
			"object": actorIRI,
		},
	}
}

// EnqueueAccept queues the Accept reply to a remote follower's inbox.
// Nothing here blocks on outbound network I/O.
func (c *Composer) EnqueueAccept(account *domain.Account, remoteActor *domain.RemoteActor, followID string) (*domain.DeliveryJob, error) {
	accept := c.BuildAccept(account.Username, followID, remoteActor.ActorURI)
	payload, err := json.Marshal(accept)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Accept: %w", err)
	}
	return c.queue.Enqueue(remoteActor.BestInbox(), c.KeyId(account.Username), payload)
}

// EnqueueCreateForLocalPost fans a new top-level post out to the
// distinct set of follower inboxes. Replies never federate.
func (c *Composer) EnqueueCreateForLocalPost(ctx context.Context, post *domain.Post) error {
	if post.IsReply() {
		return nil
	}

	account, err := c.store.ReadAccountById(post.UserId)
	if err != nil {
		return fmt.Errorf("failed to load post author: %w", err)
	}

	create := c.BuildCreate(post, account.Username)
	payload, err := json.Marshal(create)
	if err != nil {
		return fmt.Errorf("failed to marshal Create: %w", err)
	}

	if err := c.store.UpsertObjectMap(&domain.ObjectMap{
		PostId:      post.Id,
		ObjectURI:   c.PostObjectIRI(post.Id),
		ActivityURI: c.createActivityIRI(post.Id),
	}); err != nil {
		return fmt.Errorf("failed to persist object map: %w", err)
	}

	inboxes, err := c.store.ReadDistinctFollowerInboxes(post.UserId)
	if err != nil {
		return fmt.Errorf("failed to resolve follower inboxes: %w", err)
	}
	if len(inboxes) == 0 {
		log.Printf("Outbox: No followers to deliver post %s to", post.Id)
		return nil
	}

	keyId := c.KeyId(account.Username)
	for _, inbox := range inboxes {
		if _, err := c.queue.Enqueue(inbox, keyId, payload); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inbox, err)
		}
	}

	log.Printf("Outbox: Queued Create for post %s to %d inboxes", post.Id, len(inboxes))
	return nil
}

// FollowResult reports what a local follow request did.
type FollowResult struct {
	Status           string    `json:"status"`
	ActorURI         string    `json:"actorUri"`
	FollowActivityId string    `json:"followActivityId"`
	DeliveryId       uuid.UUID `json:"deliveryId,omitempty"`
	Enqueued         bool      `json:"enqueued"`
}

// EnqueueFollowForLocalUser resolves the target, records the pending
// relationship and queues the Follow. An already accepted relationship
// short-circuits without a duplicate Follow.
func (c *Composer) EnqueueFollowForLocalUser(ctx context.Context, userId uuid.UUID, username string, target string) (*FollowResult, error) {
	actorURI, err := c.resolver.ResolveActorURI(ctx, target)
	if err != nil {
		return nil, err
	}

	remoteActor, err := c.resolver.FetchRemoteActor(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.ReadFollowing(userId, remoteActor.ActorURI)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State == domain.FollowAccepted {
		return &FollowResult{
			Status:           domain.FollowAccepted,
			ActorURI:         remoteActor.ActorURI,
			FollowActivityId: existing.FollowActivityURI,
			Enqueued:         false,
		}, nil
	}

	followIRI := c.FollowActivityIRI(username, remoteActor.ActorURI)
	if err := c.store.UpsertFollowing(&domain.Following{
		LocalUserId:       userId,
		RemoteActorURI:    remoteActor.ActorURI,
		FollowActivityURI: followIRI,
		State:             domain.FollowPending,
	}); err != nil {
		return nil, fmt.Errorf("failed to store following: %w", err)
	}

	payload, err := json.Marshal(c.BuildFollow(username, followIRI, remoteActor.ActorURI))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Follow: %w", err)
	}

	job, err := c.queue.Enqueue(remoteActor.BestInbox(), c.KeyId(username), payload)
	if err != nil {
		return nil, err
	}

	return &FollowResult{
		Status:           domain.FollowPending,
		ActorURI:         remoteActor.ActorURI,
		FollowActivityId: followIRI,
		DeliveryId:       job.Id,
		Enqueued:         true,
	}, nil
}
