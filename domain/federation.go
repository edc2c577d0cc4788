package domain

import (
	"time"

	"github.com/google/uuid"
)

// ServerKey is the singleton signing keypair for this server. Created
// once, never mutated; only its identity matters after the first
// delivery is signed.
type ServerKey struct {
	Id            string
	PrivateKeyPem string
	PublicKeyPem  string
	CreatedAt     time.Time
}

// ServerKeyId is the fixed primary key of the singleton row. Storage
// level uniqueness is what makes concurrent first-boot creation safe.
const ServerKeyId = "server"

// RemoteActor is a cached federated actor document. A row is fresh only
// while FetchedAt is younger than RemoteActorTTL and both InboxURI and
// PublicKeyPem are present; stale rows must be re-fetched.
type RemoteActor struct {
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	Etag           string
	FetchedAt      time.Time
	LastSeen       time.Time
}

const RemoteActorTTL = 24 * time.Hour

func (a *RemoteActor) Fresh(now time.Time) bool {
	return a.InboxURI != "" && a.PublicKeyPem != "" && now.Sub(a.FetchedAt) < RemoteActorTTL
}

// BestInbox prefers the shared inbox so one POST reaches every follower
// on the same remote server.
func (a *RemoteActor) BestInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// Follow relationship states.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// Follower is an inbound relationship: a remote actor following a local
// user. Created on inbound Follow, deleted on inbound Undo(Follow).
type Follower struct {
	Id             uuid.UUID
	LocalUserId    uuid.UUID
	RemoteActorURI string
	State          string
	CreatedAt      time.Time
}

// Following is an outbound relationship: a local user following a remote
// actor. Created pending on enqueue, settled by inbound Accept/Reject.
type Following struct {
	Id                uuid.UUID
	LocalUserId       uuid.UUID
	RemoteActorURI    string
	FollowActivityURI string
	State             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Delivery job states. Delivered and dead are terminal.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

// DeliveryJob is one outbound signed POST awaiting delivery. AttemptCount
// only ever grows; a retry advances NextAttemptAt and nothing else.
type DeliveryJob struct {
	Id             uuid.UUID
	TargetURL      string
	SigningKeyId   string
	Payload        string
	Status         string
	AttemptCount   int
	LastAttemptAt  *time.Time
	NextAttemptAt  time.Time
	LastStatusCode *int
	LastError      string
	DeliveredAt    *time.Time
	CreatedAt      time.Time
}

// InboxDedupe is the write-once idempotency ledger. A successful insert
// is the only signal that an inbound activity is new.
type InboxDedupe struct {
	Protocol         string
	RemoteActivityId string
	CreatedAt        time.Time
}

// ObjectMap ties a local post to its federated identifiers so resends
// reuse the same IRIs.
type ObjectMap struct {
	PostId      uuid.UUID
	ObjectURI   string
	ActivityURI string
	CreatedAt   time.Time
}
