package activitypub

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/domain"
)

// Activity is the envelope of an inbound activity. Object stays raw
// because it may be a bare IRI string or an embedded object.
type Activity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object,omitempty"`
	To     []string        `json:"to,omitempty"`
	Cc     []string        `json:"cc,omitempty"`
}

// embeddedObject covers the shapes Accept, Reject and Undo carry: the
// original Follow echoed back either by id or in full.
type embeddedObject struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`
}

// ObjectID returns the object's IRI whether the object is a plain
// string or an embedded document with an id.
func (a *Activity) ObjectID() string {
	if len(a.Object) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj embeddedObject
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func (a *Activity) embedded() (*embeddedObject, bool) {
	if len(a.Object) == 0 {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return &embeddedObject{ID: s}, true
	}
	var obj embeddedObject
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return nil, false
	}
	return &obj, true
}

// InboxProcessor runs the inbound pipeline: authenticate the sender,
// dedupe the activity, check the actor claim, then dispatch on type.
// Unknown types are acknowledged and dropped so remote servers never
// retry things we will not handle.
type InboxProcessor struct {
	store    *db.DB
	resolver *Resolver
	composer *Composer
	clock    Clock
}

func NewInboxProcessor(store *db.DB, resolver *Resolver, composer *Composer, clock Clock) *InboxProcessor {
	return &InboxProcessor{store: store, resolver: resolver, composer: composer, clock: clock}
}

// HandleInbox processes one delivery to a local user's inbox. The body
// must already be read (and size-capped) by the route layer so the
// digest check and JSON parse see the same bytes.
func (p *InboxProcessor) HandleInbox(ctx context.Context, req *http.Request, body []byte, username string) error {
	account, err := p.localAccount(username)
	if err != nil {
		return err
	}

	sender, err := p.verifySender(ctx, req, body)
	if err != nil {
		return err
	}
	return p.process(body, sender, account)
}

// HandleSharedInbox processes a delivery to the instance-wide inbox.
// Verification comes first so nothing in the body is read before the
// sender is authenticated; the target user is then derived from the
// activity's addressing, and an activity addressing no local actor is
// acknowledged and dropped.
func (p *InboxProcessor) HandleSharedInbox(ctx context.Context, req *http.Request, body []byte) error {
	sender, err := p.verifySender(ctx, req, body)
	if err != nil {
		return err
	}

	username, ok := p.localRecipient(body)
	if !ok {
		log.Println("Inbox: Shared inbox delivery addresses no local actor, ignoring")
		return nil
	}

	account, err := p.localAccount(username)
	if err != nil {
		return err
	}
	return p.process(body, sender, account)
}

func (p *InboxProcessor) localAccount(username string) (*domain.Account, error) {
	account, err := p.store.ReadAccountByUsername(username)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && account == nil) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (p *InboxProcessor) verifySender(ctx context.Context, req *http.Request, body []byte) (*domain.RemoteActor, error) {
	return VerifyRequest(req, body, p.clock, func(keyId string) (*domain.RemoteActor, error) {
		return p.resolver.ActorByKeyID(ctx, keyId)
	})
}

func (p *InboxProcessor) process(body []byte, sender *domain.RemoteActor, account *domain.Account) error {
	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if act.Type == "" || act.Actor == "" {
		return ErrMalformedActivity
	}

	activityId := act.ID
	if activityId == "" {
		// Id-less activities dedupe on their content hash.
		sum := sha256.Sum256(body)
		activityId = "sha256:" + hex.EncodeToString(sum[:])
	}

	fresh, err := p.store.InsertInboxDedupe("ap", activityId)
	if err != nil {
		return err
	}
	if !fresh {
		log.Printf("Inbox: Duplicate activity %s, ignoring", activityId)
		return nil
	}

	// The claimed actor must be the authenticated signer; a mismatch is
	// a spoofed delivery, not a malformed one.
	if stripFragment(act.Actor) != sender.ActorURI {
		return fmt.Errorf("%w: actor %q signed by %q", ErrActorMismatch, act.Actor, sender.ActorURI)
	}

	switch act.Type {
	case "Follow":
		return p.handleFollow(&act, sender, account)
	case "Accept":
		return p.handleFollowResponse(&act, sender, account, domain.FollowAccepted)
	case "Reject":
		return p.handleFollowResponse(&act, sender, account, domain.FollowRejected)
	case "Undo":
		return p.handleUndo(&act, sender, account)
	default:
		log.Printf("Inbox: Ignoring unhandled activity type %s from %s", act.Type, sender.ActorURI)
		return nil
	}
}

// handleFollow auto-accepts: the follower is recorded as accepted and
// the Accept reply is queued, never sent inline.
func (p *InboxProcessor) handleFollow(act *Activity, sender *domain.RemoteActor, account *domain.Account) error {
	localActorIRI := p.composer.ActorIRI(account.Username)
	if stripFragment(act.ObjectID()) != localActorIRI {
		return fmt.Errorf("%w: follow object %q", ErrObjectMismatch, act.ObjectID())
	}

	if err := p.store.UpsertFollower(account.Id, sender.ActorURI, domain.FollowAccepted); err != nil {
		return fmt.Errorf("failed to store follower: %w", err)
	}

	if _, err := p.composer.EnqueueAccept(account, sender, act.ID); err != nil {
		return fmt.Errorf("failed to queue Accept: %w", err)
	}

	log.Printf("Inbox: Accepted follow from %s for %s", sender.ActorURI, account.Username)
	return nil
}

// handleFollowResponse resolves an Accept or Reject of our own Follow.
// The embedded object is matched against the stored follow activity id
// first, then by actor/object correlation for servers that echo the
// Follow without its id. No match means nothing to update; acknowledge
// and drop.
func (p *InboxProcessor) handleFollowResponse(act *Activity, sender *domain.RemoteActor, account *domain.Account, state string) error {
	obj, ok := act.embedded()
	if !ok {
		return ErrMalformedActivity
	}

	var following *domain.Following
	if obj.ID != "" {
		f, err := p.store.ReadFollowingByActivityURI(obj.ID)
		if err != nil {
			return err
		}
		if f != nil && f.LocalUserId == account.Id && f.RemoteActorURI == sender.ActorURI {
			following = f
		}
	}

	if following == nil && obj.Actor != "" {
		localActorIRI := p.composer.ActorIRI(account.Username)
		if stripFragment(obj.Actor) == localActorIRI && stripFragment(obj.Object) == sender.ActorURI {
			f, err := p.store.ReadFollowing(account.Id, sender.ActorURI)
			if err != nil {
				return err
			}
			following = f
		}
	}

	if following == nil {
		log.Printf("Inbox: %s from %s matches no pending follow, ignoring", act.Type, sender.ActorURI)
		return nil
	}

	if err := p.store.UpdateFollowingState(following.Id, state); err != nil {
		return fmt.Errorf("failed to update follow state: %w", err)
	}

	log.Printf("Inbox: Follow of %s by %s is now %s", sender.ActorURI, account.Username, state)
	return nil
}

// handleUndo supports Undo(Follow) only. The wrapped Follow must have
// been sent by the same actor and target this local user; anything else
// is acknowledged and dropped.
func (p *InboxProcessor) handleUndo(act *Activity, sender *domain.RemoteActor, account *domain.Account) error {
	obj, ok := act.embedded()
	if !ok || obj.Type != "Follow" {
		log.Printf("Inbox: Ignoring Undo of %q from %s", obj.GetType(), sender.ActorURI)
		return nil
	}

	localActorIRI := p.composer.ActorIRI(account.Username)
	if stripFragment(obj.Actor) != sender.ActorURI || stripFragment(obj.Object) != localActorIRI {
		log.Printf("Inbox: Undo from %s does not match a follow of %s, ignoring", sender.ActorURI, account.Username)
		return nil
	}

	if err := p.store.DeleteFollower(account.Id, sender.ActorURI); err != nil {
		return fmt.Errorf("failed to remove follower: %w", err)
	}

	log.Printf("Inbox: Removed follower %s from %s", sender.ActorURI, account.Username)
	return nil
}

// localRecipient extracts the first local username an activity
// addresses, looking at the object IRI, to and cc.
func (p *InboxProcessor) localRecipient(body []byte) (string, bool) {
	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return "", false
	}

	candidates := make([]string, 0, len(act.To)+len(act.Cc)+1)
	if id := act.ObjectID(); id != "" {
		candidates = append(candidates, id)
	}
	candidates = append(candidates, act.To...)
	candidates = append(candidates, act.Cc...)

	prefix := p.composer.ActorIRI("")
	for _, candidate := range candidates {
		candidate = stripFragment(candidate)
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		if username, _, _ := strings.Cut(rest, "/"); username != "" {
			return username, true
		}
	}
	return "", false
}

// GetType tolerates a nil embedded object in log statements.
func (o *embeddedObject) GetType() string {
	if o == nil {
		return ""
	}
	return o.Type
}
