package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foresightd/foresight/domain"
	"github.com/google/uuid"
)

// setupTestDB creates a migrated database in a temp directory
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndReadAccount(t *testing.T) {
	store := setupTestDB(t)

	acc, err := store.CreateAccount("alice", "hello")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	byName, err := store.ReadAccountByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccountByUsername failed: %v", err)
	}
	if byName.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, byName.Id)
	}
	if byName.Bio != "hello" {
		t.Errorf("Expected bio 'hello', got %q", byName.Bio)
	}

	byId, err := store.ReadAccountById(acc.Id)
	if err != nil {
		t.Fatalf("ReadAccountById failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Expected username 'alice', got %q", byId.Username)
	}
}

func TestReadTopPostsExcludesReplies(t *testing.T) {
	store := setupTestDB(t)

	acc, err := store.CreateAccount("bob", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	top, err := store.CreatePost(acc.Id, "top post", "", nil)
	if err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	if _, err := store.CreatePost(acc.Id, "a reply", "", &top.Id); err != nil {
		t.Fatalf("CreatePost (reply) failed: %v", err)
	}

	posts, err := store.ReadTopPostsByUserId(acc.Id, 10, 0)
	if err != nil {
		t.Fatalf("ReadTopPostsByUserId failed: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("Expected 1 top-level post, got %d", len(posts))
	}
	if posts[0].Id != top.Id {
		t.Errorf("Expected post %s, got %s", top.Id, posts[0].Id)
	}

	count, err := store.CountTopPostsByUserId(acc.Id)
	if err != nil {
		t.Fatalf("CountTopPostsByUserId failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
}

func TestServerKeyRoundTrip(t *testing.T) {
	store := setupTestDB(t)

	key, err := store.ReadServerKey()
	if err != nil {
		t.Fatalf("ReadServerKey failed: %v", err)
	}
	if key != nil {
		t.Fatal("Expected nil key before first upsert")
	}

	err = store.UpsertServerKey(&domain.ServerKey{
		Id:            domain.ServerKeyId,
		PrivateKeyPem: "private",
		PublicKeyPem:  "public",
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertServerKey failed: %v", err)
	}

	key, err = store.ReadServerKey()
	if err != nil {
		t.Fatalf("ReadServerKey failed: %v", err)
	}
	if key == nil || key.PublicKeyPem != "public" {
		t.Errorf("Expected persisted key, got %+v", key)
	}
}

func TestRemoteActorCache(t *testing.T) {
	store := setupTestDB(t)

	actor, err := store.ReadRemoteActor("https://remote.example/users/carol")
	if err != nil {
		t.Fatalf("ReadRemoteActor failed: %v", err)
	}
	if actor != nil {
		t.Fatal("Expected cache miss to return nil")
	}

	fetched := time.Now().Add(-time.Hour)
	err = store.UpsertRemoteActor(&domain.RemoteActor{
		ActorURI:     "https://remote.example/users/carol",
		InboxURI:     "https://remote.example/users/carol/inbox",
		PublicKeyPem: "pem",
		FetchedAt:    fetched,
		LastSeen:     fetched,
	})
	if err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	seen := time.Now()
	if err := store.TouchRemoteActorLastSeen("https://remote.example/users/carol", seen); err != nil {
		t.Fatalf("TouchRemoteActorLastSeen failed: %v", err)
	}

	actor, err = store.ReadRemoteActor("https://remote.example/users/carol")
	if err != nil {
		t.Fatalf("ReadRemoteActor failed: %v", err)
	}
	if actor == nil {
		t.Fatal("Expected cached actor")
	}
	if !actor.LastSeen.After(actor.FetchedAt) {
		t.Errorf("Expected last_seen after fetched_at, got %v vs %v", actor.LastSeen, actor.FetchedAt)
	}
}

func TestDistinctFollowerInboxesPrefersSharedInbox(t *testing.T) {
	store := setupTestDB(t)

	acc, err := store.CreateAccount("dora", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	// Two followers on the same server sharing an inbox, one without.
	for i, uri := range []string{
		"https://one.example/users/a",
		"https://one.example/users/b",
	} {
		err := store.UpsertRemoteActor(&domain.RemoteActor{
			ActorURI:       uri,
			InboxURI:       uri + "/inbox",
			SharedInboxURI: "https://one.example/inbox",
			PublicKeyPem:   "pem",
			FetchedAt:      time.Now(),
			LastSeen:       time.Now(),
		})
		if err != nil {
			t.Fatalf("UpsertRemoteActor %d failed: %v", i, err)
		}
		if err := store.UpsertFollower(acc.Id, uri, domain.FollowAccepted); err != nil {
			t.Fatalf("UpsertFollower %d failed: %v", i, err)
		}
	}

	err = store.UpsertRemoteActor(&domain.RemoteActor{
		ActorURI:     "https://two.example/users/c",
		InboxURI:     "https://two.example/users/c/inbox",
		PublicKeyPem: "pem",
		FetchedAt:    time.Now(),
		LastSeen:     time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}
	if err := store.UpsertFollower(acc.Id, "https://two.example/users/c", domain.FollowAccepted); err != nil {
		t.Fatalf("UpsertFollower failed: %v", err)
	}

	inboxes, err := store.ReadDistinctFollowerInboxes(acc.Id)
	if err != nil {
		t.Fatalf("ReadDistinctFollowerInboxes failed: %v", err)
	}
	if len(inboxes) != 2 {
		t.Fatalf("Expected 2 distinct inboxes, got %d: %v", len(inboxes), inboxes)
	}

	found := map[string]bool{}
	for _, inbox := range inboxes {
		found[inbox] = true
	}
	if !found["https://one.example/inbox"] {
		t.Error("Expected shared inbox for one.example")
	}
	if !found["https://two.example/users/c/inbox"] {
		t.Error("Expected personal inbox for two.example follower")
	}
}

func TestFollowerUpsertIsIdempotent(t *testing.T) {
	store := setupTestDB(t)

	acc, _ := store.CreateAccount("erin", "")
	uri := "https://remote.example/users/x"

	if err := store.UpsertFollower(acc.Id, uri, domain.FollowAccepted); err != nil {
		t.Fatalf("First UpsertFollower failed: %v", err)
	}
	if err := store.UpsertFollower(acc.Id, uri, domain.FollowAccepted); err != nil {
		t.Fatalf("Second UpsertFollower failed: %v", err)
	}

	count, err := store.CountFollowersByUserId(acc.Id)
	if err != nil {
		t.Fatalf("CountFollowersByUserId failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 follower after duplicate upsert, got %d", count)
	}

	if err := store.DeleteFollower(acc.Id, uri); err != nil {
		t.Fatalf("DeleteFollower failed: %v", err)
	}
	count, _ = store.CountFollowersByUserId(acc.Id)
	if count != 0 {
		t.Errorf("Expected 0 followers after delete, got %d", count)
	}
}

func TestFollowingLifecycle(t *testing.T) {
	store := setupTestDB(t)

	acc, _ := store.CreateAccount("frank", "")
	f := &domain.Following{
		LocalUserId:       acc.Id,
		RemoteActorURI:    "https://remote.example/users/y",
		FollowActivityURI: "https://us.example/ap/activities/follow/abc",
		State:             domain.FollowPending,
	}
	if err := store.UpsertFollowing(f); err != nil {
		t.Fatalf("UpsertFollowing failed: %v", err)
	}

	byActivity, err := store.ReadFollowingByActivityURI("https://us.example/ap/activities/follow/abc")
	if err != nil {
		t.Fatalf("ReadFollowingByActivityURI failed: %v", err)
	}
	if byActivity == nil || byActivity.State != domain.FollowPending {
		t.Fatalf("Expected pending following, got %+v", byActivity)
	}

	if err := store.UpdateFollowingState(byActivity.Id, domain.FollowAccepted); err != nil {
		t.Fatalf("UpdateFollowingState failed: %v", err)
	}

	current, err := store.ReadFollowing(acc.Id, "https://remote.example/users/y")
	if err != nil {
		t.Fatalf("ReadFollowing failed: %v", err)
	}
	if current.State != domain.FollowAccepted {
		t.Errorf("Expected state accepted, got %q", current.State)
	}

	all, err := store.ReadFollowingByUserId(acc.Id)
	if err != nil {
		t.Fatalf("ReadFollowingByUserId failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 following row, got %d", len(all))
	}
}

func TestInboxDedupeInsertOnce(t *testing.T) {
	store := setupTestDB(t)

	first, err := store.InsertInboxDedupe("ap", "https://remote.example/activities/1")
	if err != nil {
		t.Fatalf("First InsertInboxDedupe failed: %v", err)
	}
	if !first {
		t.Error("Expected first insert to report true")
	}

	second, err := store.InsertInboxDedupe("ap", "https://remote.example/activities/1")
	if err != nil {
		t.Fatalf("Second InsertInboxDedupe failed: %v", err)
	}
	if second {
		t.Error("Expected replayed insert to report false")
	}
}

func TestClaimDueDeliveries(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now()

	due := &domain.DeliveryJob{
		Id:            uuid.New(),
		TargetURL:     "https://remote.example/inbox",
		SigningKeyId:  "key",
		Payload:       "{}",
		Status:        domain.DeliveryPending,
		NextAttemptAt: now.Add(-time.Minute),
		CreatedAt:     now,
	}
	future := &domain.DeliveryJob{
		Id:            uuid.New(),
		TargetURL:     "https://remote.example/inbox",
		SigningKeyId:  "key",
		Payload:       "{}",
		Status:        domain.DeliveryPending,
		NextAttemptAt: now.Add(time.Hour),
		CreatedAt:     now,
	}
	for _, job := range []*domain.DeliveryJob{due, future} {
		if err := store.InsertDeliveryJob(job); err != nil {
			t.Fatalf("InsertDeliveryJob failed: %v", err)
		}
	}

	claimed, err := store.ClaimDueDeliveries(10, now)
	if err != nil {
		t.Fatalf("ClaimDueDeliveries failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(claimed))
	}
	if claimed[0].Id != due.Id {
		t.Errorf("Expected job %s, got %s", due.Id, claimed[0].Id)
	}
	if claimed[0].AttemptCount != 1 {
		t.Errorf("Expected attempt count 1 after claim, got %d", claimed[0].AttemptCount)
	}
}

func TestMarkDeliveryDeliveredGuardsStatus(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now()

	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		TargetURL:     "https://remote.example/inbox",
		SigningKeyId:  "key",
		Payload:       "{}",
		Status:        domain.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := store.InsertDeliveryJob(job); err != nil {
		t.Fatalf("InsertDeliveryJob failed: %v", err)
	}

	code := 500
	if err := store.MarkDeliveryDead(job.Id, "gave up", &code); err != nil {
		t.Fatalf("MarkDeliveryDead failed: %v", err)
	}

	// A late success report must not resurrect a dead job.
	if err := store.MarkDeliveryDelivered(job.Id, now, 200); err != nil {
		t.Fatalf("MarkDeliveryDelivered failed: %v", err)
	}

	got, err := store.ReadDeliveryJob(job.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryJob failed: %v", err)
	}
	if got.Status != domain.DeliveryDead {
		t.Errorf("Expected status dead, got %q", got.Status)
	}
	if got.LastError != "gave up" {
		t.Errorf("Expected last error preserved, got %q", got.LastError)
	}

	deadCount, err := store.CountDeliveriesByStatus(domain.DeliveryDead)
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus failed: %v", err)
	}
	if deadCount != 1 {
		t.Errorf("Expected 1 dead delivery, got %d", deadCount)
	}
}

func TestMarkDeliveryRetrySchedules(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now()

	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		TargetURL:     "https://remote.example/inbox",
		SigningKeyId:  "key",
		Payload:       "{}",
		Status:        domain.DeliveryPending,
		NextAttemptAt: now.Add(-time.Minute),
		CreatedAt:     now,
	}
	if err := store.InsertDeliveryJob(job); err != nil {
		t.Fatalf("InsertDeliveryJob failed: %v", err)
	}

	if _, err := store.ClaimDueDeliveries(10, now); err != nil {
		t.Fatalf("ClaimDueDeliveries failed: %v", err)
	}

	next := now.Add(2 * time.Minute)
	code := 503
	if err := store.MarkDeliveryRetry(job.Id, next, "upstream 503", &code); err != nil {
		t.Fatalf("MarkDeliveryRetry failed: %v", err)
	}

	// Not due yet, so a second claim at the same time returns nothing.
	claimed, err := store.ClaimDueDeliveries(10, now)
	if err != nil {
		t.Fatalf("Second ClaimDueDeliveries failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("Expected no claimable jobs before retry time, got %d", len(claimed))
	}

	claimed, err = store.ClaimDueDeliveries(10, next.Add(time.Second))
	if err != nil {
		t.Fatalf("Third ClaimDueDeliveries failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected job claimable after retry time, got %d", len(claimed))
	}
	if claimed[0].AttemptCount != 2 {
		t.Errorf("Expected attempt count 2, got %d", claimed[0].AttemptCount)
	}
	if claimed[0].LastStatusCode == nil || *claimed[0].LastStatusCode != 503 {
		t.Errorf("Expected last status code 503, got %v", claimed[0].LastStatusCode)
	}
}

func TestObjectMapRoundTrip(t *testing.T) {
	store := setupTestDB(t)

	postId := uuid.New()
	err := store.UpsertObjectMap(&domain.ObjectMap{
		PostId:      postId,
		ObjectURI:   "https://us.example/ap/objects/posts/" + postId.String(),
		ActivityURI: "https://us.example/ap/activities/create/" + postId.String(),
	})
	if err != nil {
		t.Fatalf("UpsertObjectMap failed: %v", err)
	}

	m, err := store.ReadObjectMapByPostId(postId)
	if err != nil {
		t.Fatalf("ReadObjectMapByPostId failed: %v", err)
	}
	if m == nil || m.ObjectURI == "" {
		t.Fatalf("Expected object map row, got %+v", m)
	}
}
