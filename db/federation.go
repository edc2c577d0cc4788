package db

import (
	"database/sql"
	"time"

	"github.com/foresightd/foresight/domain"
	"github.com/google/uuid"
)

// Server key queries
const (
	sqlUpsertServerKey = `INSERT INTO server_keys(id, private_key_pem, public_key_pem, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET private_key_pem = excluded.private_key_pem, public_key_pem = excluded.public_key_pem`
	sqlSelectServerKey = `SELECT id, private_key_pem, public_key_pem, created_at FROM server_keys WHERE id = ?`
)

func (db *DB) UpsertServerKey(key *domain.ServerKey) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertServerKey, key.Id, key.PrivateKeyPem, key.PublicKeyPem, key.CreatedAt)
		return err
	})
}

// ReadServerKey returns (nil, nil) when no key has been generated yet.
func (db *DB) ReadServerKey() (*domain.ServerKey, error) {
	row := db.db.QueryRow(sqlSelectServerKey, domain.ServerKeyId)
	var key domain.ServerKey
	err := row.Scan(&key.Id, &key.PrivateKeyPem, &key.PublicKeyPem, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// Remote actor cache queries
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, etag, fetched_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			public_key_pem = excluded.public_key_pem,
			etag = excluded.etag,
			fetched_at = excluded.fetched_at,
			last_seen = excluded.last_seen`
	sqlSelectRemoteActor = `SELECT actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, etag, fetched_at, last_seen FROM remote_actors WHERE actor_uri = ?`
	sqlTouchRemoteActor  = `UPDATE remote_actors SET last_seen = ? WHERE actor_uri = ?`
)

func (db *DB) UpsertRemoteActor(actor *domain.RemoteActor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteActor,
			actor.ActorURI,
			actor.InboxURI,
			actor.SharedInboxURI,
			actor.PublicKeyPem,
			actor.Etag,
			actor.FetchedAt,
			actor.LastSeen,
		)
		return err
	})
}

// ReadRemoteActor returns (nil, nil) on a cache miss.
func (db *DB) ReadRemoteActor(actorURI string) (*domain.RemoteActor, error) {
	row := db.db.QueryRow(sqlSelectRemoteActor, actorURI)
	var actor domain.RemoteActor
	err := row.Scan(
		&actor.ActorURI,
		&actor.InboxURI,
		&actor.SharedInboxURI,
		&actor.PublicKeyPem,
		&actor.Etag,
		&actor.FetchedAt,
		&actor.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &actor, nil
}

func (db *DB) TouchRemoteActorLastSeen(actorURI string, seen time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchRemoteActor, seen, actorURI)
		return err
	})
}

// Follower queries
const (
	sqlUpsertFollower = `INSERT INTO followers(id, local_user_id, remote_actor_uri, state, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_user_id, remote_actor_uri) DO UPDATE SET state = excluded.state`
	sqlDeleteFollower          = `DELETE FROM followers WHERE local_user_id = ? AND remote_actor_uri = ?`
	sqlSelectFollowersByUserId = `SELECT id, local_user_id, remote_actor_uri, state, created_at FROM followers
		WHERE local_user_id = ? AND state = 'accepted' ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountFollowersByUserId = `SELECT COUNT(*) FROM followers WHERE local_user_id = ? AND state = 'accepted'`

	// One set-based query resolving the distinct delivery targets for a
	// fan-out, preferring each follower's shared inbox.
	sqlSelectDistinctFollowerInboxes = `SELECT DISTINCT
			CASE WHEN ra.shared_inbox_uri != '' THEN ra.shared_inbox_uri ELSE ra.inbox_uri END AS inbox
		FROM followers f
		INNER JOIN remote_actors ra ON ra.actor_uri = f.remote_actor_uri
		WHERE f.local_user_id = ? AND f.state = 'accepted' AND inbox != ''`
)

func (db *DB) UpsertFollower(localUserId uuid.UUID, remoteActorURI string, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollower,
			uuid.New().String(),
			localUserId.String(),
			remoteActorURI,
			state,
			time.Now(),
		)
		return err
	})
}

func (db *DB) DeleteFollower(localUserId uuid.UUID, remoteActorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollower, localUserId.String(), remoteActorURI)
		return err
	})
}

func (db *DB) ReadFollowersByUserId(localUserId uuid.UUID, limit int, offset int) ([]domain.Follower, error) {
	rows, err := db.db.Query(sqlSelectFollowersByUserId, localUserId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var idStr, userIdStr string
		if err := rows.Scan(&idStr, &userIdStr, &f.RemoteActorURI, &f.State, &f.CreatedAt); err != nil {
			return followers, err
		}
		f.Id, _ = uuid.Parse(idStr)
		f.LocalUserId, _ = uuid.Parse(userIdStr)
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

func (db *DB) CountFollowersByUserId(localUserId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowersByUserId, localUserId.String()).Scan(&n)
	return n, err
}

// ReadDistinctFollowerInboxes returns the deduplicated set of inbox URLs
// a fan-out must reach, one row per remote server when shared inboxes
// are known.
func (db *DB) ReadDistinctFollowerInboxes(localUserId uuid.UUID) ([]string, error) {
	rows, err := db.db.Query(sqlSelectDistinctFollowerInboxes, localUserId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return inboxes, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// Following queries
const (
	sqlUpsertFollowing = `INSERT INTO following(id, local_user_id, remote_actor_uri, follow_activity_uri, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_user_id, remote_actor_uri) DO UPDATE SET
			follow_activity_uri = excluded.follow_activity_uri,
			state = excluded.state,
			updated_at = excluded.updated_at`
	sqlSelectFollowing = `SELECT id, local_user_id, remote_actor_uri, follow_activity_uri, state, created_at, updated_at
		FROM following WHERE local_user_id = ? AND remote_actor_uri = ?`
	sqlSelectFollowingByActivityURI = `SELECT id, local_user_id, remote_actor_uri, follow_activity_uri, state, created_at, updated_at
		FROM following WHERE follow_activity_uri = ?`
	sqlSelectFollowingByUserId = `SELECT id, local_user_id, remote_actor_uri, follow_activity_uri, state, created_at, updated_at
		FROM following WHERE local_user_id = ? ORDER BY created_at DESC`
	sqlUpdateFollowingState = `UPDATE following SET state = ?, updated_at = ? WHERE id = ?`
)

func (db *DB) UpsertFollowing(f *domain.Following) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollowing,
			f.Id.String(),
			f.LocalUserId.String(),
			f.RemoteActorURI,
			f.FollowActivityURI,
			f.State,
			f.CreatedAt,
			f.UpdatedAt,
		)
		return err
	})
}

// ReadFollowing returns (nil, nil) when no relationship exists.
func (db *DB) ReadFollowing(localUserId uuid.UUID, remoteActorURI string) (*domain.Following, error) {
	row := db.db.QueryRow(sqlSelectFollowing, localUserId.String(), remoteActorURI)
	return scanFollowing(row)
}

func (db *DB) ReadFollowingByActivityURI(activityURI string) (*domain.Following, error) {
	row := db.db.QueryRow(sqlSelectFollowingByActivityURI, activityURI)
	return scanFollowing(row)
}

func scanFollowing(row *sql.Row) (*domain.Following, error) {
	var f domain.Following
	var idStr, userIdStr string
	err := row.Scan(&idStr, &userIdStr, &f.RemoteActorURI, &f.FollowActivityURI, &f.State, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Id, _ = uuid.Parse(idStr)
	f.LocalUserId, _ = uuid.Parse(userIdStr)
	return &f, nil
}

func (db *DB) ReadFollowingByUserId(localUserId uuid.UUID) ([]domain.Following, error) {
	rows, err := db.db.Query(sqlSelectFollowingByUserId, localUserId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var following []domain.Following
	for rows.Next() {
		var f domain.Following
		var idStr, userIdStr string
		if err := rows.Scan(&idStr, &userIdStr, &f.RemoteActorURI, &f.FollowActivityURI, &f.State, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return following, err
		}
		f.Id, _ = uuid.Parse(idStr)
		f.LocalUserId, _ = uuid.Parse(userIdStr)
		following = append(following, f)
	}
	return following, rows.Err()
}

func (db *DB) UpdateFollowingState(id uuid.UUID, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowingState, state, time.Now(), id.String())
		return err
	})
}

// Inbox dedupe queries
const (
	sqlInsertInboxDedupe = `INSERT INTO inbox_dedupe(protocol, remote_activity_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(protocol, remote_activity_id) DO NOTHING`
)

// InsertInboxDedupe records an inbound activity id. The boolean is true
// only for the first insert; replays return false and must be treated as
// already processed.
func (db *DB) InsertInboxDedupe(protocol string, remoteActivityId string) (bool, error) {
	var inserted bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertInboxDedupe, protocol, remoteActivityId, time.Now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// Object map queries
const (
	sqlUpsertObjectMap = `INSERT INTO object_map(post_id, object_uri, activity_uri, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(post_id) DO UPDATE SET object_uri = excluded.object_uri, activity_uri = excluded.activity_uri`
	sqlSelectObjectMap = `SELECT post_id, object_uri, activity_uri, created_at FROM object_map WHERE post_id = ?`
)

func (db *DB) UpsertObjectMap(m *domain.ObjectMap) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertObjectMap, m.PostId.String(), m.ObjectURI, m.ActivityURI, m.CreatedAt)
		return err
	})
}

func (db *DB) ReadObjectMapByPostId(postId uuid.UUID) (*domain.ObjectMap, error) {
	row := db.db.QueryRow(sqlSelectObjectMap, postId.String())
	var m domain.ObjectMap
	var idStr string
	err := row.Scan(&idStr, &m.ObjectURI, &m.ActivityURI, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.PostId, _ = uuid.Parse(idStr)
	return &m, nil
}
