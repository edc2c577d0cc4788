package db

import (
	"database/sql"
	"log"
)

const (
	// Singleton server signing keypair
	sqlCreateServerKeysTable = `CREATE TABLE IF NOT EXISTS server_keys (
		id TEXT NOT NULL PRIMARY KEY,
		private_key_pem TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Remote actor cache
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		etag TEXT DEFAULT '',
		fetched_at TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	)`

	// Inbound relationships (remote actor -> local user)
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		local_user_id TEXT NOT NULL,
		remote_actor_uri TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'accepted',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(local_user_id, remote_actor_uri)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_local_user_id ON followers(local_user_id);
		CREATE INDEX IF NOT EXISTS idx_followers_remote_actor_uri ON followers(remote_actor_uri);
	`

	// Outbound relationships (local user -> remote actor)
	sqlCreateFollowingTable = `CREATE TABLE IF NOT EXISTS following (
		id TEXT NOT NULL PRIMARY KEY,
		local_user_id TEXT NOT NULL,
		remote_actor_uri TEXT NOT NULL,
		follow_activity_uri TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(local_user_id, remote_actor_uri)
	)`

	sqlCreateFollowingIndices = `
		CREATE INDEX IF NOT EXISTS idx_following_local_user_id ON following(local_user_id);
		CREATE INDEX IF NOT EXISTS idx_following_activity_uri ON following(follow_activity_uri);
	`

	// Outbound delivery queue
	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT NOT NULL PRIMARY KEY,
		target_url TEXT NOT NULL,
		signing_key_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		next_attempt_at TIMESTAMP NOT NULL,
		last_status_code INTEGER,
		last_error TEXT DEFAULT '',
		delivered_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(status, next_attempt_at);
	`

	// Write-once idempotency ledger for inbound activities
	sqlCreateInboxDedupeTable = `CREATE TABLE IF NOT EXISTS inbox_dedupe (
		protocol TEXT NOT NULL,
		remote_activity_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(protocol, remote_activity_id)
	)`

	// Local post -> federated identifier mapping
	sqlCreateObjectMapTable = `CREATE TABLE IF NOT EXISTS object_map (
		post_id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_user_id ON posts(user_id);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
	`
)

// Migrate creates every table the federation core owns plus the two
// read models it consumes.
func (db *DB) Migrate() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"posts", sqlCreatePostsTable},
			{"server_keys", sqlCreateServerKeysTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"followers", sqlCreateFollowersTable},
			{"following", sqlCreateFollowingTable},
			{"delivery_jobs", sqlCreateDeliveryJobsTable},
			{"inbox_dedupe", sqlCreateInboxDedupeTable},
			{"object_map", sqlCreateObjectMapTable},
		}
		for _, t := range tables {
			if _, err := tx.Exec(t.ddl); err != nil {
				log.Printf("Error creating table %s: %v", t.name, err)
				return err
			}
		}

		indices := []string{
			sqlCreateFollowersIndices,
			sqlCreateFollowingIndices,
			sqlCreateDeliveryJobsIndices,
			sqlCreatePostsIndices,
		}
		for _, ddl := range indices {
			if _, err := tx.Exec(ddl); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}

		return nil
	})
}
