package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		web_public_key TEXT,
		web_private_key TEXT
	)`

	// seq doubles as the pagination cursor; the uuid id is for external reference
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'public',
		in_reply_to_uri TEXT DEFAULT '',
		reblog_of_uri TEXT DEFAULT '',
		object_uri TEXT DEFAULT '',
		mentions TEXT DEFAULT '[]',
		sensitive INTEGER DEFAULT 0,
		content_warning TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_object_uri ON notes(object_uri);
		CREATE INDEX IF NOT EXISTS idx_notes_visibility_seq ON notes(visibility, seq DESC);
	`

	// Remote actor cache table
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		shared_inbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted INTEGER DEFAULT 0,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Activities log table (deduplication, tombstones, diagnostics)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`

	// One row per (activity, inbox); the delivery engine owns all state transitions
	sqlCreateDeliveryAttemptsTable = `CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		last_error TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_uri, inbox_uri)
	)`

	sqlCreateDeliveryAttemptsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_attempts_due ON delivery_attempts(state, next_retry_at);
	`

	sqlCreateDevicesTable = `CREATE TABLE IF NOT EXISTS devices (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		name TEXT DEFAULT '',
		identity_key TEXT NOT NULL,
		fingerprint_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, device_id)
	)`

	sqlCreateOneTimeKeysTable = `CREATE TABLE IF NOT EXISTS one_time_keys (
		id TEXT NOT NULL PRIMARY KEY,
		device_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		key TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(device_id, key_id)
	)`

	sqlCreateOneTimeKeysIndices = `
		CREATE INDEX IF NOT EXISTS idx_one_time_keys_device_id ON one_time_keys(device_id);
	`
)

// RunMigrations creates all tables and indices if they do not exist yet
func (db *DB) RunMigrations() error {
	statements := []string{
		sqlCreateAccountsTable,
		sqlCreateNotesTable,
		sqlCreateNotesIndices,
		sqlCreateRemoteAccountsTable,
		sqlCreateRemoteAccountsIndices,
		sqlCreateFollowsTable,
		sqlCreateFollowsIndices,
		sqlCreateActivitiesTable,
		sqlCreateActivitiesIndices,
		sqlCreateLikesTable,
		sqlCreateDeliveryAttemptsTable,
		sqlCreateDeliveryAttemptsIndices,
		sqlCreateDevicesTable,
		sqlCreateOneTimeKeysTable,
		sqlCreateOneTimeKeysIndices,
	}

	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				log.Printf("Migration failed: %v", err)
				return err
			}
		}
		return nil
	})
}
