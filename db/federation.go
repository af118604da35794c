package db

import (
	"database/sql"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Remote account (actor cache) queries
const (
	sqlInsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, last_fetched_at)
                                  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccountFields = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, last_fetched_at FROM remote_accounts `
	sqlSelectRemoteAccountByURI  = sqlSelectRemoteAccountFields + `WHERE actor_uri = ?`
	sqlSelectRemoteAccountById   = sqlSelectRemoteAccountFields + `WHERE id = ?`
	sqlUpdateRemoteAccount       = `UPDATE remote_accounts SET display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?, shared_inbox_uri = ?, public_key_pem = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlDeleteRemoteAccount       = `DELETE FROM remote_accounts WHERE id = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.LastFetchedAt)
		return err
	})
}

func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.LastFetchedAt,
			acc.ActorURI)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	return scanRemoteAccount(row)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountById, id.String())
	return scanRemoteAccount(row)
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	err := row.Scan(&acc.Id, &acc.Username, &acc.Domain, &acc.ActorURI, &acc.DisplayName, &acc.Summary,
		&acc.InboxURI, &acc.OutboxURI, &acc.SharedInboxURI, &acc.PublicKeyPem, &acc.LastFetchedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &acc
}

// Follow queries
const (
	sqlInsertFollow              = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowFields        = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows `
	sqlSelectFollowByURI         = sqlSelectFollowFields + `WHERE uri = ?`
	sqlSelectFollowByAccounts    = sqlSelectFollowFields + `WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowersOfAccount  = sqlSelectFollowFields + `WHERE target_account_id = ? AND accepted = 1`
	sqlDeleteFollowByURI         = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI         = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowsByAccountId  = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	return scanFollow(row)
}

// ReadFollowByAccountIds returns the follow where accountId follows targetId
func (db *DB) ReadFollowByAccountIds(accountId, targetId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByAccounts, accountId.String(), targetId.String())
	return scanFollow(row)
}

// ReadFollowersOfAccount returns accepted follows targeting the given account
func (db *DB) ReadFollowersOfAccount(targetId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersOfAccount, targetId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		if err := rows.Scan(&follow.Id, &follow.AccountId, &follow.TargetAccountId, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return err, &follows
		}
		follows = append(follows, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}
	return nil, &follows
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

func (db *DB) DeleteFollowsByRemoteAccountId(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByAccountId, id.String(), id.String())
		return err
	})
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var follow domain.Follow
	err := row.Scan(&follow.Id, &follow.AccountId, &follow.TargetAccountId, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &follow
}

// Activity log queries
const (
	sqlInsertActivity            = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, deleted, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActivity            = `UPDATE activities SET processed = ?, object_uri = ?, raw_json = ? WHERE id = ?`
	sqlSelectActivityFields      = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, deleted, local, created_at FROM activities `
	sqlSelectActivityByURI       = sqlSelectActivityFields + `WHERE activity_uri = ?`
	sqlSelectActivityByObjectURI = sqlSelectActivityFields + `WHERE object_uri = ?`
	sqlMarkActivityDeleted       = `UPDATE activities SET deleted = 1 WHERE activity_uri = ?`
	sqlDeleteActivity            = `DELETE FROM activities WHERE id = ?`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Deleted,
			activity.Local,
			activity.CreatedAt)
		return err
	})
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivity,
			activity.Processed,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Id.String())
		return err
	})
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByURI, uri)
	return scanActivity(row)
}

func (db *DB) ReadActivityByObjectURI(objectURI string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByObjectURI, objectURI)
	return scanActivity(row)
}

// MarkActivityDeleted tombstones an activity; pending deliveries for it are
// skipped at dequeue time
func (db *DB) MarkActivityDeleted(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActivityDeleted, uri)
		return err
	})
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}

func scanActivity(row *sql.Row) (error, *domain.Activity) {
	var activity domain.Activity
	err := row.Scan(&activity.Id, &activity.ActivityURI, &activity.ActivityType, &activity.ActorURI,
		&activity.ObjectURI, &activity.RawJSON, &activity.Processed, &activity.Deleted, &activity.Local, &activity.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &activity
}

// Like queries
const (
	sqlInsertLike = `INSERT OR IGNORE INTO likes(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteLike = `DELETE FROM likes WHERE uri = ?`
)

func (db *DB) CreateLike(like *domain.Like) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLike, like.Id.String(), like.AccountId.String(), like.NoteId.String(), like.URI, like.CreatedAt)
		return err
	})
}

func (db *DB) DeleteLikeByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteLike, uri)
		return err
	})
}

// Outbox pagination queries. The distributable filter (public or unlisted,
// and not a reply to a known non-public parent) is applied in SQL so page
// boundaries stay consistent regardless of filtered-out rows.
const (
	sqlDistributableFilter = ` accounts.username = ?
	  AND notes.visibility IN ('public', 'unlisted')
	  AND (notes.in_reply_to_uri = ''
	       OR NOT EXISTS (SELECT 1 FROM notes parent WHERE parent.object_uri = notes.in_reply_to_uri AND parent.visibility != 'public')) `

	sqlSelectDistributableNotes = sqlSelectNoteBase + `WHERE` + sqlDistributableFilter + `
	  AND (? = 0 OR notes.seq < ?)
	  AND (? = 0 OR notes.seq > ?)
	  ORDER BY notes.seq DESC LIMIT ?`

	sqlCountDistributableNotes = `SELECT COUNT(*) FROM notes INNER JOIN accounts ON accounts.id = notes.user_id WHERE` + sqlDistributableFilter

	sqlCountDistributableNotesAfter = `SELECT COUNT(*) FROM notes INNER JOIN accounts ON accounts.id = notes.user_id WHERE` + sqlDistributableFilter + ` AND notes.seq > ?`

	sqlSelectOldestDistributableSeq = `SELECT MIN(notes.seq) FROM notes INNER JOIN accounts ON accounts.id = notes.user_id WHERE` + sqlDistributableFilter
)

// ReadDistributableNotes returns a page of federation-eligible notes in
// strictly descending seq order. maxSeq/sinceSeq of 0 mean unset.
func (db *DB) ReadDistributableNotes(username string, maxSeq, sinceSeq int64, limit int) (error, *[]domain.Note) {
	rows, err := db.db.Query(sqlSelectDistributableNotes, username, maxSeq, maxSeq, sinceSeq, sinceSeq, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		err, note := scanNote(rows)
		if err != nil {
			return err, &notes
		}
		notes = append(notes, *note)
	}
	if err = rows.Err(); err != nil {
		return err, &notes
	}
	return nil, &notes
}

func (db *DB) CountDistributableNotes(username string) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountDistributableNotes, username).Scan(&count)
	return err, count
}

// HasDistributableNoteAfter reports whether a federation-eligible note newer
// than seq exists for the given user
func (db *DB) HasDistributableNoteAfter(username string, seq int64) (error, bool) {
	var count int
	err := db.db.QueryRow(sqlCountDistributableNotesAfter, username, seq).Scan(&count)
	return err, count > 0
}

// ReadOldestDistributableSeq returns the lowest federation-eligible seq for
// the user; ok is false when the outbox is empty
func (db *DB) ReadOldestDistributableSeq(username string) (error, int64, bool) {
	var seq sql.NullInt64
	err := db.db.QueryRow(sqlSelectOldestDistributableSeq, username).Scan(&seq)
	if err != nil {
		return err, 0, false
	}
	return nil, seq.Int64, seq.Valid
}
