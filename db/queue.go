package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Delivery attempt queries. INSERT OR IGNORE enforces the
// (activity_uri, inbox_uri) dedup invariant at the storage layer.
const (
	sqlInsertDeliveryAttempt = `INSERT OR IGNORE INTO delivery_attempts(id, activity_uri, inbox_uri, activity_json, sender_id, attempts, next_retry_at, last_error, state, created_at)
                                    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueDeliveries = `SELECT id, activity_uri, inbox_uri, activity_json, sender_id, attempts, next_retry_at, last_error, state, created_at
                                  FROM delivery_attempts WHERE state = 'pending' AND next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlSelectDeliveryByKey = `SELECT id, activity_uri, inbox_uri, activity_json, sender_id, attempts, next_retry_at, last_error, state, created_at
                                  FROM delivery_attempts WHERE activity_uri = ? AND inbox_uri = ?`
	sqlUpdateDeliveryRetry     = `UPDATE delivery_attempts SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	sqlMarkDeliveryDelivered   = `UPDATE delivery_attempts SET state = 'delivered', last_error = '' WHERE id = ?`
	sqlMarkDeliveryDead        = `UPDATE delivery_attempts SET state = 'dead', last_error = ? WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryAttempt) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryAttempt,
			item.Id.String(),
			item.ActivityURI,
			item.InboxURI,
			item.ActivityJSON,
			item.SenderId.String(),
			item.Attempts,
			item.NextRetryAt,
			item.LastError,
			string(item.State),
			item.CreatedAt)
		return err
	})
}

// ReadDueDeliveries returns pending attempts whose retry time has passed
func (db *DB) ReadDueDeliveries(limit int) (error, *[]domain.DeliveryAttempt) {
	rows, err := db.db.Query(sqlSelectDueDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryAttempt
	for rows.Next() {
		var item domain.DeliveryAttempt
		var state string
		if err := rows.Scan(&item.Id, &item.ActivityURI, &item.InboxURI, &item.ActivityJSON, &item.SenderId,
			&item.Attempts, &item.NextRetryAt, &item.LastError, &state, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.State = domain.DeliveryState(state)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) ReadDeliveryByKey(activityURI, inboxURI string) (error, *domain.DeliveryAttempt) {
	row := db.db.QueryRow(sqlSelectDeliveryByKey, activityURI, inboxURI)
	var item domain.DeliveryAttempt
	var state string
	err := row.Scan(&item.Id, &item.ActivityURI, &item.InboxURI, &item.ActivityJSON, &item.SenderId,
		&item.Attempts, &item.NextRetryAt, &item.LastError, &state, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	item.State = domain.DeliveryState(state)
	return err, &item
}

func (db *DB) UpdateDeliveryRetry(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryRetry, attempts, nextRetry, lastError, id.String())
		return err
	})
}

func (db *DB) MarkDeliveryDelivered(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDelivered, id.String())
		return err
	})
}

func (db *DB) MarkDeliveryDead(id uuid.UUID, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDead, lastError, id.String())
		return err
	})
}
