package db

import (
	"database/sql"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDevice           = `INSERT INTO devices(id, account_id, device_id, name, identity_key, fingerprint_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDeviceFields     = `SELECT id, account_id, device_id, name, identity_key, fingerprint_key, created_at FROM devices `
	sqlSelectDevicesByAccount = sqlSelectDeviceFields + `WHERE account_id = ? ORDER BY created_at ASC`
	sqlSelectDeviceByDeviceId = sqlSelectDeviceFields + `WHERE account_id = ? AND device_id = ?`

	sqlInsertOneTimeKey = `INSERT INTO one_time_keys(id, device_id, key_id, key, signature, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectOneKey     = `SELECT id, device_id, key_id, key, signature, created_at FROM one_time_keys WHERE device_id = ? ORDER BY created_at ASC LIMIT 1`
	sqlDeleteOneTimeKey = `DELETE FROM one_time_keys WHERE id = ?`
	sqlCountOneTimeKeys = `SELECT COUNT(*) FROM one_time_keys WHERE device_id = ?`
)

func (db *DB) CreateDevice(device *domain.Device) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDevice,
			device.Id.String(),
			device.AccountId.String(),
			device.DeviceId,
			device.Name,
			device.IdentityKey,
			device.FingerprintKey,
			device.CreatedAt)
		return err
	})
}

func (db *DB) ReadDevicesByAccountId(accountId uuid.UUID) (error, *[]domain.Device) {
	rows, err := db.db.Query(sqlSelectDevicesByAccount, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		var device domain.Device
		if err := rows.Scan(&device.Id, &device.AccountId, &device.DeviceId, &device.Name, &device.IdentityKey, &device.FingerprintKey, &device.CreatedAt); err != nil {
			return err, &devices
		}
		devices = append(devices, device)
	}
	if err = rows.Err(); err != nil {
		return err, &devices
	}
	return nil, &devices
}

func (db *DB) ReadDeviceByDeviceId(accountId uuid.UUID, deviceId string) (error, *domain.Device) {
	row := db.db.QueryRow(sqlSelectDeviceByDeviceId, accountId.String(), deviceId)
	var device domain.Device
	err := row.Scan(&device.Id, &device.AccountId, &device.DeviceId, &device.Name, &device.IdentityKey, &device.FingerprintKey, &device.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &device
}

func (db *DB) CreateOneTimeKey(key *domain.OneTimeKey) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertOneTimeKey,
			key.Id.String(),
			key.DeviceId.String(),
			key.KeyId,
			key.Key,
			key.Signature,
			key.CreatedAt)
		return err
	})
}

func (db *DB) CountOneTimeKeys(deviceId uuid.UUID) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountOneTimeKeys, deviceId.String()).Scan(&count)
	return err, count
}

// ClaimOneTimeKey picks the oldest unused key for the device and deletes it
// inside the same transaction, so concurrent claimants cannot both receive
// the same key. Returns sql.ErrNoRows when no key remains.
func (db *DB) ClaimOneTimeKey(deviceId uuid.UUID) (error, *domain.OneTimeKey) {
	var claimed *domain.OneTimeKey
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var key domain.OneTimeKey
		row := tx.QueryRow(sqlSelectOneKey, deviceId.String())
		if err := row.Scan(&key.Id, &key.DeviceId, &key.KeyId, &key.Key, &key.Signature, &key.CreatedAt); err != nil {
			return err
		}

		res, err := tx.Exec(sqlDeleteOneTimeKey, key.Id.String())
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			// lost the race to a concurrent claimant
			return sql.ErrNoRows
		}

		claimed = &key
		return nil
	})
	if err != nil {
		return err, nil
	}
	return nil, claimed
}
