package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database handle. It is constructed once in main and passed into
// every component that needs persistence; there is no package-level instance.
type DB struct {
	db *sql.DB
}

const (
	//Accounts
	sqlInsertUser           = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectUserById       = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE id = ?`
	sqlSelectUserByUsername = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE username = ?`

	//Notes
	sqlInsertNote = `INSERT INTO notes(id, user_id, message, visibility, in_reply_to_uri, reblog_of_uri, object_uri, mentions, sensitive, content_warning, created_at)
                         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateNoteObjectURI = `UPDATE notes SET object_uri = ? WHERE seq = ?`
	sqlSelectNoteBase      = `SELECT notes.id, notes.seq, accounts.username, notes.message, notes.created_at, notes.edited_at,
                                 notes.visibility, notes.in_reply_to_uri, notes.reblog_of_uri, notes.object_uri, notes.mentions,
                                 notes.sensitive, notes.content_warning
                          FROM notes INNER JOIN accounts ON accounts.id = notes.user_id `
	sqlSelectNoteById        = sqlSelectNoteBase + `WHERE notes.id = ?`
	sqlSelectNoteByObjectURI = sqlSelectNoteBase + `WHERE notes.object_uri = ?`
)

// NewDB opens (or creates) the sqlite database at path, applies the
// connection PRAGMAs and runs the schema migrations.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for concurrent federation workload
	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqldb}
	if err := database.RunMigrations(); err != nil {
		sqldb.Close()
		return nil, err
	}

	return database, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// CreateAccount creates a local account with a fresh RSA keypair
func (db *DB) CreateAccount(username string) (error, *domain.Account) {
	keypair := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now(),
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
	}

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertUser, acc.Id, acc.Username, acc.DisplayName, acc.Summary, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectUserById, id)
	return scanAccount(row)
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectUserByUsername, username)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var tempAcc domain.Account
	err := row.Scan(&tempAcc.Id, &tempAcc.Username, &tempAcc.DisplayName, &tempAcc.Summary, &tempAcc.CreatedAt, &tempAcc.WebPublicKey, &tempAcc.WebPrivateKey)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &tempAcc
}

// CreateNote stores a note and returns it with its assigned seq
func (db *DB) CreateNote(save domain.SaveNote, inReplyToURI, reblogOfURI string, mentions []string) (error, *domain.Note) {
	id := uuid.New()
	now := time.Now()
	mentionsJSON, err := json.Marshal(mentions)
	if err != nil {
		return err, nil
	}

	var seq int64
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertNote, id, save.UserId, save.Message, string(save.Visibility), inReplyToURI, reblogOfURI, "", string(mentionsJSON), 0, "", now)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err, nil
	}

	err, acc := db.ReadAccById(save.UserId)
	if err != nil {
		return err, nil
	}

	return nil, &domain.Note{
		Id:           id,
		Seq:          seq,
		CreatedBy:    acc.Username,
		Message:      save.Message,
		CreatedAt:    now,
		Visibility:   save.Visibility,
		InReplyToURI: inReplyToURI,
		ReblogOfURI:  reblogOfURI,
		Mentions:     mentions,
	}
}

// UpdateNoteObjectURI sets the ActivityPub object URI once the note id is minted
func (db *DB) UpdateNoteObjectURI(seq int64, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateNoteObjectURI, objectURI, seq)
		return err
	})
}

func (db *DB) ReadNoteId(id uuid.UUID) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNoteById, id)
	return scanNoteRow(row)
}

func (db *DB) ReadNoteByObjectURI(objectURI string) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNoteByObjectURI, objectURI)
	return scanNoteRow(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(s rowScanner) (error, *domain.Note) {
	var note domain.Note
	var visibility, mentionsJSON string
	var sensitive int
	var editedAt sql.NullTime
	err := s.Scan(&note.Id, &note.Seq, &note.CreatedBy, &note.Message, &note.CreatedAt, &editedAt,
		&visibility, &note.InReplyToURI, &note.ReblogOfURI, &note.ObjectURI, &mentionsJSON,
		&sensitive, &note.ContentWarning)
	if err != nil {
		return err, nil
	}
	if editedAt.Valid {
		note.EditedAt = &editedAt.Time
	}
	note.Visibility = domain.Visibility(visibility)
	note.Sensitive = sensitive != 0
	if mentionsJSON != "" {
		if err := json.Unmarshal([]byte(mentionsJSON), &note.Mentions); err != nil {
			return err, nil
		}
	}
	return nil, &note
}

func scanNoteRow(row *sql.Row) (error, *domain.Note) {
	err, note := scanNote(row)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, note
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}
