package db

import (
	"path/filepath"
	"testing"

	"github.com/deemkeen/mammut/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCreateAndReadAccount(t *testing.T) {
	database := newTestDB(t)

	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if acc.WebPublicKey == "" || acc.WebPrivateKey == "" {
		t.Error("New account should have a keypair")
	}

	err, read := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if read.Id != acc.Id {
		t.Errorf("Read account id = %s, want %s", read.Id, acc.Id)
	}

	err, byId := database.ReadAccById(acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Read account username = %s, want alice", byId.Username)
	}
}

func TestReadMissingAccount(t *testing.T) {
	database := newTestDB(t)

	err, acc := database.ReadAccByUsername("nobody")
	if err == nil {
		t.Error("Reading a missing account should return an error")
	}
	if acc != nil {
		t.Error("Reading a missing account should return nil")
	}
}

func TestCreateNoteAssignsMonotonicSeq(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	var lastSeq int64
	for i := 0; i < 5; i++ {
		err, note := database.CreateNote(domain.SaveNote{
			UserId:     acc.Id,
			Message:    "hello",
			Visibility: domain.VisibilityPublic,
		}, "", "", nil)
		if err != nil {
			t.Fatalf("CreateNote failed: %v", err)
		}
		if note.Seq <= lastSeq {
			t.Errorf("Note seq %d is not strictly greater than previous %d", note.Seq, lastSeq)
		}
		lastSeq = note.Seq
	}
}

func TestReadNoteRoundTrip(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	mentions := []string{"https://remote.example/users/bob"}
	err, note := database.CreateNote(domain.SaveNote{
		UserId:     acc.Id,
		Message:    "a reply",
		Visibility: domain.VisibilityUnlisted,
	}, "https://remote.example/notes/1", "", mentions)
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	err, read := database.ReadNoteId(note.Id)
	if err != nil {
		t.Fatalf("ReadNoteId failed: %v", err)
	}
	if read.CreatedBy != "alice" {
		t.Errorf("Note createdBy = %s, want alice", read.CreatedBy)
	}
	if read.Visibility != domain.VisibilityUnlisted {
		t.Errorf("Note visibility = %s, want unlisted", read.Visibility)
	}
	if read.InReplyToURI != "https://remote.example/notes/1" {
		t.Errorf("Note inReplyTo = %s", read.InReplyToURI)
	}
	if len(read.Mentions) != 1 || read.Mentions[0] != mentions[0] {
		t.Errorf("Note mentions = %v, want %v", read.Mentions, mentions)
	}
	if read.EditedAt != nil {
		t.Error("New note should have no edit timestamp")
	}
}

func TestUpdateNoteObjectURI(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	err, note := database.CreateNote(domain.SaveNote{
		UserId:     acc.Id,
		Message:    "hello",
		Visibility: domain.VisibilityPublic,
	}, "", "", nil)
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	objectURI := "https://example.com/notes/" + note.Id.String()
	if err := database.UpdateNoteObjectURI(note.Seq, objectURI); err != nil {
		t.Fatalf("UpdateNoteObjectURI failed: %v", err)
	}

	err, read := database.ReadNoteByObjectURI(objectURI)
	if err != nil {
		t.Fatalf("ReadNoteByObjectURI failed: %v", err)
	}
	if read.Id != note.Id {
		t.Errorf("Read note id = %s, want %s", read.Id, note.Id)
	}
}
