package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Visibility controls who a note is addressed to and whether it federates
// into public collections.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
	VisibilityLimited  Visibility = "limited"
)

// Distributable reports whether a note of this visibility may appear in
// public collections (outbox pages, shared timelines). Private, direct and
// limited notes are delivered to individual inboxes only.
func (v Visibility) Distributable() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted
}

type SaveNote struct {
	UserId     uuid.UUID
	Message    string
	Visibility Visibility
}

type Note struct {
	Id        uuid.UUID
	Seq       int64 // monotonic creation order, pagination cursor
	CreatedBy string
	Message   string
	CreatedAt time.Time
	EditedAt  *time.Time

	Visibility     Visibility
	InReplyToURI   string // URI of the note this is replying to
	ReblogOfURI    string // URI of the note this boosts (Announce)
	ObjectURI      string // ActivityPub object URI
	Mentions       []string
	Sensitive      bool
	ContentWarning string
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tSeq: %d \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.Seq, note.CreatedBy, note.Message, note.CreatedAt)
}
