package activitypub

import (
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Federator is the outbound side of federation: it renders activities for
// local state changes and hands them to the delivery engine.
type Federator struct {
	database *db.DB
	resolver *Resolver
	engine   *DeliveryEngine
	iri      IRIBuilder
}

func NewFederator(database *db.DB, resolver *Resolver, engine *DeliveryEngine, iri IRIBuilder) *Federator {
	return &Federator{
		database: database,
		resolver: resolver,
		engine:   engine,
		iri:      iri,
	}
}

// PublishNote renders the note's activity, records it locally and fans it out.
// Public, unlisted and private notes go to all follower inboxes; direct and
// limited notes go only to the inboxes of mentioned actors.
func (f *Federator) PublishNote(account *domain.Account, note *domain.Note) error {
	doc := RenderNoteActivity(note, f.iri)

	raw, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render activity: %w", err)
	}
	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  doc.ID,
		ActivityType: doc.Type,
		ActorURI:     f.iri.Actor(account.Username),
		ObjectURI:    f.iri.Note(note.Id.String()),
		RawJSON:      string(raw),
		Processed:    true,
		CreatedAt:    time.Now(),
		Local:        true,
	}
	if err := f.database.CreateActivity(activity); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	if err := f.database.UpdateNoteObjectURI(note.Seq, activity.ObjectURI); err != nil {
		return fmt.Errorf("failed to link note object: %w", err)
	}

	// private notes address the followers collection, so they fan out to
	// follower inboxes too; only direct and limited notes stay mentions-only
	var inboxes []string
	if note.Visibility.Distributable() || note.Visibility == domain.VisibilityPrivate {
		inboxes = f.followerInboxes(account.Id)
	}
	inboxes = append(inboxes, f.mentionInboxes(note.Mentions)...)

	if len(inboxes) == 0 {
		return nil
	}
	log.Printf("Federator: Fanning out %s to %d inboxes", doc.ID, len(inboxes))
	return f.engine.Enqueue(doc, account, inboxes)
}

// DeleteNote tombstones the local activity and fans a Delete out to followers
// so pending deliveries are skipped and remote copies are removed
func (f *Federator) DeleteNote(account *domain.Account, note *domain.Note) error {
	objectURI := f.iri.Note(note.Id.String())

	if err := f.database.MarkActivityDeleted(f.iri.NoteActivity(note.Id.String())); err != nil {
		return fmt.Errorf("failed to tombstone activity: %w", err)
	}

	doc := RenderDelete(uuid.New().String(), account.Username, objectURI, f.iri)
	inboxes := f.followerInboxes(account.Id)
	if len(inboxes) == 0 {
		return nil
	}
	return f.engine.Enqueue(doc, account, inboxes)
}

// SendFollow resolves the remote actor, stores the pending relationship and
// queues the Follow to their inbox
func (f *Federator) SendFollow(account *domain.Account, remoteActorURI string) error {
	remote, err := f.resolver.Resolve(remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", remoteActorURI, err)
	}

	doc := RenderFollow(uuid.New().String(), account.Username, remote.ActorURI, f.iri)
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       account.Id,
		TargetAccountId: remote.Id,
		URI:             doc.ID,
		CreatedAt:       time.Now(),
		Accepted:        false,
	}
	if err := f.database.CreateFollow(follow); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	log.Printf("Federator: Following %s", remote.ActorURI)
	return f.engine.Enqueue(doc, account, []string{remote.InboxURI})
}

// SendUnfollow undoes a previously sent Follow
func (f *Federator) SendUnfollow(account *domain.Account, remoteActorURI string) error {
	remote, err := f.resolver.Resolve(remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", remoteActorURI, err)
	}

	err, follow := f.database.ReadFollowByAccountIds(account.Id, remote.Id)
	if err != nil || follow == nil {
		return fmt.Errorf("no follow relationship with %s", remoteActorURI)
	}

	inner := RenderFollow(follow.URI, account.Username, remote.ActorURI, f.iri)
	inner.ID = follow.URI
	undo := RenderUndo(uuid.New().String(), account.Username, inner, f.iri)

	if err := f.database.DeleteFollowByURI(follow.URI); err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}

	log.Printf("Federator: Unfollowing %s", remote.ActorURI)
	return f.engine.Enqueue(undo, account, []string{remote.InboxURI})
}

// followerInboxes collects the inboxes of all accepted followers, preferring
// a shared inbox when the remote server advertises one
func (f *Federator) followerInboxes(accountId uuid.UUID) []string {
	err, follows := f.database.ReadFollowersOfAccount(accountId)
	if err != nil || follows == nil {
		return nil
	}

	var inboxes []string
	for _, follow := range *follows {
		err, remote := f.database.ReadRemoteAccountById(follow.AccountId)
		if err != nil || remote == nil {
			continue
		}
		if remote.SharedInboxURI != "" {
			inboxes = append(inboxes, remote.SharedInboxURI)
		} else {
			inboxes = append(inboxes, remote.InboxURI)
		}
	}
	return inboxes
}

// mentionInboxes resolves mentioned actors to their personal inboxes. Shared
// inboxes are not used here: a mention targets one actor, not a server.
func (f *Federator) mentionInboxes(mentions []string) []string {
	var inboxes []string
	for _, mention := range mentions {
		remote, err := f.resolver.Resolve(mention)
		if err != nil {
			log.Printf("Federator: Failed to resolve mention %s: %v", mention, err)
			continue
		}
		inboxes = append(inboxes, remote.InboxURI)
	}
	return inboxes
}
