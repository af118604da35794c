package activitypub

import (
	"testing"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

func seedRemote(t *testing.T, database *db.DB, username, sharedInbox string) *domain.RemoteAccount {
	t.Helper()
	remote := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       username,
		Domain:         "remote.example",
		ActorURI:       "https://remote.example/users/" + username,
		InboxURI:       "https://remote.example/users/" + username + "/inbox",
		SharedInboxURI: sharedInbox,
		PublicKeyPem:   "pem",
		LastFetchedAt:  time.Now(),
	}
	if err := database.CreateRemoteAccount(remote); err != nil {
		t.Fatalf("CreateRemoteAccount failed: %v", err)
	}
	return remote
}

func seedFollower(t *testing.T, database *db.DB, remote *domain.RemoteAccount, target *domain.Account) {
	t.Helper()
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: target.Id,
		URI:             "https://remote.example/activities/" + uuid.New().String(),
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}
}

func dueInboxes(t *testing.T, database *db.DB) map[string]domain.DeliveryAttempt {
	t.Helper()
	err, due := database.ReadDueDeliveries(50)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	byInbox := make(map[string]domain.DeliveryAttempt)
	for _, item := range *due {
		byInbox[item.InboxURI] = item
	}
	return byInbox
}

func TestPublishNoteFansOutToFollowers(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")
	shared := seedRemote(t, database, "bob", "https://remote.example/inbox")
	personal := seedRemote(t, database, "carol", "")
	seedFollower(t, database, shared, acc)
	seedFollower(t, database, personal, acc)

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	notes := seedNotes(t, database, acc, 1, domain.VisibilityPublic)
	if err := federator.PublishNote(acc, &notes[0]); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}

	byInbox := dueInboxes(t, database)
	if len(byInbox) != 2 {
		t.Fatalf("Queued deliveries = %d, want 2", len(byInbox))
	}
	if _, ok := byInbox[shared.SharedInboxURI]; !ok {
		t.Error("Shared inbox was not preferred for bob's server")
	}
	if _, ok := byInbox[personal.InboxURI]; !ok {
		t.Error("Personal inbox missing for carol")
	}

	// the activity is recorded locally and the note links its object URI
	activityURI := testIRI.NoteActivity(notes[0].Id.String())
	err, activity := database.ReadActivityByURI(activityURI)
	if err != nil || activity == nil {
		t.Fatalf("Published activity not recorded: %v", err)
	}
	if !activity.Local {
		t.Error("Published activity should be marked local")
	}
	err, stored := database.ReadNoteId(notes[0].Id)
	if err != nil {
		t.Fatalf("ReadNoteId failed: %v", err)
	}
	if stored.ObjectURI != testIRI.Note(notes[0].Id.String()) {
		t.Errorf("Note object URI = %s", stored.ObjectURI)
	}
}

// Private notes address the followers collection and must reach follower
// inboxes even though they never appear in public collections
func TestPublishPrivateNoteReachesFollowers(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")
	follower := seedRemote(t, database, "bob", "")
	seedFollower(t, database, follower, acc)

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	notes := seedNotes(t, database, acc, 1, domain.VisibilityPrivate)
	if err := federator.PublishNote(acc, &notes[0]); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}

	byInbox := dueInboxes(t, database)
	if _, ok := byInbox[follower.InboxURI]; !ok {
		t.Errorf("Private note never queued to follower inbox, queued: %v", byInbox)
	}
	if len(byInbox) != 1 {
		t.Errorf("Queued deliveries = %d, want the follower only", len(byInbox))
	}
}

func TestPublishDirectNoteTargetsMentionsOnly(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")
	follower := seedRemote(t, database, "bob", "")
	seedFollower(t, database, follower, acc)

	server, _ := countingActorServer(t, nil)
	mention := server.URL + "/users/carol"

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	err, note := database.CreateNote(domain.SaveNote{
		UserId:     acc.Id,
		Message:    "psst",
		Visibility: domain.VisibilityDirect,
	}, "", "", []string{mention})
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	if err := federator.PublishNote(acc, note); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}

	byInbox := dueInboxes(t, database)
	if len(byInbox) != 1 {
		t.Fatalf("Queued deliveries = %d, want only the mentioned actor", len(byInbox))
	}
	if _, ok := byInbox[server.URL+"/users/carol/inbox"]; !ok {
		t.Error("Mentioned actor's personal inbox missing")
	}
	if _, ok := byInbox[follower.InboxURI]; ok {
		t.Error("Direct note must not reach follower inboxes")
	}
}

func TestPublishNoteWithoutAudienceQueuesNothing(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	notes := seedNotes(t, database, acc, 1, domain.VisibilityPublic)
	if err := federator.PublishNote(acc, &notes[0]); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}

	if byInbox := dueInboxes(t, database); len(byInbox) != 0 {
		t.Errorf("No followers yet %d deliveries queued", len(byInbox))
	}
	// still recorded, so the outbox can serve it
	err, activity := database.ReadActivityByURI(testIRI.NoteActivity(notes[0].Id.String()))
	if err != nil || activity == nil {
		t.Error("Activity should be recorded even with an empty audience")
	}
}

func TestSendFollowStoresPendingAndQueues(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")
	server, _ := countingActorServer(t, nil)
	remoteURI := server.URL + "/users/carol"

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	if err := federator.SendFollow(acc, remoteURI); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	err, remote := database.ReadRemoteAccountByURI(remoteURI)
	if err != nil || remote == nil {
		t.Fatalf("Remote account not cached: %v", err)
	}
	err, follow := database.ReadFollowByAccountIds(acc.Id, remote.Id)
	if err != nil || follow == nil {
		t.Fatalf("Follow row missing: %v", err)
	}
	if follow.Accepted {
		t.Error("Outbound follow must start unaccepted")
	}

	byInbox := dueInboxes(t, database)
	item, ok := byInbox[server.URL+"/users/carol/inbox"]
	if !ok {
		t.Fatal("Follow was not queued to the remote inbox")
	}
	if item.ActivityURI != follow.URI {
		t.Errorf("Queued activity %s does not match follow URI %s", item.ActivityURI, follow.URI)
	}
}

func TestSendUnfollowRemovesFollowAndQueuesUndo(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")
	server, _ := countingActorServer(t, nil)
	remoteURI := server.URL + "/users/carol"

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	if err := federator.SendFollow(acc, remoteURI); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	err, remote := database.ReadRemoteAccountByURI(remoteURI)
	if err != nil {
		t.Fatalf("ReadRemoteAccountByURI failed: %v", err)
	}
	err, follow := database.ReadFollowByAccountIds(acc.Id, remote.Id)
	if err != nil || follow == nil {
		t.Fatalf("Follow row missing: %v", err)
	}

	if err := federator.SendUnfollow(acc, remoteURI); err != nil {
		t.Fatalf("SendUnfollow failed: %v", err)
	}

	err, gone := database.ReadFollowByAccountIds(acc.Id, remote.Id)
	if err == nil && gone != nil {
		t.Error("Follow row should be removed after undo")
	}

	// two queued deliveries: the original follow and the undo
	err, due := database.ReadDueDeliveries(50)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*due) != 2 {
		t.Fatalf("Queued deliveries = %d, want follow and undo", len(*due))
	}
	foundUndo := false
	for _, item := range *due {
		if item.ActivityURI != follow.URI {
			foundUndo = true
		}
	}
	if !foundUndo {
		t.Error("Undo activity was not queued")
	}
}

func TestDeleteNoteTombstonesAndFansOut(t *testing.T) {
	database := newTestDB(t)
	acc := seedAccount(t, database, "alice")
	follower := seedRemote(t, database, "bob", "")
	seedFollower(t, database, follower, acc)

	resolver := NewResolver(database, time.Hour)
	engine := newTestEngine(database)
	federator := NewFederator(database, resolver, engine, testIRI)

	notes := seedNotes(t, database, acc, 1, domain.VisibilityPublic)
	if err := federator.PublishNote(acc, &notes[0]); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}
	if err := federator.DeleteNote(acc, &notes[0]); err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}

	err, activity := database.ReadActivityByURI(testIRI.NoteActivity(notes[0].Id.String()))
	if err != nil || activity == nil {
		t.Fatalf("Activity row missing: %v", err)
	}
	if !activity.Deleted {
		t.Error("Deleted note's activity should be tombstoned")
	}

	// follower receives both the create and the delete
	err, due := database.ReadDueDeliveries(50)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*due) != 2 {
		t.Errorf("Queued deliveries = %d, want create and delete", len(*due))
	}
}
