package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/keys"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*gin.Engine, *db.DB) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "example.com"
	conf.Conf.DeliveryWorkers = 1
	conf.Conf.DeliveryBatch = 10
	conf.Conf.BreakerThreshold = 5
	conf.Conf.BreakerCooldownMin = 1

	iri := activitypub.IRIBuilder{Domain: conf.Conf.SslDomain}
	resolver := activitypub.NewResolver(database, time.Hour)
	engine := activitypub.NewDeliveryEngine(database, conf)
	inbox := activitypub.NewInbox(database, resolver, engine, iri)
	paginator := activitypub.NewPaginator(database, iri)
	keyring := keys.NewService(database, resolver, iri)

	server := NewServer(conf, database, inbox, paginator, keyring)
	return server.Router(), database
}

func seedAccount(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	err, acc := database.CreateAccount(username)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func seedNote(t *testing.T, database *db.DB, acc *domain.Account, visibility domain.Visibility) *domain.Note {
	t.Helper()
	err, note := database.CreateNote(domain.SaveNote{
		UserId:     acc.Id,
		Message:    "hello",
		Visibility: visibility,
	}, "", "", nil)
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	return note
}

func doRequest(router *gin.Engine, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/activity+json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not JSON: %v\n%s", err, w.Body.String())
	}
	return out
}

func TestWebfinger(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	w := doRequest(router, "GET", "/.well-known/webfinger?resource=acct:alice@example.com", "")
	if w.Code != 200 {
		t.Fatalf("Webfinger status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["subject"] != "acct:alice@example.com" {
		t.Errorf("Webfinger subject = %v", body["subject"])
	}

	if w := doRequest(router, "GET", "/.well-known/webfinger?resource=acct:nobody@example.com", ""); w.Code != 404 {
		t.Errorf("Unknown user webfinger status = %d, want 404", w.Code)
	}
	if w := doRequest(router, "GET", "/.well-known/webfinger?resource=alice@example.com", ""); w.Code != 404 {
		t.Errorf("Missing acct: prefix status = %d, want 404", w.Code)
	}
}

func TestActorDocument(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	w := doRequest(router, "GET", "/users/alice", "")
	if w.Code != 200 {
		t.Fatalf("Actor status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/activity+json") {
		t.Errorf("Actor content type = %s", ct)
	}
	body := decodeBody(t, w)
	if body["id"] != "https://example.com/users/alice" {
		t.Errorf("Actor id = %v", body["id"])
	}
	if body["publicKey"] == nil {
		t.Error("Actor document carries no public key")
	}
	if body["inbox"] != "https://example.com/users/alice/inbox" {
		t.Errorf("Actor inbox = %v", body["inbox"])
	}

	if w := doRequest(router, "GET", "/users/nobody", ""); w.Code != 404 {
		t.Errorf("Unknown actor status = %d, want 404", w.Code)
	}
}

func TestOutboxSummaryAndPage(t *testing.T) {
	router, database := newTestServer(t)
	acc := seedAccount(t, database, "alice")
	for i := 0; i < 3; i++ {
		seedNote(t, database, acc, domain.VisibilityPublic)
	}

	w := doRequest(router, "GET", "/users/alice/outbox", "")
	if w.Code != 200 {
		t.Fatalf("Outbox summary status = %d", w.Code)
	}
	summary := decodeBody(t, w)
	if summary["totalItems"] != float64(3) {
		t.Errorf("Outbox totalItems = %v, want 3", summary["totalItems"])
	}

	w = doRequest(router, "GET", "/users/alice/outbox?page=true", "")
	if w.Code != 200 {
		t.Fatalf("Outbox page status = %d", w.Code)
	}
	page := decodeBody(t, w)
	items, ok := page["orderedItems"].([]interface{})
	if !ok || len(items) != 3 {
		t.Errorf("Outbox page items = %v", page["orderedItems"])
	}
}

func TestOutboxRejectsMalformedCursor(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	if w := doRequest(router, "GET", "/users/alice/outbox?max_id=abc", ""); w.Code != 422 {
		t.Errorf("Malformed max_id status = %d, want 422", w.Code)
	}
	if w := doRequest(router, "GET", "/users/alice/outbox?since_id=-1", ""); w.Code != 422 {
		t.Errorf("Negative since_id status = %d, want 422", w.Code)
	}
	if w := doRequest(router, "GET", "/users/alice/outbox?limit=0", ""); w.Code != 422 {
		t.Errorf("Zero limit status = %d, want 422", w.Code)
	}
}

func TestOutboxLinkHeaders(t *testing.T) {
	router, database := newTestServer(t)
	acc := seedAccount(t, database, "alice")
	for i := 0; i < 25; i++ {
		seedNote(t, database, acc, domain.VisibilityPublic)
	}

	w := doRequest(router, "GET", "/users/alice/outbox?page=true", "")
	if w.Code != 200 {
		t.Fatalf("Outbox page status = %d", w.Code)
	}
	links := w.Header().Values("Link")
	foundNext := false
	for _, link := range links {
		if strings.Contains(link, `rel="next"`) {
			foundNext = true
		}
	}
	if !foundNext {
		t.Errorf("Full page should advertise a next link, got %v", links)
	}
}

func TestNoteVisibility(t *testing.T) {
	router, database := newTestServer(t)
	acc := seedAccount(t, database, "alice")
	public := seedNote(t, database, acc, domain.VisibilityPublic)
	private := seedNote(t, database, acc, domain.VisibilityPrivate)

	w := doRequest(router, "GET", "/notes/"+public.Id.String(), "")
	if w.Code != 200 {
		t.Fatalf("Public note status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["type"] != "Note" || body["content"] == nil {
		t.Errorf("Note shape = %v", body)
	}

	if w := doRequest(router, "GET", "/notes/"+private.Id.String(), ""); w.Code != 404 {
		t.Errorf("Private note status = %d, want 404", w.Code)
	}
	if w := doRequest(router, "GET", "/notes/not-a-uuid", ""); w.Code != 404 {
		t.Errorf("Malformed note id status = %d, want 404", w.Code)
	}
}

func TestFollowCollections(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	w := doRequest(router, "GET", "/users/alice/followers", "")
	if w.Code != 200 {
		t.Fatalf("Followers status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["type"] != "OrderedCollection" || body["totalItems"] != float64(0) {
		t.Errorf("Followers collection = %v", body)
	}

	if w := doRequest(router, "GET", "/users/nobody/following", ""); w.Code != 404 {
		t.Errorf("Unknown actor collection status = %d, want 404", w.Code)
	}
}

func TestDeviceCollection(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	w := doRequest(router, "GET", "/users/alice/collections/devices", "")
	if w.Code != 200 {
		t.Fatalf("Devices status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["type"] != "Collection" || body["totalItems"] != float64(0) {
		t.Errorf("Device collection = %v", body)
	}
}

func TestInboxRejectsUnsignedRequest(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	activity := `{"id":"https://remote.example/act/1","type":"Follow","actor":"https://remote.example/users/bob"}`
	if w := doRequest(router, "POST", "/inbox", activity); w.Code != 401 {
		t.Errorf("Unsigned shared inbox POST status = %d, want 401", w.Code)
	}
	if w := doRequest(router, "POST", "/users/alice/inbox", activity); w.Code != 401 {
		t.Errorf("Unsigned actor inbox POST status = %d, want 401", w.Code)
	}
}

func TestClaimRejectsUnsignedRequest(t *testing.T) {
	router, database := newTestServer(t)
	seedAccount(t, database, "alice")

	if w := doRequest(router, "POST", "/users/alice/claim", `{"id":"phone"}`); w.Code != 401 {
		t.Errorf("Unsigned claim status = %d, want 401", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w := doRequest(router, "GET", "/metrics", "")
	if w.Code != 200 {
		t.Fatalf("Metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mammut_") {
		t.Error("Metrics output carries no mammut counters")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{activitypub.NewError(activitypub.KindNotFound, fmt.Errorf("gone")), 404},
		{activitypub.NewError(activitypub.KindRateLimited, fmt.Errorf("slow down")), 429},
		{activitypub.NewError(activitypub.KindTransient, fmt.Errorf("later")), 503},
		{activitypub.NewError(activitypub.KindPermanent, fmt.Errorf("never")), 422},
	}

	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
