package activitypub

import (
	"bytes"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

const (
	deliveryTickInterval = 10 * time.Second
	backoffBase          = 60 * time.Second
	backoffCap           = 24 * time.Hour
	maxDeliveryAttempts  = 16
	rateLimitedDelay     = 5 * time.Minute
)

// DeliveryEngine fans activities out to remote inboxes with at-least-once
// semantics: attempts are persisted, retried with exponential backoff and
// jitter, and abandoned either on permanent rejection or after the attempt
// ceiling. A per-host circuit breaker converts calls to known-dead hosts
// into immediate local failures.
type DeliveryEngine struct {
	database *db.DB
	iri      IRIBuilder
	breaker  *HostBreaker
	client   *http.Client
	workers  int
	batch    int
	stop     chan struct{}
	stopOnce sync.Once
}

func NewDeliveryEngine(database *db.DB, conf *util.AppConfig) *DeliveryEngine {
	return &DeliveryEngine{
		database: database,
		iri:      IRIBuilder{Domain: conf.Conf.SslDomain},
		breaker:  NewHostBreaker(conf.Conf.BreakerThreshold, time.Duration(conf.Conf.BreakerCooldownMin)*time.Minute),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		workers: conf.Conf.DeliveryWorkers,
		batch:   conf.Conf.DeliveryBatch,
		stop:    make(chan struct{}),
	}
}

// Enqueue fans one activity out to the given inboxes, one DeliveryAttempt
// per inbox, deduplicated by (activity id, inbox) at the storage layer.
func (e *DeliveryEngine) Enqueue(doc *ActivityDocument, sender *domain.Account, inboxes []string) error {
	activityJSON, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	seen := make(map[string]bool)
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true

		item := &domain.DeliveryAttempt{
			Id:           uuid.New(),
			ActivityURI:  doc.ID,
			InboxURI:     inbox,
			ActivityJSON: string(activityJSON),
			SenderId:     sender.Id,
			Attempts:     0,
			NextRetryAt:  time.Now(),
			State:        domain.DeliveryPending,
			CreatedAt:    time.Now(),
		}
		if err := e.database.EnqueueDelivery(item); err != nil {
			log.Printf("DeliveryWorker: Failed to enqueue delivery to %s: %v", inbox, err)
		}
	}
	return nil
}

// Start runs the queue worker until Stop is called
func (e *DeliveryEngine) Start() {
	log.Println("Starting delivery worker...")
	ticker := time.NewTicker(deliveryTickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.processQueue()
			case <-e.stop:
				return
			}
		}
	}()
}

func (e *DeliveryEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// processQueue dispatches due attempts to a bounded worker pool so one slow
// host cannot starve deliveries to healthy hosts
func (e *DeliveryEngine) processQueue() {
	err, items := e.database.ReadDueDeliveries(e.batch)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d due deliveries", len(*items))

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for i := range *items {
		item := (*items)[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.processAttempt(&item)
		}()
	}
	wg.Wait()
}

// processAttempt runs one delivery attempt through its state machine
func (e *DeliveryEngine) processAttempt(item *domain.DeliveryAttempt) {
	// Deleted activities are skipped at dequeue time
	if err, activity := e.database.ReadActivityByURI(item.ActivityURI); err == nil && activity != nil && activity.Deleted {
		e.database.MarkDeliveryDead(item.Id, "activity deleted before delivery")
		metrics.DeliveriesDead.Inc()
		return
	}

	host := hostOf(item.InboxURI)
	if host == "" {
		e.database.MarkDeliveryDead(item.Id, "invalid inbox URI")
		metrics.DeliveriesDead.Inc()
		return
	}

	if !e.breaker.Allow(host) {
		// immediate local rejection while the breaker cools down
		e.retryLater(item, newFetchError(KindTransient, fmt.Errorf("circuit open for host %s", host)))
		return
	}

	err := e.deliver(item)
	if err == nil {
		e.breaker.RecordSuccess(host)
		e.database.MarkDeliveryDelivered(item.Id)
		metrics.DeliveriesDelivered.Inc()
		log.Printf("DeliveryWorker: Delivered %s to %s", item.ActivityURI, item.InboxURI)
		return
	}

	switch Kind(err) {
	case KindPermanent, KindNotFound:
		e.database.MarkDeliveryDead(item.Id, err.Error())
		metrics.DeliveriesDead.Inc()
		log.Printf("DeliveryWorker: Abandoning delivery to %s: %v", item.InboxURI, err)
	case KindRateLimited:
		item.Attempts++
		delay := retryAfterDelay(err)
		e.database.UpdateDeliveryRetry(item.Id, item.Attempts, time.Now().Add(delay), err.Error())
		metrics.DeliveriesRetried.Inc()
		log.Printf("DeliveryWorker: Rate limited by %s, retry in %s", item.InboxURI, delay)
	default:
		e.breaker.RecordFailure(host)
		e.retryLater(item, err)
	}
}

// retryLater reschedules a transient failure with backoff, or abandons the
// attempt once the ceiling is reached
func (e *DeliveryEngine) retryLater(item *domain.DeliveryAttempt, err error) {
	item.Attempts++
	if item.Attempts >= maxDeliveryAttempts {
		e.database.MarkDeliveryDead(item.Id, fmt.Sprintf("gave up after %d attempts: %v", item.Attempts, err))
		metrics.DeliveriesDead.Inc()
		log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts", item.InboxURI, item.Attempts)
		return
	}

	delay := backoffDelay(item.Attempts)
	e.database.UpdateDeliveryRetry(item.Id, item.Attempts, time.Now().Add(delay), err.Error())
	metrics.DeliveriesRetried.Inc()
	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %s: %v",
		item.InboxURI, item.Attempts, delay.Round(time.Second), err)
}

// deliver performs one signed POST to the target inbox
func (e *DeliveryEngine) deliver(item *domain.DeliveryAttempt) error {
	err, sender := e.database.ReadAccById(item.SenderId)
	if err != nil || sender == nil {
		return newFetchError(KindPermanent, fmt.Errorf("sending account not found: %v", err))
	}

	privateKey, err := ParsePrivateKey(sender.WebPrivateKey)
	if err != nil {
		return newFetchError(KindPermanent, fmt.Errorf("failed to parse private key: %w", err))
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return newFetchError(KindPermanent, fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	keyId := e.iri.KeyId(sender.Username)
	if err := SignRequest(req, body, privateKey, keyId); err != nil {
		return newFetchError(KindPermanent, fmt.Errorf("failed to sign request: %w", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return ClassifyNetError(err)
	}
	defer resp.Body.Close()

	if ferr := classifyResponse(resp); ferr != nil {
		return ferr
	}
	return nil
}

// classifyResponse maps the response status to the error taxonomy, keeping a
// server-specified Retry-After for 429s
func classifyResponse(resp *http.Response) error {
	ferr := ClassifyStatus(resp.StatusCode)
	if ferr == nil {
		return nil
	}
	if ferr.Kind == KindRateLimited {
		if after := resp.Header.Get("Retry-After"); after != "" {
			ferr.Err = fmt.Errorf("%w (retry-after %s)", ferr.Err, after)
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				return &rateLimitedError{FetchError: ferr, delay: time.Duration(secs) * time.Second}
			}
		}
	}
	return ferr
}

type rateLimitedError struct {
	*FetchError
	delay time.Duration
}

// Unwrap exposes the FetchError layer itself; the promoted Unwrap would skip
// it and hide the kind from errors.As
func (e *rateLimitedError) Unwrap() error {
	return e.FetchError
}

func retryAfterDelay(err error) time.Duration {
	if rle, ok := err.(*rateLimitedError); ok && rle.delay > 0 {
		return rle.delay
	}
	return rateLimitedDelay
}

// backoffDelay doubles from the base per attempt, capped, with jitter in the
// upper half of the window to spread thundering retries
func backoffDelay(attempts int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempts && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	half := int64(delay / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
