package keys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/domain"
)

const maxClaimResponseSize = 64 << 10

var claimClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	},
}

// Claim obtains one pre-key from the target actor's device, routing to the
// local store when the target lives on this server and to a signed remote
// claim otherwise.
func (s *Service) Claim(source *domain.Account, targetActorURI, deviceId string) (*ClaimedKey, error) {
	if s.isLocal(targetActorURI) {
		err, target := s.database.ReadAccByUsername(localUsername(targetActorURI))
		if err != nil || target == nil {
			return nil, notFound(fmt.Errorf("local actor not found: %s", targetActorURI))
		}
		return s.ClaimLocal(target, deviceId)
	}
	return s.claimRemote(source, targetActorURI, deviceId)
}

// claimRemote looks the device up in the target's collection and POSTs a
// signed claim to its advertised claim endpoint
func (s *Service) claimRemote(source *domain.Account, targetActorURI, deviceId string) (*ClaimedKey, error) {
	collection, err := s.QueryDevices(targetActorURI)
	if err != nil {
		return nil, err
	}

	var claimURL string
	for _, device := range collection.Items {
		if device.DeviceId == deviceId {
			claimURL = device.ClaimURL
			break
		}
	}
	if claimURL == "" {
		return nil, notFound(fmt.Errorf("device %s not listed by %s", deviceId, targetActorURI))
	}
	if err := checkClaimURL(claimURL); err != nil {
		return nil, notFound(err)
	}

	body, err := json.Marshal(ClaimRequest{ID: deviceId})
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to encode claim: %w", err))
	}

	req, err := http.NewRequest("POST", claimURL, bytes.NewReader(body))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to create claim request: %w", err))
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")

	privateKey, err := activitypub.ParsePrivateKey(source.WebPrivateKey)
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to parse source key: %w", err))
	}
	if err := activitypub.SignRequest(req, body, privateKey, s.iri.KeyId(source.Username)); err != nil {
		return nil, notFound(fmt.Errorf("failed to sign claim: %w", err))
	}

	resp, err := claimClient.Do(req)
	if err != nil {
		return nil, notFound(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, notFound(fmt.Errorf("claim endpoint returned status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxClaimResponseSize))
	if err != nil {
		return nil, notFound(err)
	}

	var claimed ClaimedKey
	if err := json.Unmarshal(raw, &claimed); err != nil {
		return nil, notFound(fmt.Errorf("failed to parse claim response: %w", err))
	}
	if claimed.ID == "" || claimed.PublicKeyBase64 == "" {
		return nil, notFound(fmt.Errorf("claim response missing key material"))
	}

	return &claimed, nil
}

func (s *Service) isLocal(actorURI string) bool {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return false
	}
	return parsed.Host == s.iri.Domain
}

func localUsername(actorURI string) string {
	parts := strings.Split(strings.TrimSuffix(actorURI, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
