// Package testutil provides a configurable mock Bungie API server for
// tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HistoryEntry is one match summary served by the mock history endpoint.
type HistoryEntry struct {
	InstanceID int64
	Period     time.Time
}

// MockBungie is a configurable mock Bungie API server.
type MockBungie struct {
	server *httptest.Server
	mu     sync.Mutex

	// characters maps destiny id -> character ids.
	characters map[int64][]int64

	// history maps character id -> entries, newest first.
	history map[int64][]HistoryEntry

	// reports maps instance id -> raw PGCR document (the Response field).
	reports map[int64]json.RawMessage

	// failing maps instance id -> forced status for its PGCR fetches.
	failing map[int64]int

	// handlers overrides whole paths.
	handlers map[string]http.HandlerFunc

	// Tracking.
	RequestCount int
	PGCRRequests map[int64]int
}

// NewMockBungie creates a mock server with no data.
func NewMockBungie() *MockBungie {
	m := &MockBungie{
		characters: make(map[int64][]int64),
		history:    make(map[int64][]HistoryEntry),
		reports:    make(map[int64]json.RawMessage),
		failing:    make(map[int64]int),
		handlers:   make(map[string]http.HandlerFunc),

		PGCRRequests: make(map[int64]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.route))
	return m
}

// URL returns the mock server URL (use it as the client's base URL).
func (m *MockBungie) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockBungie) Close() {
	m.server.Close()
}

// SetCharacters registers a player's character list.
func (m *MockBungie) SetCharacters(destinyID int64, characterIDs ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.characters[destinyID] = characterIDs
}

// SetHistory registers a character's activity history, newest first.
func (m *MockBungie) SetHistory(characterID int64, entries []HistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[characterID] = entries
}

// SetReport registers a PGCR document for an instance. When raw is nil a
// minimal valid report is generated.
func (m *MockBungie) SetReport(instanceID int64, period time.Time, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if raw == nil {
		raw = GenerateReport(instanceID, period)
	}
	m.reports[instanceID] = raw
}

// FailReport forces PGCR fetches for an instance to return the given HTTP
// status. Pass 0 to clear.
func (m *MockBungie) FailReport(instanceID int64, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failing, instanceID)
		return
	}
	m.failing[instanceID] = status
}

// Handle overrides a full URL path with a custom handler.
func (m *MockBungie) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Requests returns the total request count.
func (m *MockBungie) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

func (m *MockBungie) route(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	custom, hasCustom := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if hasCustom {
		custom(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	// /Destiny2/Stats/PostGameCarnageReport/{instanceId}/
	case len(parts) == 4 && parts[1] == "Stats" && parts[2] == "PostGameCarnageReport":
		m.servePGCR(w, parts[3])

	// /Destiny2/{system}/Account/{destinyId}/Stats/
	case len(parts) == 5 && parts[2] == "Account" && parts[4] == "Stats":
		m.serveStats(w, parts[3])

	// /Destiny2/{system}/Account/{destinyId}/Character/{charId}/Stats/Activities/
	case len(parts) == 8 && parts[6] == "Stats" && parts[7] == "Activities":
		m.serveActivities(w, r, parts[5])

	default:
		writeEnvelope(w, http.StatusNotFound, nil, 18, "NotFound")
	}
}

func (m *MockBungie) serveStats(w http.ResponseWriter, destinyIDStr string) {
	destinyID, _ := strconv.ParseInt(destinyIDStr, 10, 64)

	m.mu.Lock()
	chars := m.characters[destinyID]
	m.mu.Unlock()

	type char struct {
		CharacterID string `json:"characterId"`
		Deleted     bool   `json:"deleted"`
	}
	doc := struct {
		Characters []char `json:"characters"`
	}{}
	for _, id := range chars {
		doc.Characters = append(doc.Characters, char{CharacterID: strconv.FormatInt(id, 10)})
	}

	writeEnvelope(w, http.StatusOK, doc, 1, "Success")
}

func (m *MockBungie) serveActivities(w http.ResponseWriter, r *http.Request, charIDStr string) {
	charID, _ := strconv.ParseInt(charIDStr, 10, 64)
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if count <= 0 {
		count = 250
	}

	m.mu.Lock()
	entries := m.history[charID]
	m.mu.Unlock()

	start := page * count
	if start >= len(entries) {
		// Out of pages: empty Response, which stops the walker.
		writeEnvelope(w, http.StatusOK, struct{}{}, 1, "Success")
		return
	}
	end := start + count
	if end > len(entries) {
		end = len(entries)
	}

	type details struct {
		InstanceID string `json:"instanceId"`
	}
	type activity struct {
		Period          time.Time `json:"period"`
		ActivityDetails details   `json:"activityDetails"`
	}
	doc := struct {
		Activities []activity `json:"activities"`
	}{}
	for _, e := range entries[start:end] {
		doc.Activities = append(doc.Activities, activity{
			Period:          e.Period,
			ActivityDetails: details{InstanceID: strconv.FormatInt(e.InstanceID, 10)},
		})
	}

	writeEnvelope(w, http.StatusOK, doc, 1, "Success")
}

func (m *MockBungie) servePGCR(w http.ResponseWriter, instanceIDStr string) {
	instanceID, _ := strconv.ParseInt(instanceIDStr, 10, 64)

	m.mu.Lock()
	m.PGCRRequests[instanceID]++
	status, failing := m.failing[instanceID]
	report, ok := m.reports[instanceID]
	m.mu.Unlock()

	if failing {
		writeEnvelope(w, status, nil, 1601, "DestinyPGCRNotFound")
		return
	}
	if !ok {
		writeEnvelope(w, http.StatusNotFound, nil, 1601, "DestinyPGCRNotFound")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"Response": %s, "ErrorCode": 1, "ErrorStatus": "Success", "Message": "Ok", "ThrottleSeconds": 0}`, report)
}

// GenerateReport builds a minimal valid PGCR document for an instance.
func GenerateReport(instanceID int64, period time.Time) json.RawMessage {
	doc := fmt.Sprintf(`{
		"period": %q,
		"startingPhaseIndex": 0,
		"activityDetails": {
			"referenceId": 1374392663,
			"directorActivityHash": 1374392663,
			"instanceId": "%d",
			"mode": 4,
			"modes": [7, 4],
			"isPrivate": false,
			"membershipType": 3
		},
		"entries": [
			{
				"characterId": "2305843009301040757",
				"standing": 0,
				"player": {
					"destinyUserInfo": {
						"membershipId": "4611686018467284386",
						"membershipType": 3,
						"bungieGlobalDisplayName": "Guardian",
						"bungieGlobalDisplayNameCode": 1234
					},
					"characterClass": "Hunter",
					"characterLevel": 50,
					"lightLevel": 1810,
					"emblemHash": 4132147344
				},
				"values": {
					"kills": {"basic": {"value": 10, "displayValue": "10"}},
					"deaths": {"basic": {"value": 1, "displayValue": "1"}},
					"assists": {"basic": {"value": 2, "displayValue": "2"}},
					"completed": {"basic": {"value": 1, "displayValue": "Yes"}},
					"score": {"basic": {"value": 0, "displayValue": "0"}},
					"activityDurationSeconds": {"basic": {"value": 600, "displayValue": "10m"}},
					"timePlayedSeconds": {"basic": {"value": 600, "displayValue": "10m"}},
					"playerCount": {"basic": {"value": 1, "displayValue": "1"}},
					"opponentsDefeated": {"basic": {"value": 12, "displayValue": "12"}},
					"efficiency": {"basic": {"value": 12, "displayValue": "12"}},
					"killsDeathsRatio": {"basic": {"value": 10, "displayValue": "10"}},
					"killsDeathsAssists": {"basic": {"value": 11, "displayValue": "11"}},
					"completionReason": {"basic": {"value": 0, "displayValue": "Objective Completed"}},
					"startSeconds": {"basic": {"value": 0, "displayValue": "0s"}},
					"teamScore": {"basic": {"value": 0, "displayValue": "0"}}
				},
				"extended": {
					"values": {
						"precisionKills": {"basic": {"value": 3, "displayValue": "3"}},
						"weaponKillsGrenade": {"basic": {"value": 1, "displayValue": "1"}},
						"weaponKillsMelee": {"basic": {"value": 1, "displayValue": "1"}},
						"weaponKillsSuper": {"basic": {"value": 2, "displayValue": "2"}},
						"weaponKillsAbility": {"basic": {"value": 0, "displayValue": "0"}}
					},
					"weapons": []
				}
			}
		]
	}`, period.UTC().Format(time.RFC3339), instanceID)
	return json.RawMessage(doc)
}

func writeEnvelope(w http.ResponseWriter, status int, response any, errorCode int, errorStatus string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{
		"ErrorCode":       errorCode,
		"ErrorStatus":     errorStatus,
		"Message":         "Ok",
		"ThrottleSeconds": 0,
	}
	if response != nil {
		body["Response"] = response
	}
	json.NewEncoder(w).Encode(body)
}
