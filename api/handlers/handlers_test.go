package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/qeodomain/ddscored/internal/domain"
	"github.com/qeodomain/ddscored/internal/match"
	"github.com/qeodomain/ddscored/internal/rtps"
	"github.com/qeodomain/ddscored/internal/store"
)

func writerEndpoint(topic string) match.Endpoint {
	return match.Endpoint{GUID: [16]byte{1}, Topic: topic}
}

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()

	HealthHandler()(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status 'ok', got %q", body["status"])
	}
}

func TestTopicsHandlerListsKnownTopics(t *testing.T) {
	d := domain.New(domain.Config{DomainID: 1, RTPS: rtps.NoopLayer{}})
	if err := d.CreateWriter(writerEndpoint("t1"), false); err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/domain/topics", nil)
	recorder := httptest.NewRecorder()
	TopicsHandler(d)(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var body struct {
		Topics []string `json:"topics"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Topics) != 1 || body.Topics[0] != "t1" {
		t.Fatalf("expected topics [t1], got %v", body.Topics)
	}
}

func TestHandshakesHandlerFiltersByPeer(t *testing.T) {
	tempFile, err := os.CreateTemp("", "test_api_store_*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	path := tempFile.Name()
	tempFile.Close()
	t.Cleanup(func() { os.Remove(path) })

	db, err := store.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := db.RecordHandshake(store.HandshakeAudit{PeerPrefix: "aabbcc", Plugin: "pkirsa", Outcome: "ok"}); err != nil {
		t.Fatalf("recording handshake: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/handshakes?peer=aabbcc", nil)
	recorder := httptest.NewRecorder()
	HandshakesHandler(db)(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var body struct {
		Handshakes []store.HandshakeAudit `json:"handshakes"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Handshakes) != 1 || body.Handshakes[0].PeerPrefix != "aabbcc" {
		t.Fatalf("expected one matching handshake, got %+v", body.Handshakes)
	}
}
