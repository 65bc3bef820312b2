package store

import (
	"os"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	tempFile, err := os.CreateTemp("", "test_store_*.db")
	if err != nil {
		t.Fatalf("failed to create temp database: %v", err)
	}
	path := tempFile.Name()
	tempFile.Close()
	t.Cleanup(func() { os.Remove(path) })

	db, err := Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestRecordAndListHandshakes(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RecordHandshake(HandshakeAudit{PeerPrefix: "aabbcc", Plugin: "pkirsa", Outcome: "ok"}); err != nil {
		t.Fatal(err)
	}
	rows, err := db.ListHandshakes(map[string]interface{}{"peer_prefix": "aabbcc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Outcome != "ok" {
		t.Fatalf("expected one matching row, got %+v", rows)
	}
}

func TestIgnoredParticipantLifecycle(t *testing.T) {
	db := setupTestDB(t)
	if err := db.SetIgnored("ddeeff", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	ignored, err := db.LoadIgnored()
	if err != nil {
		t.Fatal(err)
	}
	if len(ignored) != 1 || ignored[0].PeerPrefix != "ddeeff" {
		t.Fatalf("expected one ignored participant, got %+v", ignored)
	}
	if err := db.ClearIgnored("ddeeff"); err != nil {
		t.Fatal(err)
	}
	ignored, err = db.LoadIgnored()
	if err != nil {
		t.Fatal(err)
	}
	if len(ignored) != 0 {
		t.Fatalf("expected ignore set to be empty after clear, got %+v", ignored)
	}
}

func TestPolicyVersionDefaultsToZero(t *testing.T) {
	db := setupTestDB(t)
	v, err := db.PolicyVersionFor("unknown-subject")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected default version 0, got %d", v)
	}
	if err := db.BumpPolicyVersion("subj", 3); err != nil {
		t.Fatal(err)
	}
	v, err = db.PolicyVersionFor("subj")
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}
}
