// Package store is the gorm-backed persistence layer for the
// non-secret, restart-survivable state named in SPEC_FULL.md §B: an
// audit trail of handshake outcomes, the ignored-participant set with
// its rearm deadline, and the access-control policy revision counter.
// No key material is ever persisted here (spec §1 Non-goals).
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// HandshakeAudit is one completed (or failed) PSMP handshake, kept for
// operational history only; it never carries a session key.
type HandshakeAudit struct {
	ID          uint `gorm:"primaryKey"`
	PeerPrefix  string `gorm:"index"` // hex-encoded 12-byte GUID prefix
	Plugin      string
	Outcome     string // "ok", "failed", "rehandshake"
	RetryCount  int
	OccurredAt  time.Time
}

// IgnoredParticipant records a participant currently in the ignored
// state (spec §7's "user-visible effects") and when its 5-second
// rearm timer is due to fire. On restart, only participants whose
// RearmAt is still in the future are reloaded into the in-memory
// ignore set.
type IgnoredParticipant struct {
	PeerPrefix string `gorm:"primaryKey"`
	RearmAt    time.Time
}

// PolicyVersion is the access-control policy revision counter, keyed
// by subject so multiple permissions documents can be tracked
// independently.
type PolicyVersion struct {
	Subject string `gorm:"primaryKey"`
	Version int64
}

// DB wraps the underlying *gorm.DB with the domain-specific queries
// this package exposes; callers never reach through to gorm directly,
// mirroring the teacher's internal/db package-level API surface.
type DB struct {
	gorm *gorm.DB
}

// Open dispatches on dbType exactly as the teacher's
// DatabaseConfig.getState does between "sqlite" and "postgres" DSNs,
// then auto-migrates the three tables above.
func Open(dbType, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn is required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported database type %q (must be 'sqlite' or 'postgres')", dbType)
	}

	g, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := g.AutoMigrate(&HandshakeAudit{}, &IgnoredParticipant{}, &PolicyVersion{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &DB{gorm: g}, nil
}

// RecordHandshake appends one audit row.
func (d *DB) RecordHandshake(a HandshakeAudit) error {
	a.OccurredAt = time.Now()
	if err := d.gorm.Create(&a).Error; err != nil {
		return fmt.Errorf("store: record handshake: %w", err)
	}
	return nil
}

// ListHandshakes returns audit rows, optionally filtered by peer
// prefix (hex-encoded), newest first.
func (d *DB) ListHandshakes(filters map[string]interface{}) ([]HandshakeAudit, error) {
	var rows []HandshakeAudit
	q := d.gorm.Order("occurred_at desc")
	if peer, ok := filters["peer_prefix"]; ok {
		q = q.Where("peer_prefix = ?", peer)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list handshakes: %w", err)
	}
	return rows, nil
}

// SetIgnored upserts the ignored-participant row for peerPrefix with
// a rearm deadline of now+ttl.
func (d *DB) SetIgnored(peerPrefix string, ttl time.Duration) error {
	row := IgnoredParticipant{PeerPrefix: peerPrefix, RearmAt: time.Now().Add(ttl)}
	if err := d.gorm.Save(&row).Error; err != nil {
		return fmt.Errorf("store: set ignored: %w", err)
	}
	return nil
}

// ClearIgnored removes peerPrefix from the ignored set (its rearm
// timer fired or it was explicitly un-ignored).
func (d *DB) ClearIgnored(peerPrefix string) error {
	if err := d.gorm.Delete(&IgnoredParticipant{}, "peer_prefix = ?", peerPrefix).Error; err != nil {
		return fmt.Errorf("store: clear ignored: %w", err)
	}
	return nil
}

// LoadIgnored returns every ignored participant whose rearm deadline
// has not yet passed, for seeding the in-memory ignore set on start.
func (d *DB) LoadIgnored() ([]IgnoredParticipant, error) {
	var rows []IgnoredParticipant
	if err := d.gorm.Where("rearm_at > ?", time.Now()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load ignored: %w", err)
	}
	return rows, nil
}

// PolicyVersionFor returns the stored policy revision for subject, or
// 0 if none has been recorded yet.
func (d *DB) PolicyVersionFor(subject string) (int64, error) {
	var row PolicyVersion
	err := d.gorm.First(&row, "subject = ?", subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: policy version: %w", err)
	}
	return row.Version, nil
}

// BumpPolicyVersion persists version as the current revision for
// subject. It only writes the row; no rule cache is invalidated.
func (d *DB) BumpPolicyVersion(subject string, version int64) error {
	row := PolicyVersion{Subject: subject, Version: version}
	if err := d.gorm.Save(&row).Error; err != nil {
		return fmt.Errorf("store: bump policy version: %w", err)
	}
	return nil
}
