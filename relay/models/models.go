// Package models holds the gorm-backed tables the relay tracks about upstream hosts and the
// accounts (repos) it has been asked to crawl from them.
package models

import "time"

// Host is a PDS (or other relay) the crawler subscribes to.
type Host struct {
	ID        uint64 `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Hostname      string `gorm:"uniqueIndex"`
	NoSSL         bool
	Banned        bool
	NotifyAccount string

	LastCursor int64 // highest seq successfully processed from this host's firehose

	Status string // "active", "banned", "throttled", "idle"
}

const (
	HostStatusActive    = "active"
	HostStatusBanned    = "banned"
	HostStatusThrottled = "throttled"
	HostStatusIdle      = "idle"
)

// Account tracks one upstream repo (DID) the relay knows about, independent of which host it
// currently lives on.
type Account struct {
	ID        uint64 `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	DID        string `gorm:"column:did;uniqueIndex"`
	UpForSweep bool

	Tombstoned bool
}

// AccountRepo is the join between an Account and the Host currently serving it, tracking the
// rev/cursor progress the relay has validated so far for that pairing.
type AccountRepo struct {
	ID        uint64 `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID uint64 `gorm:"uniqueIndex"`
	HostID    uint64

	Rev  string
	Root string // CID of the last validated MST root, as a string
}

// DomainBan is a hostname suffix that the relay will refuse to crawl.
type DomainBan struct {
	ID        uint64 `gorm:"primarykey"`
	CreatedAt time.Time

	Domain string `gorm:"uniqueIndex"`
}
