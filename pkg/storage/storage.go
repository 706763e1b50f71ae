package storage

import (
	"context"
	"time"
)

// Store is the durable storage surface the ingestion pipeline depends on.
type Store interface {
	// MatchExists reports whether a match is already persisted.
	MatchExists(ctx context.Context, instanceID int64) (bool, error)

	// InsertMatchBatch persists a batch of matches with their participants
	// and weapons in one transaction, all-or-nothing. Matches already
	// persisted by another run are skipped, not duplicated.
	InsertMatchBatch(ctx context.Context, matches []Match) error

	// Pending fetch queue.
	ListPendingFetches(ctx context.Context) ([]PendingFetch, error)
	InsertPendingFetch(ctx context.Context, f PendingFetch) error
	DeletePendingFetch(ctx context.Context, instanceID int64) error

	// Per-player ingestion cursor. GetCursor returns the zero time when no
	// cursor has been set yet.
	GetCursor(ctx context.Context, destinyID int64) (time.Time, error)
	SetCursor(ctx context.Context, destinyID int64, t time.Time) error

	// Registered players.
	ListPlayers(ctx context.Context) ([]Player, error)
	UpsertPlayer(ctx context.Context, p Player) error
}
