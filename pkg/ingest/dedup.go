package ingest

import "github.com/puzpuzpuz/xsync/v4"

// Dedup is the process-wide set of instance ids considered persisted (or
// currently being fetched). The upstream history API returns the same match
// for every player who was in it, and ingestion runs concurrently per
// player, so a claim here is what prevents two pipelines from both fetching
// and inserting the same match.
type Dedup struct {
	claims *xsync.Map[int64, struct{}]
}

// NewDedup creates an empty claim set.
func NewDedup() *Dedup {
	return &Dedup{
		claims: xsync.NewMap[int64, struct{}](),
	}
}

// TryClaim atomically claims an instance id. Returns true when the caller
// now owns the fetch for this id, false when it is already claimed and the
// caller must skip it.
func (d *Dedup) TryClaim(instanceID int64) bool {
	_, loaded := d.claims.LoadOrStore(instanceID, struct{}{})
	return !loaded
}

// Release gives up a claim after a failed fetch so a future run retries.
// Never called after a successful persist.
func (d *Dedup) Release(instanceID int64) {
	d.claims.Delete(instanceID)
}

// MarkPersisted records an id as durably persisted. Idempotent with an
// existing claim; membership is never removed on success.
func (d *Dedup) MarkPersisted(instanceID int64) {
	d.claims.Store(instanceID, struct{}{})
}

// Size returns the number of claimed ids.
func (d *Dedup) Size() int {
	return d.claims.Size()
}
