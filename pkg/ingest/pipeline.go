// Package ingest walks a player's match history and persists every match
// exactly once: page through history newest first, claim unseen instance
// ids, fan out bounded concurrent detail fetches, commit in small batches
// and queue failed fetches for a later retry pass.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/guardianworks/destiny-activity-client/pkg/bungie"
	"github.com/guardianworks/destiny-activity-client/pkg/client"
	"github.com/guardianworks/destiny-activity-client/pkg/pgcr"
	"github.com/guardianworks/destiny-activity-client/pkg/storage"
)

// Prometheus metrics for ingestion.
var (
	matchesPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_matches_persisted_total",
		Help: "Total matches persisted by the ingestion pipeline",
	})

	fetchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_fetch_failures_total",
		Help: "Total carnage report fetches that failed and were queued for retry",
	})

	batchesFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_flushed_total",
		Help: "Total batches committed to storage",
	})

	pendingRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pending_retried_total",
		Help: "Pending fetch retry outcomes",
	}, []string{"outcome"}) // "persisted", "already_present", "failed"
)

// Defaults matching the upstream API's page size and a transaction size
// small enough to keep partial progress durable.
const (
	DefaultPageSize  = 250
	DefaultBatchSize = 50
)

// Config holds pipeline configuration.
type Config struct {
	// BaseURL of the upstream API.
	BaseURL string

	// PageSize is the history page size (upstream maximum 250).
	PageSize int

	// BatchSize is how many candidates accumulate before a flush. Also
	// bounds the fan-out concurrency and the storage transaction size.
	BatchSize int

	// Mode filters the history by activity mode. 0 means everything.
	Mode int

	// PGCRCacheTTL is how long fetched carnage reports stay in the
	// response cache. Zero keeps them forever (they are immutable).
	PGCRCacheTTL time.Duration
}

// DefaultConfig returns the pipeline configuration used in production.
func DefaultConfig() Config {
	return Config{
		BaseURL:      bungie.DefaultBaseURL,
		PageSize:     DefaultPageSize,
		BatchSize:    DefaultBatchSize,
		Mode:         0,
		PGCRCacheTTL: 30 * 24 * time.Hour,
	}
}

// Pipeline ingests match history for registered players. Safe for
// concurrent use; concurrent runs for different players share the claim set
// and the client's rate limiter.
type Pipeline struct {
	api   *client.Client
	store storage.Store
	dedup *Dedup
	pool  pond.Pool
	cfg   Config

	logger zerolog.Logger
}

// New creates a pipeline.
func New(api *client.Client, store storage.Store, dedup *Dedup, cfg Config) *Pipeline {
	if cfg.BaseURL == "" {
		cfg.BaseURL = bungie.DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Pipeline{
		api:    api,
		store:  store,
		dedup:  dedup,
		pool:   pond.NewPool(cfg.BatchSize),
		cfg:    cfg,
		logger: log.With().Str("component", "ingest").Logger(),
	}
}

// candidate is one match queued for a detail fetch.
type candidate struct {
	instanceID int64
	period     time.Time
}

// run carries the mutable state of one Ingest call.
type run struct {
	player storage.Player
	batch  []candidate

	// persistedMax is the newest period among persisted matches; the
	// cursor only ever advances to this. A failed fetch with a newer
	// period defers the cursor so the next run picks it up again.
	persistedMax time.Time
	persisted    int
	failed       int
}

// Ingest walks the player's full match history since the given cursor and
// persists every new match. Idempotent and safe to re-run: already
// persisted matches are skipped, failed detail fetches are queued for
// RetryPending. An upstream outage stops the run cleanly with a nil error.
func (p *Pipeline) Ingest(ctx context.Context, player storage.Player, since time.Time) error {
	logger := p.logger.With().Int64("destiny_id", player.DestinyID).Logger()
	logger.Info().Time("since", since).Msg("Starting activity ingestion")

	chars, err := p.characters(ctx, player)
	if err != nil {
		if client.IsUpstreamDown(err) {
			logger.Info().Msg("Upstream down, stopping run")
			return nil
		}
		return err
	}

	r := &run{player: player}

	for _, charID := range chars {
		if err := p.walkCharacter(ctx, charID, since, r); err != nil {
			// Unfetched candidates must not stay claimed: the cursor has
			// not moved past them, so releasing lets the next run pick
			// them up again.
			p.releaseBatch(r)
			if client.IsUpstreamDown(err) {
				logger.Info().
					Int64("character_id", charID).
					Int("persisted", r.persisted).
					Msg("Upstream down mid-walk, stopping run")
				return nil
			}
			return err
		}
	}

	// Clean out the remainder after all characters are exhausted.
	if len(r.batch) > 0 {
		if err := p.flush(ctx, r); err != nil {
			return err
		}
	}

	// The cursor advances only after its batches are durably committed,
	// and only when the walk actually found something.
	if !r.persistedMax.IsZero() {
		if err := p.store.SetCursor(ctx, player.DestinyID, r.persistedMax); err != nil {
			return err
		}
	}

	logger.Info().
		Int("persisted", r.persisted).
		Int("failed", r.failed).
		Time("cursor", r.persistedMax).
		Msg("Activity ingestion done")
	return nil
}

// walkCharacter pages through one character's history newest first. Paging
// stops for this character once an entry at or before the cursor shows up
// or a page comes back empty; other characters are unaffected.
func (p *Pipeline) walkCharacter(ctx context.Context, charID int64, since time.Time, r *run) error {
	route := bungie.ActivitiesRoute(p.cfg.BaseURL, r.player.System, r.player.DestinyID, charID)

	for page := 0; ; page++ {
		resp, err := p.api.Get(ctx, route, p.historyParams(page))
		if err != nil {
			return err
		}
		if resp.Empty() {
			return nil
		}

		var h historyPage
		if err := resp.Decode(&h); err != nil {
			return err
		}
		if len(h.Activities) == 0 {
			return nil
		}

		for i := range h.Activities {
			entry := &h.Activities[i]

			// Upstream sorts newest first: an entry at or before the
			// cursor means nothing newer remains on this character.
			if !since.IsZero() && !entry.Period.After(since) {
				return nil
			}

			instanceID, err := entry.instanceID()
			if err != nil {
				return err
			}

			// The claim is the single serialization point across
			// concurrent pipelines; loser skips.
			if !p.dedup.TryClaim(instanceID) {
				continue
			}

			// The claim set is process-local; double-check storage in
			// case an earlier process run persisted this match. The
			// claim stays, matching a persisted instance.
			exists, err := p.store.MatchExists(ctx, instanceID)
			if err != nil {
				p.dedup.Release(instanceID)
				return err
			}
			if exists {
				continue
			}

			r.batch = append(r.batch, candidate{instanceID: instanceID, period: entry.Period})
			if len(r.batch) >= p.cfg.BatchSize {
				if err := p.flush(ctx, r); err != nil {
					return err
				}
			}
		}
	}
}

// flush fans out one detail fetch per batch entry, waits for all of them,
// then commits the staged matches in a single transaction. A failed fetch
// releases its claim and queues a pending record; it never aborts the rest
// of the batch.
func (p *Pipeline) flush(ctx context.Context, r *run) error {
	batch := r.batch
	r.batch = nil

	var (
		mu     sync.Mutex
		staged []storage.Match
	)

	group := p.pool.NewGroupContext(ctx)
	for _, cand := range batch {
		cand := cand
		group.Submit(func() {
			match, err := p.fetchDetail(ctx, cand)
			if err != nil {
				p.failCandidate(ctx, cand, err)
				return
			}
			mu.Lock()
			staged = append(staged, match)
			mu.Unlock()
		})
	}
	// Tasks handle their own failures; Wait only reports pool-level stops.
	if err := group.Wait(); err != nil {
		return err
	}

	if len(staged) == 0 {
		return nil
	}

	if err := p.store.InsertMatchBatch(ctx, staged); err != nil {
		// Nothing was committed; free the claims so a later run retries.
		for _, m := range staged {
			p.dedup.Release(m.InstanceID)
		}
		return err
	}

	for _, m := range staged {
		if m.Period.After(r.persistedMax) {
			r.persistedMax = m.Period
		}
	}
	r.persisted += len(staged)
	matchesPersistedTotal.Add(float64(len(staged)))
	batchesFlushedTotal.Inc()

	p.logger.Debug().
		Int("staged", len(staged)).
		Int("batch", len(batch)).
		Msg("Batch committed")
	return nil
}

// releaseBatch frees the claims of candidates that were never fetched so a
// later run can claim them again.
func (p *Pipeline) releaseBatch(r *run) {
	for _, cand := range r.batch {
		p.dedup.Release(cand.instanceID)
	}
	r.batch = nil
}

// fetchDetail fetches and decodes one carnage report.
func (p *Pipeline) fetchDetail(ctx context.Context, cand candidate) (storage.Match, error) {
	route := bungie.PGCRRoute(p.cfg.BaseURL, cand.instanceID)
	resp, err := p.api.GetCached(ctx, route, nil, p.cfg.PGCRCacheTTL)
	if err != nil {
		return storage.Match{}, err
	}

	report, err := pgcr.Decode(resp.Content)
	if err != nil {
		return storage.Match{}, err
	}

	match, err := report.ToMatch()
	if err != nil {
		return storage.Match{}, err
	}
	if match.Period.IsZero() {
		match.Period = cand.period
	}
	return match, nil
}

// failCandidate isolates one failed fetch: release the claim and queue a
// durable retry record.
func (p *Pipeline) failCandidate(ctx context.Context, cand candidate, cause error) {
	p.logger.Warn().
		Err(cause).
		Int64("instance_id", cand.instanceID).
		Msg("Carnage report fetch failed, queuing for retry")

	p.dedup.Release(cand.instanceID)
	fetchFailuresTotal.Inc()

	if err := p.store.InsertPendingFetch(ctx, storage.PendingFetch{
		InstanceID: cand.instanceID,
		Period:     cand.period,
	}); err != nil {
		p.logger.Error().
			Err(err).
			Int64("instance_id", cand.instanceID).
			Msg("Failed to queue pending fetch")
	}
}
