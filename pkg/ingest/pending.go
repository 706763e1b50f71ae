package ingest

import (
	"context"

	"github.com/guardianworks/destiny-activity-client/pkg/storage"
)

// RetryPending scans the durable retry queue and attempts each queued
// carnage report fetch again. A record is deleted once its match is found
// persisted (this or any other run got it in the meantime) or once the
// retry succeeds; a record whose fetch fails again stays queued.
func (p *Pipeline) RetryPending(ctx context.Context) error {
	pending, err := p.store.ListPendingFetches(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	p.logger.Info().Int("pending", len(pending)).Msg("Retrying pending fetches")

	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		exists, err := p.store.MatchExists(ctx, f.InstanceID)
		if err != nil {
			return err
		}
		if exists {
			if err := p.store.DeletePendingFetch(ctx, f.InstanceID); err != nil {
				return err
			}
			p.dedup.MarkPersisted(f.InstanceID)
			pendingRetriedTotal.WithLabelValues("already_present").Inc()
			continue
		}

		match, err := p.fetchDetail(ctx, candidate{instanceID: f.InstanceID, period: f.Period})
		if err != nil {
			// Still failing; leave it queued for the next pass.
			p.logger.Warn().
				Err(err).
				Int64("instance_id", f.InstanceID).
				Msg("Pending fetch failed again")
			pendingRetriedTotal.WithLabelValues("failed").Inc()
			continue
		}

		if err := p.store.InsertMatchBatch(ctx, []storage.Match{match}); err != nil {
			return err
		}
		if err := p.store.DeletePendingFetch(ctx, f.InstanceID); err != nil {
			return err
		}
		p.dedup.MarkPersisted(f.InstanceID)
		matchesPersistedTotal.Inc()
		pendingRetriedTotal.WithLabelValues("persisted").Inc()
	}

	return nil
}
