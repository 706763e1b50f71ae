package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/guardianworks/destiny-activity-client/pkg/bungie"
	"github.com/guardianworks/destiny-activity-client/pkg/storage"
)

// statsDocument is the slice of the account stats response the pipeline
// needs: the character list, deleted characters included.
type statsDocument struct {
	Characters []struct {
		CharacterID string `json:"characterId"`
		Deleted     bool   `json:"deleted"`
	} `json:"characters"`
}

// historyPage is one page of a character's activity history, newest first.
type historyPage struct {
	Activities []historyEntry `json:"activities"`
}

// historyEntry is one match summary within a history page.
type historyEntry struct {
	Period          time.Time `json:"period"`
	ActivityDetails struct {
		InstanceID string `json:"instanceId"`
	} `json:"activityDetails"`
}

func (e *historyEntry) instanceID() (int64, error) {
	id, err := strconv.ParseInt(e.ActivityDetails.InstanceID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse instance id %q: %w", e.ActivityDetails.InstanceID, err)
	}
	return id, nil
}

// characters enumerates the player's character ids, including deleted
// characters. Called once per run.
func (p *Pipeline) characters(ctx context.Context, player storage.Player) ([]int64, error) {
	route := bungie.StatsRoute(p.cfg.BaseURL, player.System, player.DestinyID)
	resp, err := p.api.Get(ctx, route, nil)
	if err != nil {
		return nil, err
	}

	var doc statsDocument
	if err := resp.Decode(&doc); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(doc.Characters))
	for _, c := range doc.Characters {
		id, err := strconv.ParseInt(c.CharacterID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse character id %q: %w", c.CharacterID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// historyParams builds the query for one history page.
func (p *Pipeline) historyParams(page int) url.Values {
	params := url.Values{}
	params.Set("mode", strconv.Itoa(p.cfg.Mode))
	params.Set("count", strconv.Itoa(p.cfg.PageSize))
	params.Set("page", strconv.Itoa(page))
	return params
}
