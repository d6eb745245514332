package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/store"
)

// Planner turns a recipient inbox list into delivery jobs. Recipients on the
// same server collapse into a single shared-inbox job when the server's
// reputation record carries a cached shared inbox; otherwise every inbox gets
// its own job. The planner never goes to the network; shared inboxes are
// discovered out of band and merely consulted here.
type Planner struct {
	store store.Store
	log   zerolog.Logger
}

func NewPlanner(s store.Store, log zerolog.Logger) *Planner {
	return &Planner{store: s, log: log}
}

func (p *Planner) Plan(ctx context.Context, itemID, originID string, payload json.RawMessage, inboxes []string) ([]models.DeliveryJob, error) {
	// De-duplicate while keeping submission order.
	seen := make(map[string]bool, len(inboxes))
	var unique []string
	for _, inbox := range inboxes {
		if seen[inbox] {
			continue
		}
		seen[inbox] = true
		unique = append(unique, inbox)
	}

	// Group by destination server, keeping first-appearance order.
	groups := make(map[string][]string, len(unique))
	var servers []string
	for _, inbox := range unique {
		server, err := models.ServerOf(inbox)
		if err != nil {
			return nil, err
		}
		if _, ok := groups[server]; !ok {
			servers = append(servers, server)
		}
		groups[server] = append(groups[server], inbox)
	}

	now := time.Now().UTC()
	var jobs []models.DeliveryJob
	for _, server := range servers {
		group := groups[server]

		if len(group) > 1 {
			shared, err := p.sharedInbox(ctx, server)
			if err != nil {
				return nil, err
			}
			if shared != "" {
				job, err := p.batchJob(itemID, originID, server, shared, group, payload, now)
				if err != nil {
					return nil, err
				}
				jobs = append(jobs, *job)
				continue
			}
		}

		for _, inbox := range group {
			jobs = append(jobs, models.DeliveryJob{
				ID:         models.NewID("job"),
				ItemID:     itemID,
				OriginID:   originID,
				Endpoint:   inbox,
				Server:     server,
				Payload:    payload,
				Recipients: []string{inbox},
				Attempt:    1,
				CreatedAt:  now,
			})
		}
	}
	return jobs, nil
}

func (p *Planner) sharedInbox(ctx context.Context, server string) (string, error) {
	rep, err := p.store.GetReputation(ctx, server)
	if err != nil {
		return "", err
	}
	if rep == nil {
		return "", nil
	}
	return rep.SharedInbox, nil
}

// batchJob emits one job for a whole per-server recipient group, rewriting
// the payload's addressing so the shared inbox can route it to everyone.
func (p *Planner) batchJob(itemID, originID, server, shared string, group []string, payload json.RawMessage, now time.Time) (*models.DeliveryJob, error) {
	addressed, err := sjson.SetBytes(payload, "to", group)
	if err != nil {
		return nil, fmt.Errorf("address batch payload: %w", err)
	}

	p.log.Debug().
		Str("server", server).
		Str("shared_inbox", shared).
		Int("recipients", len(group)).
		Msg("batching recipients through shared inbox")

	return &models.DeliveryJob{
		ID:         models.NewID("job"),
		ItemID:     itemID,
		OriginID:   originID,
		Endpoint:   shared,
		Server:     server,
		Payload:    addressed,
		Recipients: group,
		Attempt:    1,
		CreatedAt:  now,
	}, nil
}
