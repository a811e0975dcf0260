package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
	"vms-subscription-engine/shared/logx"
	"vms-subscription-engine/shared/metricsx"
)

// movementBatch is the inbound position-report payload: one entry per
// reported position, already enriched with the areas the position falls in
// when the movement module resolved them.
type movementBatch struct {
	Movements []movementReport `json:"movements"`
}

type movementReport struct {
	ConnectID    string     `json:"connect_id"`
	MovementGUID string     `json:"movement_guid"`
	PositionTime *time.Time `json:"position_time"`
	Latitude     *float64   `json:"latitude"`
	Longitude    *float64   `json:"longitude"`
	Areas        []areaRef  `json:"areas"`
}

type areaRef struct {
	AreaType string `json:"area_type"`
	AreaGUID string `json:"area_guid"`
}

func (a areaRef) criterion() models.AreaCriterion {
	return models.AreaCriterion{Type: models.AreaType(a.AreaType), GUID: a.AreaGUID}
}

// PositionExtractor matches inbound position reports against position-
// triggered subscriptions.
type PositionExtractor struct {
	finder  finder
	assets  assetResolver
	spatial areaLocator
	log     logx.Logger
}

func NewPositionExtractor(finder finder, assets assetResolver, spatial areaLocator, log logx.Logger) *PositionExtractor {
	return &PositionExtractor{
		finder:  finder,
		assets:  assets,
		spatial: spatial,
		log:     log.WithComponent("trigger.position"),
	}
}

func (e *PositionExtractor) Source() string { return string(models.TriggerIncPosition) }

// DedupData keys one occurrence per asset: two position triggerings of the
// same subscription for the same vessel are the same ongoing occurrence.
func (e *PositionExtractor) DedupData(ts *models.TriggeredSubscription) []models.TriggeredSubscriptionData {
	return []models.TriggeredSubscriptionData{
		{Key: models.DataKeyConnectID, Value: models.DataValue(ts.Data, models.DataKeyConnectID)},
	}
}

// Merge carries the movement guids collected so far onto the replacement.
func (e *PositionExtractor) Merge(old, candidate *models.TriggeredSubscription) {
	mergeIndexed(old, candidate, models.DataPrefixMovement)
}

func (e *PositionExtractor) ExtractCommands(ctx context.Context, raw []byte, sender models.SenderCriterion, receivedAt time.Time) ([]Command, error) {
	var batch movementBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, err
	}

	// In-batch dedup: connect id, then subscription id. Scoped to this call;
	// the store-level check in the service covers everything else.
	inBatch := make(map[string]map[int64]*models.TriggeredSubscription)
	var commands []Command

	for _, report := range batch.Movements {
		if report.ConnectID == "" {
			e.dropContext(ctx, "missing_connect_id", report.MovementGUID)
			continue
		}
		if report.PositionTime == nil {
			e.dropContext(ctx, "missing_position_time", report.MovementGUID)
			continue
		}

		areas := make([]models.AreaCriterion, 0, len(report.Areas))
		for _, a := range report.Areas {
			areas = append(areas, a.criterion())
		}
		if len(areas) == 0 && report.Latitude != nil && report.Longitude != nil {
			located, err := e.spatial.AreasContaining(ctx, *report.Latitude, *report.Longitude)
			if err != nil {
				return commands, err
			}
			areas = located
		}

		identity, err := e.assets.ResolveByConnectID(ctx, report.ConnectID)
		if err != nil {
			return commands, err
		}

		matched, err := e.finder.FindTriggered(ctx, repos.SearchCriteria{
			Areas:        areas,
			Assets:       assetCriteria(identity),
			Sender:       &sender,
			ValidAt:      receivedAt,
			TriggerTypes: []models.TriggerType{models.TriggerIncPosition},
		})
		if err != nil {
			return commands, err
		}

		for _, sub := range matched {
			if perSub, ok := inBatch[report.ConnectID]; ok {
				if existing, ok := perSub[sub.ID]; ok {
					existing.AppendIndexed(models.DataPrefixMovement, report.MovementGUID)
					continue
				}
			}

			candidate := &models.TriggeredSubscription{
				SubscriptionID: sub.ID,
				Subscription:   sub,
				Source:         e.Source(),
				Status:         models.TriggeredActive,
				CreationDate:   receivedAt,
				EffectiveFrom:  *report.PositionTime,
				Data: []models.TriggeredSubscriptionData{
					{Key: models.DataKeyConnectID, Value: report.ConnectID},
					{Key: models.DataKeyOccurrence, Value: models.FormatOccurrence(*report.PositionTime)},
				},
			}
			candidate.AppendIndexed(models.DataPrefixMovement, report.MovementGUID)
			if inBatch[report.ConnectID] == nil {
				inBatch[report.ConnectID] = make(map[int64]*models.TriggeredSubscription)
			}
			inBatch[report.ConnectID][sub.ID] = candidate
			commands = append(commands, &TriggerCommand{Candidate: candidate, Dedup: e.DedupData(candidate)})
		}

		// The stop command accompanies its context even when nothing
		// triggered: the asset may have left an area some older ACTIVE
		// triggering watches.
		commands = append(commands, &StopCommand{Criteria: models.StopConditionCriteria{
			ConnectID: report.ConnectID,
			Areas:     areas,
		}})
	}
	return commands, nil
}

func (e *PositionExtractor) dropContext(ctx context.Context, reason string, movementGUID string) {
	metricsx.IncContextDropped(e.Source(), reason)
	e.log.Warn(ctx, "context_dropped", "report context missing required field",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("reason", reason),
		slog.String("movement_guid", movementGUID),
	)
}
