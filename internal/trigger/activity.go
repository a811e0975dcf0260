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

// faReportBatch is the inbound fishing-activity payload: one entry per
// reported activity.
type faReportBatch struct {
	Reports []faReport `json:"fa_reports"`
}

type faReport struct {
	ReportID   string        `json:"report_id"`
	ConnectID  string        `json:"connect_id"`
	Occurrence *time.Time    `json:"occurrence"`
	Areas      []areaRef     `json:"areas"`
	Activities []activityRef `json:"activities"`
}

type activityRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (a activityRef) criterion() models.ActivityCriterion {
	return models.ActivityCriterion{Type: a.Type, Value: a.Value}
}

// ActivityExtractor matches inbound fishing-activity reports against
// activity-triggered subscriptions.
type ActivityExtractor struct {
	finder finder
	assets assetResolver
	log    logx.Logger
}

func NewActivityExtractor(finder finder, assets assetResolver, log logx.Logger) *ActivityExtractor {
	return &ActivityExtractor{finder: finder, assets: assets, log: log.WithComponent("trigger.activity")}
}

func (e *ActivityExtractor) Source() string { return string(models.TriggerIncFAReport) }

func (e *ActivityExtractor) DedupData(ts *models.TriggeredSubscription) []models.TriggeredSubscriptionData {
	return []models.TriggeredSubscriptionData{
		{Key: models.DataKeyConnectID, Value: models.DataValue(ts.Data, models.DataKeyConnectID)},
	}
}

// Merge carries the report ids collected so far onto the replacement.
func (e *ActivityExtractor) Merge(old, candidate *models.TriggeredSubscription) {
	mergeIndexed(old, candidate, models.DataPrefixReport)
}

func (e *ActivityExtractor) ExtractCommands(ctx context.Context, raw []byte, sender models.SenderCriterion, receivedAt time.Time) ([]Command, error) {
	var batch faReportBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, err
	}

	inBatch := make(map[string]map[int64]*models.TriggeredSubscription)
	var commands []Command

	for _, report := range batch.Reports {
		if report.ConnectID == "" {
			e.dropContext(ctx, "missing_connect_id", report.ReportID)
			continue
		}
		if report.Occurrence == nil {
			e.dropContext(ctx, "missing_occurrence", report.ReportID)
			continue
		}

		areas := make([]models.AreaCriterion, 0, len(report.Areas))
		for _, a := range report.Areas {
			areas = append(areas, a.criterion())
		}
		activities := make([]models.ActivityCriterion, 0, len(report.Activities))
		for _, a := range report.Activities {
			activities = append(activities, a.criterion())
		}

		identity, err := e.assets.ResolveByConnectID(ctx, report.ConnectID)
		if err != nil {
			return commands, err
		}

		matched, err := e.finder.FindTriggered(ctx, repos.SearchCriteria{
			Areas:           areas,
			Assets:          assetCriteria(identity),
			StartActivities: activities,
			Sender:          &sender,
			ValidAt:         receivedAt,
			TriggerTypes:    []models.TriggerType{models.TriggerIncFAReport, models.TriggerIncFAQuery},
		})
		if err != nil {
			return commands, err
		}

		for _, sub := range matched {
			if perSub, ok := inBatch[report.ConnectID]; ok {
				if existing, ok := perSub[sub.ID]; ok {
					existing.AppendIndexed(models.DataPrefixReport, report.ReportID)
					continue
				}
			}

			candidate := &models.TriggeredSubscription{
				SubscriptionID: sub.ID,
				Subscription:   sub,
				Source:         e.Source(),
				Status:         models.TriggeredActive,
				CreationDate:   receivedAt,
				EffectiveFrom:  *report.Occurrence,
				Data: []models.TriggeredSubscriptionData{
					{Key: models.DataKeyConnectID, Value: report.ConnectID},
					{Key: models.DataKeyOccurrence, Value: models.FormatOccurrence(*report.Occurrence)},
				},
			}
			candidate.AppendIndexed(models.DataPrefixReport, report.ReportID)
			if inBatch[report.ConnectID] == nil {
				inBatch[report.ConnectID] = make(map[int64]*models.TriggeredSubscription)
			}
			inBatch[report.ConnectID][sub.ID] = candidate
			commands = append(commands, &TriggerCommand{Candidate: candidate, Dedup: e.DedupData(candidate)})
		}

		commands = append(commands, &StopCommand{Criteria: models.StopConditionCriteria{
			ConnectID:  report.ConnectID,
			Areas:      areas,
			Activities: activities,
		}})
	}
	return commands, nil
}

func (e *ActivityExtractor) dropContext(ctx context.Context, reason string, reportID string) {
	metricsx.IncContextDropped(e.Source(), reason)
	e.log.Warn(ctx, "context_dropped", "report context missing required field",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("reason", reason),
		slog.String("report_id", reportID),
	)
}
