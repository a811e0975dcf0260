package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vms-subscription-engine/internal/models"
)

type SubscriptionsRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionsRepo(pool *pgxpool.Pool) *SubscriptionsRepo {
	return &SubscriptionsRepo{pool: pool}
}

// SearchCriteria is what an extractor derived from one report context.
// Matching is OR within each category and AND across categories; a
// subscription with no criteria configured in a category matches any input
// in that category.
type SearchCriteria struct {
	Areas           []models.AreaCriterion
	Assets          []models.AssetCriterion
	StartActivities []models.ActivityCriterion
	Sender          *models.SenderCriterion
	ValidAt         time.Time
	TriggerTypes    []models.TriggerType
}

const subscriptionColumns = `
	s.subscription_id, s.name, s.active, s.start_date, s.end_date, s.allow_no_area,
	s.sender_organisation, s.sender_endpoint, s.sender_channel,
	s.trigger_type, s.immediate, s.frequency, s.frequency_unit, s.time_expression,
	s.deadline_value, s.deadline_unit,
	s.output_alert, s.output_message_type, s.output_vessel_ids,
	s.history_value, s.history_unit, s.email_config,
	s.subscriber_organisation, s.subscriber_endpoint, s.subscriber_channel`

// FindTriggered returns the active subscriptions whose configured criteria
// intersect the input criteria, restricted to the given trigger types.
func (r *SubscriptionsRepo) FindTriggered(ctx context.Context, c SearchCriteria) ([]*models.Subscription, error) {
	areaKeys := make([]string, 0, len(c.Areas))
	for _, a := range c.Areas {
		areaKeys = append(areaKeys, a.Key())
	}
	assetKeys := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		assetKeys = append(assetKeys, a.Key())
	}
	activityKeys := make([]string, 0, len(c.StartActivities))
	for _, a := range c.StartActivities {
		activityKeys = append(activityKeys, a.Key())
	}
	triggerTypes := make([]string, 0, len(c.TriggerTypes))
	for _, t := range c.TriggerTypes {
		triggerTypes = append(triggerTypes, string(t))
	}

	var senderOrg, senderEndpoint, senderChannel *int64
	if c.Sender != nil {
		senderOrg = &c.Sender.OrganisationID
		senderEndpoint = &c.Sender.EndpointID
		senderChannel = &c.Sender.ChannelID
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		WHERE s.active
		  AND s.start_date <= $1 AND s.end_date >= $1
		  AND s.trigger_type = ANY($2::text[])
		  AND (
			s.allow_no_area
			OR NOT EXISTS (SELECT 1 FROM subscription_areas a WHERE a.subscription_id = s.subscription_id)
			OR EXISTS (
				SELECT 1 FROM subscription_areas a
				WHERE a.subscription_id = s.subscription_id
				  AND a.area_type || ':' || a.area_guid = ANY($3::text[])
			)
		  )
		  AND (
			NOT EXISTS (SELECT 1 FROM subscription_assets x WHERE x.subscription_id = s.subscription_id)
			OR EXISTS (
				SELECT 1 FROM subscription_assets x
				WHERE x.subscription_id = s.subscription_id
				  AND x.asset_type || ':' || x.asset_guid = ANY($4::text[])
			)
		  )
		  AND (
			NOT EXISTS (SELECT 1 FROM subscription_start_activities sa WHERE sa.subscription_id = s.subscription_id)
			OR EXISTS (
				SELECT 1 FROM subscription_start_activities sa
				WHERE sa.subscription_id = s.subscription_id
				  AND sa.activity_type || ':' || sa.activity_value = ANY($5::text[])
			)
		  )
		  AND (
			s.sender_organisation IS NULL
			OR (s.sender_organisation = $6 AND s.sender_endpoint = $7 AND s.sender_channel = $8)
		  )
		ORDER BY s.subscription_id
	`, c.ValidAt, triggerTypes, areaKeys, assetKeys, activityKeys, senderOrg, senderEndpoint, senderChannel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(ctx, r.pool, rows)
}

// FindByAreas matches on area criteria alone, used for area-entry
// evaluation where no asset or activity context exists.
func (r *SubscriptionsRepo) FindByAreas(ctx context.Context, areas []models.AreaCriterion, validAt time.Time, triggerTypes []models.TriggerType) ([]*models.Subscription, error) {
	areaKeys := make([]string, 0, len(areas))
	for _, a := range areas {
		areaKeys = append(areaKeys, a.Key())
	}
	tts := make([]string, 0, len(triggerTypes))
	for _, t := range triggerTypes {
		tts = append(tts, string(t))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		WHERE s.active
		  AND s.start_date <= $1 AND s.end_date >= $1
		  AND s.trigger_type = ANY($2::text[])
		  AND (
			s.allow_no_area
			OR NOT EXISTS (SELECT 1 FROM subscription_areas a WHERE a.subscription_id = s.subscription_id)
			OR EXISTS (
				SELECT 1 FROM subscription_areas a
				WHERE a.subscription_id = s.subscription_id
				  AND a.area_type || ':' || a.area_guid = ANY($3::text[])
			)
		  )
		ORDER BY s.subscription_id
	`, validAt, tts, areaKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(ctx, r.pool, rows)
}

// ListScheduled returns active SCHEDULER subscriptions whose validity window
// contains now.
func (r *SubscriptionsRepo) ListScheduled(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		WHERE s.active
		  AND s.trigger_type = $1
		  AND s.start_date <= $2 AND s.end_date >= $2
		ORDER BY s.subscription_id
	`, string(models.TriggerScheduler), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(ctx, r.pool, rows)
}

// GetByID reads one subscription on the given connection, so transactional
// stores see the row inside their open transaction.
func (r *SubscriptionsRepo) GetByID(ctx context.Context, db DBTX, id int64) (*models.Subscription, error) {
	row := db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		WHERE s.subscription_id = $1
	`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadCriteria(ctx, db, []*models.Subscription{sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get reads one subscription with the repo's pool.
func (r *SubscriptionsRepo) Get(ctx context.Context, id int64) (*models.Subscription, error) {
	return r.GetByID(ctx, r.pool, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var s models.Subscription
	var senderOrg, senderEndpoint, senderChannel *int64
	var frequencyUnit, timeExpression, deadlineUnit, historyUnit *string
	var deadlineValue, historyValue *int
	var vesselIDs []string
	var emailConfig []byte

	err := row.Scan(
		&s.ID, &s.Name, &s.Active, &s.StartDate, &s.EndDate, &s.AllowNoArea,
		&senderOrg, &senderEndpoint, &senderChannel,
		&s.Execution.TriggerType, &s.Execution.Immediate, &s.Execution.Frequency, &frequencyUnit, &timeExpression,
		&deadlineValue, &deadlineUnit,
		&s.Output.Alert, &s.Output.MessageType, &vesselIDs,
		&historyValue, &historyUnit, &emailConfig,
		&s.Output.SubscriberOrganisationID, &s.Output.SubscriberEndpointID, &s.Output.SubscriberChannelID,
	)
	if err != nil {
		return nil, err
	}

	if senderOrg != nil && senderEndpoint != nil && senderChannel != nil {
		s.Sender = &models.SenderCriterion{
			OrganisationID: *senderOrg,
			EndpointID:     *senderEndpoint,
			ChannelID:      *senderChannel,
		}
	}
	if frequencyUnit != nil {
		s.Execution.FrequencyUnit = models.FrequencyUnit(*frequencyUnit)
	}
	if timeExpression != nil {
		s.Execution.TimeExpression = *timeExpression
	}
	if deadlineValue != nil {
		s.Execution.DeadlineValue = *deadlineValue
	}
	if deadlineUnit != nil {
		s.Execution.DeadlineUnit = models.FrequencyUnit(*deadlineUnit)
	}
	s.Output.VesselIDs = vesselIDs
	if historyValue != nil {
		s.Output.HistoryValue = *historyValue
	}
	if historyUnit != nil {
		s.Output.HistoryUnit = models.FrequencyUnit(*historyUnit)
	}
	if len(emailConfig) > 0 {
		var email models.EmailConfig
		if err := json.Unmarshal(emailConfig, &email); err != nil {
			return nil, err
		}
		s.Output.Email = &email
	}
	return &s, nil
}

func (r *SubscriptionsRepo) collect(ctx context.Context, db DBTX, rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadCriteria(ctx, db, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *SubscriptionsRepo) loadCriteria(ctx context.Context, db DBTX, subs []*models.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(subs))
	byID := make(map[int64]*models.Subscription, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
		byID[s.ID] = s
	}

	rows, err := db.Query(ctx, `
		SELECT subscription_id, area_type, area_guid
		FROM subscription_areas
		WHERE subscription_id = ANY($1::bigint[])
	`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var areaType, guid string
		if err := rows.Scan(&id, &areaType, &guid); err != nil {
			rows.Close()
			return err
		}
		s := byID[id]
		s.Areas = append(s.Areas, models.AreaCriterion{Type: models.AreaType(areaType), GUID: guid})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.Query(ctx, `
		SELECT subscription_id, asset_type, asset_guid
		FROM subscription_assets
		WHERE subscription_id = ANY($1::bigint[])
	`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var assetType, guid string
		if err := rows.Scan(&id, &assetType, &guid); err != nil {
			rows.Close()
			return err
		}
		s := byID[id]
		s.Assets = append(s.Assets, models.AssetCriterion{Type: models.AssetCriterionType(assetType), GUID: guid})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range []string{"subscription_start_activities", "subscription_stop_activities"} {
		rows, err = db.Query(ctx, `
			SELECT subscription_id, activity_type, activity_value
			FROM `+table+`
			WHERE subscription_id = ANY($1::bigint[])
		`, ids)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			var activityType, value string
			if err := rows.Scan(&id, &activityType, &value); err != nil {
				rows.Close()
				return err
			}
			s := byID[id]
			criterion := models.ActivityCriterion{Type: activityType, Value: value}
			if table == "subscription_start_activities" {
				s.StartActivities = append(s.StartActivities, criterion)
			} else {
				s.StopActivities = append(s.StopActivities, criterion)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}
