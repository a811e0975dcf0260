package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vms-subscription-engine/internal/models"
)

type TriggeredRepo struct {
	pool *pgxpool.Pool
}

func NewTriggeredRepo(pool *pgxpool.Pool) *TriggeredRepo {
	return &TriggeredRepo{pool: pool}
}

// Insert persists the entity and its data rows, filling in the generated id.
func (r *TriggeredRepo) Insert(ctx context.Context, db DBTX, ts *models.TriggeredSubscription) error {
	if ts.CreationDate.IsZero() {
		ts.CreationDate = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO triggered_subscriptions (subscription_id, source, status, creation_date, effective_from)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING triggered_id
	`, ts.SubscriptionID, ts.Source, string(ts.Status), ts.CreationDate, ts.EffectiveFrom).Scan(&ts.ID)
	if err != nil {
		return err
	}
	return r.AppendData(ctx, db, ts.ID, ts.Data)
}

// AppendData adds data rows to an existing entity. Values are only ever
// appended as new keys, never updated.
func (r *TriggeredRepo) AppendData(ctx context.Context, db DBTX, triggeredID int64, data []models.TriggeredSubscriptionData) error {
	for _, d := range data {
		if _, err := db.Exec(ctx, `
			INSERT INTO triggered_subscription_data (triggered_id, data_key, data_value)
			VALUES ($1, $2, $3)
		`, triggeredID, d.Key, d.Value); err != nil {
			return err
		}
	}
	return nil
}

func (r *TriggeredRepo) UpdateStatus(ctx context.Context, db DBTX, triggeredID int64, status models.TriggeredStatus) error {
	_, err := db.Exec(ctx, `
		UPDATE triggered_subscriptions
		SET status = $2
		WHERE triggered_id = $1
	`, triggeredID, string(status))
	return err
}

// FindActiveMatching returns the ACTIVE entities of the same subscription
// whose data intersects the given dedup data. With empty dedup data it
// returns every ACTIVE entity of the subscription.
func (r *TriggeredRepo) FindActiveMatching(ctx context.Context, db DBTX, subscriptionID int64, dedup []models.TriggeredSubscriptionData) ([]*models.TriggeredSubscription, error) {
	keys := make([]string, 0, len(dedup))
	values := make([]string, 0, len(dedup))
	for _, d := range dedup {
		keys = append(keys, d.Key)
		values = append(values, d.Value)
	}

	rows, err := db.Query(ctx, `
		SELECT t.triggered_id, t.subscription_id, t.source, t.status, t.creation_date, t.effective_from
		FROM triggered_subscriptions t
		WHERE t.subscription_id = $1
		  AND t.status = $2
		  AND (
			$3 = 0
			OR EXISTS (
				SELECT 1 FROM triggered_subscription_data d
				WHERE d.triggered_id = t.triggered_id
				  AND (d.data_key, d.data_value) IN (SELECT * FROM unnest($4::text[], $5::text[]))
			)
		  )
		ORDER BY t.triggered_id
	`, subscriptionID, string(models.TriggeredActive), len(dedup), keys, values)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TriggeredSubscription
	for rows.Next() {
		ts, err := scanTriggered(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ts := range out {
		if err := r.loadData(ctx, db, ts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FindActiveByConnectID returns ACTIVE entities carrying the given connectId
// data value, across all subscriptions, used for stop-condition evaluation.
func (r *TriggeredRepo) FindActiveByConnectID(ctx context.Context, connectID string) ([]*models.TriggeredSubscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.triggered_id, t.subscription_id, t.source, t.status, t.creation_date, t.effective_from
		FROM triggered_subscriptions t
		WHERE t.status = $1
		  AND EXISTS (
			SELECT 1 FROM triggered_subscription_data d
			WHERE d.triggered_id = t.triggered_id
			  AND d.data_key = $2 AND d.data_value = $3
		  )
		ORDER BY t.triggered_id
	`, string(models.TriggeredActive), models.DataKeyConnectID, connectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TriggeredSubscription
	for rows.Next() {
		ts, err := scanTriggered(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ts := range out {
		if err := r.loadData(ctx, r.pool, ts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FindActiveWithDeadline returns ACTIVE entities whose subscription carries
// a deadline, for the periodic deadline sweep.
func (r *TriggeredRepo) FindActiveWithDeadline(ctx context.Context) ([]*models.TriggeredSubscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.triggered_id, t.subscription_id, t.source, t.status, t.creation_date, t.effective_from
		FROM triggered_subscriptions t
		JOIN subscriptions s ON s.subscription_id = t.subscription_id
		WHERE t.status = $1
		  AND s.deadline_value IS NOT NULL AND s.deadline_value > 0
		ORDER BY t.triggered_id
	`, string(models.TriggeredActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TriggeredSubscription
	for rows.Next() {
		ts, err := scanTriggered(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ts := range out {
		if err := r.loadData(ctx, r.pool, ts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *TriggeredRepo) GetByID(ctx context.Context, db DBTX, triggeredID int64) (*models.TriggeredSubscription, error) {
	row := db.QueryRow(ctx, `
		SELECT t.triggered_id, t.subscription_id, t.source, t.status, t.creation_date, t.effective_from
		FROM triggered_subscriptions t
		WHERE t.triggered_id = $1
	`, triggeredID)
	ts, err := scanTriggered(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadData(ctx, db, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func scanTriggered(row rowScanner) (*models.TriggeredSubscription, error) {
	var ts models.TriggeredSubscription
	var status string
	err := row.Scan(&ts.ID, &ts.SubscriptionID, &ts.Source, &status, &ts.CreationDate, &ts.EffectiveFrom)
	if err != nil {
		return nil, err
	}
	ts.Status = models.TriggeredStatus(status)
	return &ts, nil
}

func (r *TriggeredRepo) loadData(ctx context.Context, db DBTX, ts *models.TriggeredSubscription) error {
	rows, err := db.Query(ctx, `
		SELECT data_key, data_value
		FROM triggered_subscription_data
		WHERE triggered_id = $1
		ORDER BY data_id
	`, ts.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d models.TriggeredSubscriptionData
		if err := rows.Scan(&d.Key, &d.Value); err != nil {
			return err
		}
		ts.Data = append(ts.Data, d)
	}
	return rows.Err()
}
