package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vms-subscription-engine/internal/models"
)

var ErrExecutionNotFound = errors.New("subscription execution not found")

type ExecutionsRepo struct {
	pool *pgxpool.Pool
}

func NewExecutionsRepo(pool *pgxpool.Pool) *ExecutionsRepo {
	return &ExecutionsRepo{pool: pool}
}

func (r *ExecutionsRepo) Insert(ctx context.Context, db DBTX, exec *models.SubscriptionExecution) error {
	if exec.CreationDate.IsZero() {
		exec.CreationDate = time.Now().UTC()
	}
	if exec.MessageIDs == nil {
		exec.MessageIDs = []string{}
	}
	return db.QueryRow(ctx, `
		INSERT INTO subscription_executions (triggered_id, status, creation_date, requested_time, queued_time, execution_time, message_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING execution_id
	`, exec.TriggeredSubscriptionID, string(exec.Status), exec.CreationDate, exec.RequestedTime, exec.QueuedTime, exec.ExecutionTime, exec.MessageIDs).Scan(&exec.ID)
}

// FindPendingIDs returns ids of PENDING executions due at or before the
// activation date, oldest requested first.
func (r *ExecutionsRepo) FindPendingIDs(ctx context.Context, activationDate time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT execution_id
		FROM subscription_executions
		WHERE status = $1 AND requested_time <= $2
		ORDER BY requested_time ASC
		LIMIT $3
	`, string(models.ExecutionPending), activationDate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ExecutionsRepo) GetByID(ctx context.Context, db DBTX, executionID int64) (*models.SubscriptionExecution, error) {
	return r.get(ctx, db, executionID, false)
}

// GetForUpdate row-locks the execution inside the caller's transaction.
func (r *ExecutionsRepo) GetForUpdate(ctx context.Context, db DBTX, executionID int64) (*models.SubscriptionExecution, error) {
	return r.get(ctx, db, executionID, true)
}

func (r *ExecutionsRepo) get(ctx context.Context, db DBTX, executionID int64, forUpdate bool) (*models.SubscriptionExecution, error) {
	query := `
		SELECT execution_id, triggered_id, status, creation_date, requested_time, queued_time, execution_time, message_ids
		FROM subscription_executions
		WHERE execution_id = $1`
	if forUpdate {
		query += `
		FOR UPDATE`
	}
	var exec models.SubscriptionExecution
	var status string
	err := db.QueryRow(ctx, query, executionID).Scan(
		&exec.ID, &exec.TriggeredSubscriptionID, &status, &exec.CreationDate,
		&exec.RequestedTime, &exec.QueuedTime, &exec.ExecutionTime, &exec.MessageIDs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	exec.Status = models.ExecutionStatus(status)
	return &exec, nil
}

func (r *ExecutionsRepo) SetQueued(ctx context.Context, db DBTX, executionID int64, queuedTime time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE subscription_executions
		SET status = $2, queued_time = $3
		WHERE execution_id = $1
	`, executionID, string(models.ExecutionQueued), queuedTime)
	return err
}

func (r *ExecutionsRepo) SetExecuted(ctx context.Context, db DBTX, executionID int64, executionTime time.Time, messageIDs []string) error {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	_, err := db.Exec(ctx, `
		UPDATE subscription_executions
		SET status = $2, execution_time = $3, message_ids = $4
		WHERE execution_id = $1
	`, executionID, string(models.ExecutionExecuted), executionTime, messageIDs)
	return err
}

// StopPending marks every still-PENDING execution of the triggered
// subscription as STOPPED. QUEUED and EXECUTED ones are left alone.
func (r *ExecutionsRepo) StopPending(ctx context.Context, db DBTX, triggeredID int64) error {
	_, err := db.Exec(ctx, `
		UPDATE subscription_executions
		SET status = $2
		WHERE triggered_id = $1 AND status = $3
	`, triggeredID, string(models.ExecutionStopped), string(models.ExecutionPending))
	return err
}
