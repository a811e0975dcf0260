package execution

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
)

// ErrExecutionNotFound re-exports the repo sentinel so fakes and callers do
// not need to depend on the repos package.
var ErrExecutionNotFound = repos.ErrExecutionNotFound

// Store is the slice of persistence the execution service needs; tests
// substitute an in-memory one.
type Store interface {
	FindPendingIDs(ctx context.Context, activationDate time.Time, limit int) ([]int64, error)
	// InTx runs fn inside one transaction boundary.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional slice one execution transition runs on.
type Tx interface {
	// GetForUpdate row-locks the execution for the length of the transaction.
	GetForUpdate(ctx context.Context, executionID int64) (*models.SubscriptionExecution, error)
	SetQueued(ctx context.Context, executionID int64, queuedTime time.Time) error
	SetExecuted(ctx context.Context, executionID int64, executionTime time.Time, messageIDs []string) error
	InsertExecution(ctx context.Context, exec *models.SubscriptionExecution) error
	GetTriggered(ctx context.Context, triggeredID int64) (*models.TriggeredSubscription, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
}

type PgStore struct {
	pool          *pgxpool.Pool
	executions    *repos.ExecutionsRepo
	triggered     *repos.TriggeredRepo
	subscriptions *repos.SubscriptionsRepo
}

func NewPgStore(pool *pgxpool.Pool, executions *repos.ExecutionsRepo, triggered *repos.TriggeredRepo, subscriptions *repos.SubscriptionsRepo) *PgStore {
	return &PgStore{pool: pool, executions: executions, triggered: triggered, subscriptions: subscriptions}
}

func (s *PgStore) FindPendingIDs(ctx context.Context, activationDate time.Time, limit int) ([]int64, error) {
	return s.executions.FindPendingIDs(ctx, activationDate, limit)
}

func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{store: s, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	store *PgStore
	tx    pgx.Tx
}

func (t *pgTx) GetForUpdate(ctx context.Context, executionID int64) (*models.SubscriptionExecution, error) {
	return t.store.executions.GetForUpdate(ctx, t.tx, executionID)
}

func (t *pgTx) SetQueued(ctx context.Context, executionID int64, queuedTime time.Time) error {
	return t.store.executions.SetQueued(ctx, t.tx, executionID, queuedTime)
}

func (t *pgTx) SetExecuted(ctx context.Context, executionID int64, executionTime time.Time, messageIDs []string) error {
	return t.store.executions.SetExecuted(ctx, t.tx, executionID, executionTime, messageIDs)
}

func (t *pgTx) InsertExecution(ctx context.Context, exec *models.SubscriptionExecution) error {
	return t.store.executions.Insert(ctx, t.tx, exec)
}

func (t *pgTx) GetTriggered(ctx context.Context, triggeredID int64) (*models.TriggeredSubscription, error) {
	return t.store.triggered.GetByID(ctx, t.tx, triggeredID)
}

func (t *pgTx) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return t.store.subscriptions.GetByID(ctx, t.tx, id)
}
