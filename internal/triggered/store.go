package triggered

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
)

// Store is the slice of persistence the service needs. The pgx
// implementation lives below; tests substitute an in-memory one.
type Store interface {
	// InTx runs fn inside one transaction boundary.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	FindActiveMatching(ctx context.Context, subscriptionID int64, dedup []models.TriggeredSubscriptionData) ([]*models.TriggeredSubscription, error)
	FindActiveByConnectID(ctx context.Context, connectID string) ([]*models.TriggeredSubscription, error)
	FindActiveWithDeadline(ctx context.Context) ([]*models.TriggeredSubscription, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	StopPendingExecutions(ctx context.Context, triggeredID int64) error
	UpdateStatus(ctx context.Context, triggeredID int64, status models.TriggeredStatus) error
	Insert(ctx context.Context, ts *models.TriggeredSubscription) error
}

// Tx is the transactional slice used by Activate.
type Tx interface {
	// AdvisoryLock serializes concurrent activations racing on the same
	// (subscription, dedup key); released at transaction end.
	AdvisoryLock(ctx context.Context, key string) error
	FindActiveMatching(ctx context.Context, subscriptionID int64, dedup []models.TriggeredSubscriptionData) ([]*models.TriggeredSubscription, error)
	UpdateStatus(ctx context.Context, triggeredID int64, status models.TriggeredStatus) error
	StopPendingExecutions(ctx context.Context, triggeredID int64) error
	Insert(ctx context.Context, ts *models.TriggeredSubscription) error
	InsertExecution(ctx context.Context, exec *models.SubscriptionExecution) error
}

type PgStore struct {
	pool          *pgxpool.Pool
	triggered     *repos.TriggeredRepo
	executions    *repos.ExecutionsRepo
	subscriptions *repos.SubscriptionsRepo
}

func NewPgStore(pool *pgxpool.Pool, triggered *repos.TriggeredRepo, executions *repos.ExecutionsRepo, subscriptions *repos.SubscriptionsRepo) *PgStore {
	return &PgStore{pool: pool, triggered: triggered, executions: executions, subscriptions: subscriptions}
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

func (s *PgStore) FindActiveMatching(ctx context.Context, subscriptionID int64, dedup []models.TriggeredSubscriptionData) ([]*models.TriggeredSubscription, error) {
	return s.triggered.FindActiveMatching(ctx, s.pool, subscriptionID, dedup)
}

func (s *PgStore) FindActiveByConnectID(ctx context.Context, connectID string) ([]*models.TriggeredSubscription, error) {
	return s.triggered.FindActiveByConnectID(ctx, connectID)
}

func (s *PgStore) FindActiveWithDeadline(ctx context.Context) ([]*models.TriggeredSubscription, error) {
	return s.triggered.FindActiveWithDeadline(ctx)
}

func (s *PgStore) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return s.subscriptions.GetByID(ctx, s.pool, id)
}

func (s *PgStore) StopPendingExecutions(ctx context.Context, triggeredID int64) error {
	return s.executions.StopPending(ctx, s.pool, triggeredID)
}

func (s *PgStore) UpdateStatus(ctx context.Context, triggeredID int64, status models.TriggeredStatus) error {
	return s.triggered.UpdateStatus(ctx, s.pool, triggeredID, status)
}

func (s *PgStore) Insert(ctx context.Context, ts *models.TriggeredSubscription) error {
	return s.triggered.Insert(ctx, s.pool, ts)
}

type pgTx struct {
	store *PgStore
	tx    pgx.Tx
}

func (t *pgTx) AdvisoryLock(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (t *pgTx) FindActiveMatching(ctx context.Context, subscriptionID int64, dedup []models.TriggeredSubscriptionData) ([]*models.TriggeredSubscription, error) {
	return t.store.triggered.FindActiveMatching(ctx, t.tx, subscriptionID, dedup)
}

func (t *pgTx) UpdateStatus(ctx context.Context, triggeredID int64, status models.TriggeredStatus) error {
	return t.store.triggered.UpdateStatus(ctx, t.tx, triggeredID, status)
}

func (t *pgTx) StopPendingExecutions(ctx context.Context, triggeredID int64) error {
	return t.store.executions.StopPending(ctx, t.tx, triggeredID)
}

func (t *pgTx) Insert(ctx context.Context, ts *models.TriggeredSubscription) error {
	return t.store.triggered.Insert(ctx, t.tx, ts)
}

func (t *pgTx) InsertExecution(ctx context.Context, exec *models.SubscriptionExecution) error {
	return t.store.executions.Insert(ctx, t.tx, exec)
}
