package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"
)

// DeductJobArgs carries one ledger deduction through the job queue.
type DeductJobArgs struct {
	CompanyID string `json:"company_id"`
	UserID    string `json:"user_id"`
	FeatID    string `json:"feat_id"`
	Value     int64  `json:"value"`
	MessageID string `json:"message_id"`
}

// Kind returns the job kind for River
func (DeductJobArgs) Kind() string {
	return "ledger_deduct"
}

// DeductWorker posts deductions to the ledger in the background. The run
// that produced the usage has already moved on; if all attempts fail the
// loss is logged and accepted.
type DeductWorker struct {
	river.WorkerDefaults[DeductJobArgs]
	ledger  Ledger
	timeout time.Duration
}

// Work performs one deduction attempt.
func (w *DeductWorker) Work(ctx context.Context, job *river.Job[DeductJobArgs]) error {
	args := job.Args

	dctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.ledger.Deduct(dctx, DeductRequest{
		CompanyID: args.CompanyID,
		UserID:    args.UserID,
		FeatID:    args.FeatID,
		Value:     args.Value,
		MessageID: args.MessageID,
	})
	if err != nil {
		if job.Attempt >= job.MaxAttempts {
			log.Error().
				Str("company_id", args.CompanyID).
				Str("feat_id", args.FeatID).
				Int64("credits", args.Value).
				Err(err).
				Msg("Deduction permanently failed, credits not charged")
		}
		return fmt.Errorf("deduct %d credits for %s: %w", args.Value, args.CompanyID, err)
	}

	log.Debug().
		Str("company_id", args.CompanyID).
		Str("feat_id", args.FeatID).
		Int64("credits", args.Value).
		Msg("Deduction applied")
	return nil
}

// DeductQueue manages the River queue for ledger deductions.
type DeductQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
}

const deductMaxAttempts = 4

// NewDeductQueue creates the deduction queue on an existing pool.
func NewDeductQueue(pool *pgxpool.Pool, ledger Ledger, timeout time.Duration) (*DeductQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &DeductWorker{ledger: ledger, timeout: timeout})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &DeductQueue{client: client, pool: pool}, nil
}

// Start starts the queue workers.
func (q *DeductQueue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop stops the queue workers.
func (q *DeductQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueDeduction queues one deduction with bounded retries.
func (q *DeductQueue) EnqueueDeduction(ctx context.Context, req DeductRequest) error {
	args := DeductJobArgs{
		CompanyID: req.CompanyID,
		UserID:    req.UserID,
		FeatID:    req.FeatID,
		Value:     req.Value,
		MessageID: req.MessageID,
	}

	_, err := q.client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: deductMaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to queue deduction: %w", err)
	}
	return nil
}
