package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/payledger/internal/domain/payout"
)

const payoutColumns = `id, user_id, gross_amount, fee, net_amount, method, status,
	external_transfer_id, failure_reason, created_at, processed_at`

// earnedSQL sums the seller share the platform holds: paid orders that were
// neither split at the provider nor transferred out to a connected account.
const earnedSQL = `SELECT COALESCE(SUM(provider_amount), 0)::BIGINT FROM orders
	WHERE seller_id = $1
		AND status = 'paid'
		AND NOT split_payment
		AND transfer_status NOT IN ('pending', 'completed')`

var _ payout.Repository = (*PayoutRepository)(nil)

// PayoutRepository implements payout.Repository backed by PostgreSQL.
type PayoutRepository struct {
	pool *pgxpool.Pool
}

// NewPayoutRepository returns a PayoutRepository that uses the given pool.
func NewPayoutRepository(pool *pgxpool.Pool) *PayoutRepository {
	return &PayoutRepository{pool: pool}
}

// EarnedAmount implements payout.Repository.
func (r *PayoutRepository) EarnedAmount(ctx context.Context, userID string) (int64, error) {
	var sum int64
	if err := conn(ctx, r.pool).QueryRow(ctx, earnedSQL, userID).Scan(&sum); err != nil {
		return 0, errors.Wrap(err, "sum earnings")
	}
	return sum, nil
}

// CommittedAmount implements payout.Repository.
func (r *PayoutRepository) CommittedAmount(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(SUM(gross_amount), 0)::BIGINT FROM payouts
		WHERE user_id = $1 AND status IN ('processing', 'completed')`, userID).Scan(&sum)
	if err != nil {
		return 0, errors.Wrap(err, "sum payouts")
	}
	return sum, nil
}

// Create implements payout.Repository.
func (r *PayoutRepository) Create(ctx context.Context, p *payout.Payout) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.UserID, p.GrossAmount, p.Fee, p.NetAmount, string(p.Method), string(p.Status),
		p.ExternalTransferID, p.FailureReason, p.CreatedAt, p.ProcessedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create payout %q", p.ID)
	}
	return nil
}

// Get implements payout.Repository.
func (r *PayoutRepository) Get(ctx context.Context, id string) (*payout.Payout, error) {
	p, err := scanPayout(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		return nil, errors.Wrapf(err, "get payout %q", id)
	}
	return p, nil
}

// Complete implements payout.Repository.
func (r *PayoutRepository) Complete(ctx context.Context, id, transferID string, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE payouts
		SET status = 'completed', external_transfer_id = $2, processed_at = $3
		WHERE id = $1 AND status = 'processing'`, id, transferID, at)
	if err != nil {
		return errors.Wrapf(err, "complete payout %q", id)
	}
	return r.checkFinished(ctx, id, tag.RowsAffected())
}

// Fail implements payout.Repository.
func (r *PayoutRepository) Fail(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE payouts
		SET status = 'failed', failure_reason = $2, processed_at = $3
		WHERE id = $1 AND status = 'processing'`, id, reason, at)
	if err != nil {
		return errors.Wrapf(err, "fail payout %q", id)
	}
	return r.checkFinished(ctx, id, tag.RowsAffected())
}

// ListProcessing implements payout.Repository.
func (r *PayoutRepository) ListProcessing(ctx context.Context, olderThan time.Time) ([]payout.Payout, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'processing' AND created_at < $1 ORDER BY created_at`, olderThan)
	if err != nil {
		return nil, errors.Wrap(err, "list processing payouts")
	}
	defer rows.Close()

	var out []payout.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payout")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PayoutRepository) checkFinished(ctx context.Context, id string, affected int64) error {
	if affected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return payout.ErrNotProcessing
}

func scanPayout(row pgx.Row) (*payout.Payout, error) {
	var (
		p      payout.Payout
		method string
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.GrossAmount, &p.Fee, &p.NetAmount, &method, &status,
		&p.ExternalTransferID, &p.FailureReason, &p.CreatedAt, &p.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payout.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Method = payout.Method(method)
	p.Status = payout.Status(status)
	return &p, nil
}
