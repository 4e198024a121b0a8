package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/payledger/internal/domain/order"
)

var _ order.SellerDirectory = (*SellerRepository)(nil)

// SellerRepository stores the seller settings checkout depends on.
type SellerRepository struct {
	pool *pgxpool.Pool
}

// NewSellerRepository returns a SellerRepository that uses the given pool.
func NewSellerRepository(pool *pgxpool.Pool) *SellerRepository {
	return &SellerRepository{pool: pool}
}

// Seller implements order.SellerDirectory.
func (r *SellerRepository) Seller(ctx context.Context, id string) (order.Seller, error) {
	var s order.Seller
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, plan_id, account_ref, split_payment, receives_directly FROM sellers WHERE id = $1`, id,
	).Scan(&s.ID, &s.PlanID, &s.AccountRef, &s.SplitPayment, &s.ReceivesDirectly)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Seller{}, order.ErrSellerNotFound
	}
	if err != nil {
		return order.Seller{}, errors.Wrapf(err, "get seller %q", id)
	}
	return s, nil
}

// Upsert creates or replaces a seller.
func (r *SellerRepository) Upsert(ctx context.Context, s order.Seller) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `INSERT INTO sellers (id, plan_id, account_ref, split_payment, receives_directly)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			account_ref = EXCLUDED.account_ref,
			split_payment = EXCLUDED.split_payment,
			receives_directly = EXCLUDED.receives_directly`,
		s.ID, s.PlanID, s.AccountRef, s.SplitPayment, s.ReceivesDirectly,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert seller %q", s.ID)
	}
	return nil
}
