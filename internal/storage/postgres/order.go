package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/order"
)

const orderColumns = `id, seller_id, customer_id, customer_email, kind, plan_id,
	total_amount, payment_method, policy_plan_id, policy_percent, policy_fixed_fee,
	commission_amount, provider_amount, status,
	card_provider_ref, pix_provider_a_ref, pix_provider_b_ref,
	access_email_sent, plan_applied, split_payment, provider_received_directly,
	seller_account_ref, transfer_status, transfer_id,
	manual_review, annotations, risk_score, risk_level,
	created_at, paid_at, cancelled_at, expired_at, updated_at, version`

const createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, 1)`

const updateOrderSQL = `UPDATE orders SET
	commission_amount = $2, provider_amount = $3, status = $4,
	card_provider_ref = $5, pix_provider_a_ref = $6, pix_provider_b_ref = $7,
	access_email_sent = $8, plan_applied = $9,
	transfer_status = $10, transfer_id = $11,
	manual_review = $12, annotations = $13,
	paid_at = $14, cancelled_at = $15, expired_at = $16, updated_at = $17,
	version = version + 1
	WHERE id = $1 AND version = $18
	RETURNING version`

var refColumns = map[order.Provider]string{
	order.ProviderCard: "card_provider_ref",
	order.ProviderPixA: "pix_provider_a_ref",
	order.ProviderPixB: "pix_provider_b_ref",
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Annotations are stored as a JSONB array.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	annotations, err := marshalAnnotations(o.Annotations)
	if err != nil {
		return err
	}

	_, err = conn(ctx, r.pool).Exec(ctx, createOrderSQL,
		o.ID, o.SellerID, o.CustomerID, o.CustomerEmail, string(o.Kind), o.PlanID,
		o.TotalAmount, string(o.PaymentMethod), o.Policy.PlanID, o.Policy.CommissionPercent, o.Policy.FixedFee,
		o.CommissionAmount, o.ProviderAmount, string(o.Status),
		o.CardProviderRef, o.PixProviderARef, o.PixProviderBRef,
		o.AccessEmailSent, o.PlanApplied, o.SplitPayment, o.ProviderReceivedDirectly,
		o.SellerAccountRef, string(o.TransferStatus), o.TransferID,
		o.ManualReview, annotations, o.RiskScore, o.RiskLevel,
		o.CreatedAt, o.PaidAt, o.CancelledAt, o.ExpiredAt, o.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	o.Version = 1
	return nil
}

// Get returns the order with id or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	return o, nil
}

// FindByProviderRef returns the order linked to the provider reference.
func (r *OrderRepository) FindByProviderRef(ctx context.Context, p order.Provider, ref string) (*order.Order, error) {
	col, ok := refColumns[p]
	if !ok || ref == "" {
		return nil, order.ErrNotFound
	}
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+col+` = $1`, ref)
	o, err := scanOrder(row)
	if err != nil {
		return nil, errors.Wrapf(err, "find order by %s ref", p)
	}
	return o, nil
}

// Update implements compare-and-swap on the version column. Only the fields
// the state machine and processor mutate are written.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order, expectedVersion int64) error {
	annotations, err := marshalAnnotations(o.Annotations)
	if err != nil {
		return err
	}

	var version int64
	err = conn(ctx, r.pool).QueryRow(ctx, updateOrderSQL,
		o.ID, o.CommissionAmount, o.ProviderAmount, string(o.Status),
		o.CardProviderRef, o.PixProviderARef, o.PixProviderBRef,
		o.AccessEmailSent, o.PlanApplied,
		string(o.TransferStatus), o.TransferID,
		o.ManualReview, annotations,
		o.PaidAt, o.CancelledAt, o.ExpiredAt, o.UpdatedAt,
		expectedVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missOrConflict(ctx, o.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "update order %q", o.ID)
	}
	o.Version = version
	return nil
}

// Delete removes the order when its version still matches.
func (r *OrderRepository) Delete(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM orders WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return errors.Wrapf(err, "delete order %q", id)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// ListForReview returns orders flagged for manual review, oldest first.
func (r *OrderRepository) ListForReview(ctx context.Context, limit int) ([]order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE manual_review ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list review queue")
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListPendingTransfers implements order.Repository.
func (r *OrderRepository) ListPendingTransfers(ctx context.Context, paidBefore time.Time) ([]order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE transfer_status = 'pending' AND paid_at < $1 ORDER BY paid_at`, paidBefore)
	if err != nil {
		return nil, errors.Wrap(err, "list pending transfers")
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *OrderRepository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check order %q", id)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrVersionConflict
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o           order.Order
		kind        string
		method      string
		status      string
		transfer    string
		annotations []byte
	)
	err := row.Scan(
		&o.ID, &o.SellerID, &o.CustomerID, &o.CustomerEmail, &kind, &o.PlanID,
		&o.TotalAmount, &method, &o.Policy.PlanID, &o.Policy.CommissionPercent, &o.Policy.FixedFee,
		&o.CommissionAmount, &o.ProviderAmount, &status,
		&o.CardProviderRef, &o.PixProviderARef, &o.PixProviderBRef,
		&o.AccessEmailSent, &o.PlanApplied, &o.SplitPayment, &o.ProviderReceivedDirectly,
		&o.SellerAccountRef, &transfer, &o.TransferID,
		&o.ManualReview, &annotations, &o.RiskScore, &o.RiskLevel,
		&o.CreatedAt, &o.PaidAt, &o.CancelledAt, &o.ExpiredAt, &o.UpdatedAt, &o.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Kind = order.Kind(kind)
	o.PaymentMethod = commission.Method(method)
	o.Status = order.Status(status)
	o.TransferStatus = order.TransferStatus(transfer)
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &o.Annotations); err != nil {
			return nil, errors.Wrap(err, "unmarshal annotations")
		}
	}
	return &o, nil
}

func marshalAnnotations(a []order.Annotation) ([]byte, error) {
	if a == nil {
		a = []order.Annotation{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "marshal annotations")
	}
	return b, nil
}
