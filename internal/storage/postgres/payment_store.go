package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/opc/internal/domain"
)

// paymentStorePostgres хранит платежи и возвраты в PostgreSQL.
// Идемпотентность по заказу обеспечивается ограничением UNIQUE (order_id):
// вставка выполняется одним запросом INSERT ... ON CONFLICT DO NOTHING.
type paymentStorePostgres struct {
	db *sql.DB
}

// NewPaymentStore создаёт PostgreSQL-реализацию PaymentStore.
func NewPaymentStore(store *Store) domain.PaymentStore {
	return &paymentStorePostgres{db: store.DB()}
}

// CreateIdempotent вставляет платёж, если по заказу его ещё нет.
// При конфликте по order_id возвращается существующая запись и created=false.
func (s *paymentStorePostgres) CreateIdempotent(payment domain.Payment) (domain.Payment, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, order_id, user_id, amount, method, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (order_id) DO NOTHING
	`,
		payment.ID, payment.OrderID, payment.UserID,
		payment.Amount, payment.Method, string(payment.Status), payment.CreatedAt,
	)
	if err != nil {
		return domain.Payment{}, false, fmt.Errorf("insert payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Payment{}, false, fmt.Errorf("rows affected for payment insert: %w", err)
	}
	if affected > 0 {
		return payment, true, nil
	}

	existing, err := s.ByOrder(payment.OrderID)
	if err != nil {
		return domain.Payment{}, false, err
	}
	return existing, false, nil
}

// Get возвращает платёж по идентификатору или ErrPaymentNotFound.
func (s *paymentStorePostgres) Get(id string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return s.queryPayment(ctx, `WHERE id = $1`, id)
}

// ByOrder возвращает платёж заказа через уникальный индекс order_id.
func (s *paymentStorePostgres) ByOrder(orderID string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return s.queryPayment(ctx, `WHERE order_id = $1`, orderID)
}

// ListByUser возвращает платежи пользователя в порядке создания.
func (s *paymentStorePostgres) ListByUser(userID string) ([]domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, amount, method, status, callback_data, created_at, settled_at
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}

	return payments, nil
}

// MarkSettled записывает терминальный статус платежа.
// Строка блокируется на время проверки: побеждает первая терминальная
// запись, повторная попытка возвращает applied=false без ошибки.
func (s *paymentStorePostgres) MarkSettled(id string, status domain.PaymentStatus, callbackData map[string]any) (domain.Payment, bool, error) {
	if !status.Terminal() {
		return domain.Payment{}, false, domain.ErrCallbackStatusInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, false, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM payments WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrPaymentNotFound
			return domain.Payment{}, false, err
		}
		return domain.Payment{}, false, fmt.Errorf("lock payment row: %w", err)
	}

	if domain.PaymentStatus(current).Terminal() {
		// Платёж уже разрешён: возвращаем его как есть.
		if commitErr := tx.Commit(); commitErr != nil {
			return domain.Payment{}, false, fmt.Errorf("commit settled check: %w", commitErr)
		}
		payment, getErr := s.Get(id)
		if getErr != nil {
			return domain.Payment{}, false, getErr
		}
		return payment, false, nil
	}

	var callbackJSON []byte
	if callbackData != nil {
		callbackJSON, err = json.Marshal(callbackData)
		if err != nil {
			return domain.Payment{}, false, fmt.Errorf("marshal callback data: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $2,
		    settled_at = $3,
		    callback_data = COALESCE($4, callback_data)
		WHERE id = $1
	`, id, string(status), time.Now().UTC(), callbackJSON)
	if err != nil {
		return domain.Payment{}, false, fmt.Errorf("update payment status: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.Payment{}, false, fmt.Errorf("commit settlement: %w", err)
	}

	payment, err := s.Get(id)
	if err != nil {
		return domain.Payment{}, false, err
	}
	return payment, true, nil
}

// Validate сообщает, есть ли по заказу платёж данного пользователя.
func (s *paymentStorePostgres) Validate(orderID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments WHERE order_id = $1 AND user_id = $2
		)
	`, orderID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("validate payment: %w", err)
	}

	return exists, nil
}

// CreateRefund сохраняет возврат в статусе PROCESSING.
func (s *paymentStorePostgres) CreateRefund(refund domain.Refund) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (
			id, payment_id, order_id, amount, reason, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		refund.ID, refund.PaymentID, refund.OrderID,
		refund.Amount, refund.Reason, string(refund.Status), refund.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}

	return nil
}

// GetRefund возвращает возврат по идентификатору или ErrRefundNotFound.
func (s *paymentStorePostgres) GetRefund(id string) (domain.Refund, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return s.queryRefund(ctx, id)
}

// ResolveRefund записывает терминальный статус возврата по правилу
// первой терминальной записи.
func (s *paymentStorePostgres) ResolveRefund(id string, status domain.RefundStatus) (domain.Refund, bool, error) {
	if !status.Terminal() {
		return domain.Refund{}, false, domain.ErrCallbackStatusInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Refund{}, false, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM refunds WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrRefundNotFound
			return domain.Refund{}, false, err
		}
		return domain.Refund{}, false, fmt.Errorf("lock refund row: %w", err)
	}

	if domain.RefundStatus(current).Terminal() {
		if commitErr := tx.Commit(); commitErr != nil {
			return domain.Refund{}, false, fmt.Errorf("commit resolved check: %w", commitErr)
		}
		refund, getErr := s.queryRefund(ctx, id)
		if getErr != nil {
			return domain.Refund{}, false, getErr
		}
		return refund, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refunds
		SET status = $2,
		    resolved_at = $3
		WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return domain.Refund{}, false, fmt.Errorf("update refund status: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.Refund{}, false, fmt.Errorf("commit refund resolution: %w", err)
	}

	refund, err := s.queryRefund(ctx, id)
	if err != nil {
		return domain.Refund{}, false, err
	}
	return refund, true, nil
}

func (s *paymentStorePostgres) queryPayment(ctx context.Context, where string, arg any) (domain.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, amount, method, status, callback_data, created_at, settled_at
		FROM payments `+where,
		arg,
	)

	payment, err := scanPayment(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, err
	}

	return payment, nil
}

func (s *paymentStorePostgres) queryRefund(ctx context.Context, id string) (domain.Refund, error) {
	var (
		refund   domain.Refund
		status   string
		resolved sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, payment_id, order_id, amount, reason, status, created_at, resolved_at
		FROM refunds
		WHERE id = $1
	`, id).Scan(
		&refund.ID, &refund.PaymentID, &refund.OrderID,
		&refund.Amount, &refund.Reason, &status, &refund.CreatedAt, &resolved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Refund{}, domain.ErrRefundNotFound
		}
		return domain.Refund{}, fmt.Errorf("select refund: %w", err)
	}

	refund.Status = domain.RefundStatus(status)
	if resolved.Valid {
		t := resolved.Time.UTC()
		refund.ResolvedAt = &t
	}

	return refund, nil
}

func scanPayment(scan func(dest ...any) error) (domain.Payment, error) {
	var (
		payment      domain.Payment
		status       string
		callbackJSON []byte
		settled      sql.NullTime
	)

	if err := scan(
		&payment.ID, &payment.OrderID, &payment.UserID,
		&payment.Amount, &payment.Method, &status,
		&callbackJSON, &payment.CreatedAt, &settled,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, err
		}
		return domain.Payment{}, fmt.Errorf("scan payment row: %w", err)
	}

	payment.Status = domain.PaymentStatus(status)
	if settled.Valid {
		t := settled.Time.UTC()
		payment.SettledAt = &t
	}
	if len(callbackJSON) > 0 {
		if err := json.Unmarshal(callbackJSON, &payment.CallbackData); err != nil {
			return domain.Payment{}, fmt.Errorf("unmarshal callback data: %w", err)
		}
	}

	return payment, nil
}

var _ domain.PaymentStore = (*paymentStorePostgres)(nil)
