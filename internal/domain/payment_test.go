package domain

import (
	"testing"
	"time"
)

func TestPayment_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payment *Payment
		wantErr bool
	}{
		{
			name: "valid payment",
			payment: &Payment{
				OrderID:   "ORDER_a1b2c3d4",
				UserID:    "user-1",
				Amount:    399.98,
				Method:    "CREDIT_CARD",
				Status:    PaymentStatusPending,
				CreatedAt: time.Now(),
			},
			wantErr: false,
		},
		{
			name: "missing order ID",
			payment: &Payment{
				UserID: "user-1",
				Amount: 100,
				Method: "CREDIT_CARD",
			},
			wantErr: true,
		},
		{
			name: "missing user ID",
			payment: &Payment{
				OrderID: "ORDER_a1b2c3d4",
				Amount:  100,
				Method:  "CREDIT_CARD",
			},
			wantErr: true,
		},
		{
			name: "missing method",
			payment: &Payment{
				OrderID: "ORDER_a1b2c3d4",
				UserID:  "user-1",
				Amount:  100,
			},
			wantErr: true,
		},
		{
			name: "non-positive amount",
			payment: &Payment{
				OrderID: "ORDER_a1b2c3d4",
				UserID:  "user-1",
				Amount:  0,
				Method:  "CREDIT_CARD",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.payment.Validate()

			if tt.wantErr && len(errs) == 0 {
				t.Error("expected validation errors, got none")
			}
			if !tt.wantErr && len(errs) > 0 {
				t.Errorf("expected no errors, got %d: %v", len(errs), errs)
			}
		})
	}
}

func TestPaymentStatus_Terminal(t *testing.T) {
	if PaymentStatusPending.Terminal() {
		t.Error("PENDING must not be terminal")
	}
	if !PaymentStatusSuccess.Terminal() {
		t.Error("SUCCESS must be terminal")
	}
	if !PaymentStatusFailed.Terminal() {
		t.Error("FAILED must be terminal")
	}
}

func TestNewPaymentDetails_TransactionTime(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	settled := created.Add(time.Second)

	pending := Payment{ID: "PAY_1", OrderID: "ORDER_1", CreatedAt: created}
	if got := NewPaymentDetails(pending).TransactionTime; !got.Equal(created) {
		t.Fatalf("pending payment must use CreatedAt, got %v", got)
	}

	done := pending
	done.SettledAt = &settled
	details := NewPaymentDetails(done)
	if !details.TransactionTime.Equal(settled) {
		t.Fatalf("settled payment must use SettledAt, got %v", details.TransactionTime)
	}
	if details.OrderRef != "ORDER_1" {
		t.Fatalf("expected order ref ORDER_1, got %s", details.OrderRef)
	}
}
