package models

import "time"

// TransactionStatus is the lifecycle state of one payment attempt.
type TransactionStatus string

const (
	TxnInitiated  TransactionStatus = "initiated"
	TxnRedirected TransactionStatus = "redirected"
	TxnVerified   TransactionStatus = "verified"
	TxnSettled    TransactionStatus = "settled"
	TxnFailed     TransactionStatus = "failed"
	TxnReverted   TransactionStatus = "reverted"
	TxnCancelled  TransactionStatus = "cancelled"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxnInitiated:  {TxnRedirected, TxnFailed},
	TxnRedirected: {TxnVerified, TxnFailed},
	TxnVerified:   {TxnSettled, TxnReverted},
	TxnSettled:    {TxnCancelled},
}

// CanTransitionTo reports whether the transaction may move from s to next.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s closes the payment attempt. Settled is terminal for the
// callback flow; only an explicit cancel moves it further.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TxnSettled, TxnFailed, TxnReverted, TxnCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the provider may still report an outcome for the attempt.
func (s TransactionStatus) IsOpen() bool {
	return s == TxnInitiated || s == TxnRedirected
}

func (s TransactionStatus) String() string {
	return string(s)
}

// Purpose is what a settled transaction pays for.
type Purpose string

const (
	PurposeOrderPayment Purpose = "order_payment"
	PurposeWalletTopUp  Purpose = "wallet_topup"
)

// Transaction is one payment attempt against a gateway. Amount never changes after creation.
type Transaction struct {
	ID                  string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID             string            `json:"order_id,omitempty" gorm:"index;type:varchar(36)"`
	UserID              string            `json:"user_id" gorm:"index;type:varchar(36)"`
	Purpose             Purpose           `json:"purpose" gorm:"type:varchar(16)"`
	Gateway             string            `json:"gateway" gorm:"uniqueIndex:idx_gateway_token;type:varchar(32)"`
	Token               *string           `json:"token,omitempty" gorm:"uniqueIndex:idx_gateway_token;type:varchar(128)"`
	ProviderReference   string            `json:"provider_reference,omitempty" gorm:"type:varchar(128)"`
	Amount              int64             `json:"amount"`
	Currency            string            `json:"currency" gorm:"type:varchar(8)"`
	Status              TransactionStatus `json:"status" gorm:"index;type:varchar(16)"`
	ProviderStatus      string            `json:"provider_status,omitempty"`
	VerifiedAmount      int64             `json:"verified_amount,omitempty"`
	NeedsReconciliation bool              `json:"needs_reconciliation" gorm:"index"`
	ReconcileReason     string            `json:"reconcile_reason,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CallbackPayload     string            `json:"-" gorm:"type:text"`
	RawPayload          string            `json:"-" gorm:"type:text"`
	InitiatedAt         time.Time         `json:"initiated_at"`
	RedirectedAt        *time.Time        `json:"redirected_at,omitempty"`
	VerifiedAt          *time.Time        `json:"verified_at,omitempty"`
	SettledAt           *time.Time        `json:"settled_at,omitempty"`
	FailedAt            *time.Time        `json:"failed_at,omitempty"`
	RevertedAt          *time.Time        `json:"reverted_at,omitempty"`
	CancelledAt         *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// TokenValue returns the callback correlation token, or "" before the gateway issued one.
func (t Transaction) TokenValue() string {
	if t.Token == nil {
		return ""
	}
	return *t.Token
}

// StampStatus records the time of entering status on the matching timestamp field.
func (t *Transaction) StampStatus(status TransactionStatus, at time.Time) {
	ts := at
	switch status {
	case TxnInitiated:
		t.InitiatedAt = at
	case TxnRedirected:
		t.RedirectedAt = &ts
	case TxnVerified:
		t.VerifiedAt = &ts
	case TxnSettled:
		t.SettledAt = &ts
	case TxnFailed:
		t.FailedAt = &ts
	case TxnReverted:
		t.RevertedAt = &ts
	case TxnCancelled:
		t.CancelledAt = &ts
	}
}

// TransactionEvent is an append-only audit row for every transition or flag on a transaction.
type TransactionEvent struct {
	ID            uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	TransactionID string            `json:"transaction_id" gorm:"index;type:varchar(36)"`
	FromStatus    TransactionStatus `json:"from_status" gorm:"type:varchar(16)"`
	ToStatus      TransactionStatus `json:"to_status" gorm:"type:varchar(16)"`
	Note          string            `json:"note"`
	RawPayload    string            `json:"-" gorm:"type:text"`
	CreatedAt     time.Time         `json:"created_at"`
}
