package wallets

import "context"

// SettleState is the tri-state outcome of a status read. Unknown means the
// backend could not answer; it must never be collapsed into "failed" and it
// never resolves a pending payment.
type SettleState int

const (
	StateUnknown SettleState = iota
	StatePending
	StateSettled
	StateFailed
)

// PaymentStatus is the result of a pure status read against a backend.
type PaymentStatus struct {
	State SettleState
}

func (s PaymentStatus) Settled() bool { return s.State == StateSettled }
func (s PaymentStatus) Failed() bool  { return s.State == StateFailed }
func (s PaymentStatus) Known() bool   { return s.State != StateUnknown }

// InvoiceResponse is returned by CreateInvoice. Backend failures surface as
// Ok=false with ErrorMessage, never as an error crossing the wallet boundary.
type InvoiceResponse struct {
	Ok             bool
	CheckingID     string
	PaymentRequest string
	ErrorMessage   string
}

// PaymentResponse is returned by PayInvoice.
type PaymentResponse struct {
	Ok           bool
	CheckingID   string
	FeeMsat      int64
	ErrorMessage string
}

// Wallet is the capability set every payment-processor backend implements.
// CheckingIDs are backend-specific; they may or may not equal the payment
// hash.
type Wallet interface {
	Name() string
	CreateInvoice(ctx context.Context, amountMsat int64, memo string, descriptionHash []byte) InvoiceResponse
	PayInvoice(ctx context.Context, bolt11 string) PaymentResponse
	InvoiceStatus(ctx context.Context, checkingID string) PaymentStatus
	PaymentStatus(ctx context.Context, checkingID string) PaymentStatus
}

// InvoiceStreamer is implemented by wallets that can push settled checking
// ids. The channel is created at wallet construction and lives as long as
// the wallet; order across invoices is not guaranteed.
type InvoiceStreamer interface {
	PaidInvoicesStream() <-chan string
}

// WebhookIngester is implemented by wallets that accept push notifications
// from their backend. Malformed or irrelevant payloads are absorbed as
// no-ops.
type WebhookIngester interface {
	IngestWebhook(ctx context.Context, payload []byte)
}
