package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massmux/SatsSettle/internal/errors"
	"github.com/massmux/SatsSettle/internal/payments"
	"github.com/massmux/SatsSettle/internal/storage"
	"github.com/massmux/SatsSettle/internal/wallets"
)

type fakeWallet struct {
	mu     sync.Mutex
	name   string
	status map[string]wallets.SettleState
	queue  chan string
}

func newFakeWallet(name string) *fakeWallet {
	return &fakeWallet{
		name:   name,
		status: make(map[string]wallets.SettleState),
		queue:  make(chan string, 16),
	}
}

func (f *fakeWallet) setStatus(checkingID string, state wallets.SettleState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[checkingID] = state
}

func (f *fakeWallet) Name() string { return f.name }

func (f *fakeWallet) CreateInvoice(ctx context.Context, amountMsat int64, memo string, descriptionHash []byte) wallets.InvoiceResponse {
	return wallets.InvoiceResponse{}
}

func (f *fakeWallet) PayInvoice(ctx context.Context, bolt11 string) wallets.PaymentResponse {
	return wallets.PaymentResponse{}
}

func (f *fakeWallet) InvoiceStatus(ctx context.Context, checkingID string) wallets.PaymentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wallets.PaymentStatus{State: f.status[checkingID]}
}

func (f *fakeWallet) PaymentStatus(ctx context.Context, checkingID string) wallets.PaymentStatus {
	return f.InvoiceStatus(ctx, checkingID)
}

func (f *fakeWallet) PaidInvoicesStream() <-chan string { return f.queue }

type recordingNotifier struct {
	paid chan *payments.Payment
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{paid: make(chan *payments.Payment, 16)}
}

func (n *recordingNotifier) OnInvoicePaid(p *payments.Payment) {
	n.paid <- p
}

func (n *recordingNotifier) waitForOne(t *testing.T) *payments.Payment {
	t.Helper()
	select {
	case p := <-n.paid:
		return p
	case <-time.After(time.Second):
		t.Fatal("expected a paid notification")
		return nil
	}
}

func (n *recordingNotifier) assertNoMore(t *testing.T) {
	t.Helper()
	select {
	case p := <-n.paid:
		t.Fatalf("unexpected extra notification for %s", p.PaymentHash)
	case <-time.After(100 * time.Millisecond):
	}
}

func setup(t *testing.T) (*payments.Store, *fakeWallet, *recordingNotifier, *Reconciler) {
	t.Helper()
	store := payments.NewStore(storage.NewBunt(":memory:"))
	wallet := newFakeWallet("fake")
	notifier := newRecordingNotifier()
	rec := New(store, map[string]wallets.Wallet{"fake": wallet}, notifier, time.Minute, time.Hour)
	return store, wallet, notifier, rec
}

func addPending(t *testing.T, store *payments.Store, hash, checkingID string, amountMsat int64, extra map[string]string) {
	t.Helper()
	require.NoError(t, store.Add(&payments.Payment{
		PaymentHash: hash,
		CheckingID:  checkingID,
		Wallet:      "fake",
		AmountMsat:  amountMsat,
		Pending:     true,
		Extra:       extra,
	}))
}

func TestPollingSettlesOnce(t *testing.T) {
	store, wallet, notifier, rec := setup(t)
	addPending(t, store, "h1", "abc", 1000, map[string]string{"tag": "shop"})
	ctx := context.Background()

	// backend cannot answer yet: unknown must leave the record pending
	wallet.setStatus("abc", wallets.StateUnknown)
	rec.Sweep(ctx)
	p, err := store.Get("h1")
	require.NoError(t, err)
	assert.True(t, p.Pending)
	notifier.assertNoMore(t)

	wallet.setStatus("abc", wallets.StateSettled)
	rec.Sweep(ctx)
	p, err = store.Get("h1")
	require.NoError(t, err)
	assert.False(t, p.Pending)
	paid := notifier.waitForOne(t)
	assert.Equal(t, "h1", paid.PaymentHash)

	// a second sweep over the settled backend state changes nothing
	rec.Sweep(ctx)
	notifier.assertNoMore(t)
}

func TestDuplicateStreamEventsAreNoOps(t *testing.T) {
	store, _, notifier, rec := setup(t)
	addPending(t, store, "h2", "tx9", 1000, nil)

	rec.ObserveSettled("fake", "tx9")
	rec.ObserveSettled("fake", "tx9")

	p, err := store.Get("h2")
	require.NoError(t, err)
	assert.False(t, p.Pending)
	notifier.waitForOne(t)
	notifier.assertNoMore(t)
}

func TestStreamRacingPollSettlesOnce(t *testing.T) {
	store, wallet, notifier, rec := setup(t)
	addPending(t, store, "h3", "txr", 1000, nil)
	wallet.setStatus("txr", wallets.StateSettled)

	rec.ObserveSettled("fake", "txr")
	rec.Sweep(context.Background())

	notifier.waitForOne(t)
	notifier.assertNoMore(t)
}

func TestUnknownCheckingIDIsDropped(t *testing.T) {
	store, _, notifier, rec := setup(t)
	addPending(t, store, "h4", "known", 1000, nil)

	rec.ObserveSettled("fake", "never-seen")

	p, err := store.Get("h4")
	require.NoError(t, err)
	assert.True(t, p.Pending, "unrelated records must be untouched")
	notifier.assertNoMore(t)
}

func TestSweepPurgesExpiredInvoices(t *testing.T) {
	store, wallet, notifier, rec := setup(t)
	require.NoError(t, store.Add(&payments.Payment{
		PaymentHash: "h5",
		CheckingID:  "old",
		Wallet:      "fake",
		AmountMsat:  1000,
		Pending:     true,
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}))
	wallet.setStatus("old", wallets.StateSettled)

	rec.Sweep(context.Background())

	// purged before any status read: it reports does-not-exist, not pending
	_, err := store.Get("h5")
	assert.True(t, errors.IsKind(err, errors.NotFoundError))
	notifier.assertNoMore(t)
}

func TestFailedOutgoingPaymentIsTerminal(t *testing.T) {
	store, wallet, notifier, rec := setup(t)
	addPending(t, store, "h6", "out1", -1000, nil)
	wallet.setStatus("out1", wallets.StateFailed)

	rec.Sweep(context.Background())

	p, err := store.Get("h6")
	require.NoError(t, err)
	assert.False(t, p.Pending)
	assert.True(t, p.Failed)
	notifier.assertNoMore(t)

	// failed is sticky even if the backend later claims settled
	wallet.setStatus("out1", wallets.StateSettled)
	rec.Sweep(context.Background())
	p, _ = store.Get("h6")
	assert.True(t, p.Failed)
	notifier.assertNoMore(t)
}

func TestConsumerDrainsStream(t *testing.T) {
	store, wallet, notifier, rec := setup(t)
	addPending(t, store, "h7", "stream1", 1000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)

	wallet.queue <- "stream1"
	paid := notifier.waitForOne(t)
	assert.Equal(t, "h7", paid.PaymentHash)
}
