package reconciler

import (
	"context"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/massmux/SatsSettle/internal/payments"
	"github.com/massmux/SatsSettle/internal/wallets"
)

// Notifier receives payments the moment they flip to terminal-paid.
type Notifier interface {
	OnInvoicePaid(p *payments.Payment)
}

// Reconciler is the single authority that moves payments from pending to a
// terminal state. It polls pending records on an interval and drains the
// event streams of push-capable wallets; both paths funnel into the same
// monotonic store transition, so seeing a settlement twice is a no-op.
type Reconciler struct {
	store    *payments.Store
	wallets  map[string]wallets.Wallet
	notifier Notifier

	interval time.Duration
	ttl      time.Duration
	limiter  *rate.Limiter
	inflight cmap.ConcurrentMap
}

func New(store *payments.Store, backends map[string]wallets.Wallet, notifier Notifier, interval, ttl time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		wallets:  backends,
		notifier: notifier,
		interval: interval,
		ttl:      ttl,
		// keeps a sweep from hammering backends with status reads
		limiter:  rate.NewLimiter(rate.Limit(20), 20),
		inflight: cmap.New(),
	}
}

// Start launches the sweep loop and one consumer per streaming wallet. The
// loops run until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.sweepLoop(ctx)
	for name, w := range r.wallets {
		if streamer, ok := w.(wallets.InvoiceStreamer); ok {
			log.Infof("[Reconciler] consuming %s event stream", name)
			go r.consume(ctx, name, streamer)
		}
	}
}

func (r *Reconciler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep purges expired invoices and re-checks every pending record against
// its wallet. Per-record failures are logged and retried next interval,
// never aborting the sweep.
func (r *Reconciler) Sweep(ctx context.Context) {
	if n, err := r.store.DeleteExpired(r.ttl); err != nil {
		log.Errorf("[Reconciler] expiry sweep: %v", err)
	} else if n > 0 {
		log.Infof("[Reconciler] purged %d expired invoices", n)
	}

	pending, err := r.store.Pending()
	if err != nil {
		log.Errorf("[Reconciler] listing pending payments: %v", err)
		return
	}
	for _, p := range pending {
		if err := r.Check(ctx, p); err != nil {
			log.Warnf("[Reconciler] check %s: %v", p.PaymentHash, err)
		}
	}
}

// Check performs one status read for a pending payment and applies the
// resulting transition. Unknown never resolves anything.
func (r *Reconciler) Check(ctx context.Context, p *payments.Payment) error {
	if !p.Pending || p.CheckingID == "" {
		return nil
	}
	w, ok := r.wallets[p.Wallet]
	if !ok {
		log.Warnf("[Reconciler] payment %s references unconfigured wallet %s", p.PaymentHash, p.Wallet)
		return nil
	}
	if !r.inflight.SetIfAbsent(p.CheckingID, struct{}{}) {
		return nil
	}
	defer r.inflight.Remove(p.CheckingID)
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	var status wallets.PaymentStatus
	if p.Incoming() {
		status = w.InvoiceStatus(ctx, p.CheckingID)
	} else {
		status = w.PaymentStatus(ctx, p.CheckingID)
	}
	switch {
	case status.Settled():
		r.settle(p.PaymentHash)
	case status.Failed() && !p.Incoming():
		if _, flipped, err := r.store.MarkFailed(p.PaymentHash); err != nil {
			return err
		} else if flipped {
			log.Infof("[Reconciler] payment %s failed on %s", p.PaymentHash, p.Wallet)
		}
	}
	return nil
}

// ObserveSettled resolves a checking id delivered by a wallet event stream.
// Unknown ids are logged and dropped.
func (r *Reconciler) ObserveSettled(wallet, checkingID string) {
	p, err := r.store.ByCheckingID(wallet, checkingID)
	if err != nil {
		log.Warnf("[Reconciler] dropping settlement event for unknown checking_id %s (%s)", checkingID, wallet)
		return
	}
	r.settle(p.PaymentHash)
}

func (r *Reconciler) consume(ctx context.Context, name string, streamer wallets.InvoiceStreamer) {
	stream := streamer.PaidInvoicesStream()
	for {
		select {
		case checkingID, ok := <-stream:
			if !ok {
				return
			}
			r.ObserveSettled(name, checkingID)
		case <-ctx.Done():
			return
		}
	}
}

// settle flips the payment to paid; the notifier only fires on the call
// that actually performed the flip, and never blocks reconciliation.
func (r *Reconciler) settle(paymentHash string) {
	p, flipped, err := r.store.MarkPaid(paymentHash)
	if err != nil {
		log.Errorf("[Reconciler] settling %s: %v", paymentHash, err)
		return
	}
	if !flipped {
		return
	}
	log.Infof("[Reconciler] payment %s settled on %s", p.PaymentHash, p.Wallet)
	if r.notifier != nil {
		go r.notifier.OnInvoicePaid(p)
	}
}
