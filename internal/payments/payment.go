package payments

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eko/gocache/store"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/massmux/SatsSettle/internal/errors"
	"github.com/massmux/SatsSettle/internal/storage"
)

const (
	paymentKeyPrefix  = "payment:"
	paymentKeyPattern = "payment:*"
	checkingIDIndex   = "payment.checking_id"
)

// Payment is one invoice or outgoing payment of the ledger. AmountMsat is
// positive for incoming and negative for outgoing payments. Pending is
// sticky once false.
type Payment struct {
	PaymentHash string            `json:"payment_hash"`
	CheckingID  string            `json:"checking_id"`
	Wallet      string            `json:"wallet"`
	Bolt11      string            `json:"bolt11"`
	AmountMsat  int64             `json:"amount_msat"`
	FeeMsat     int64             `json:"fee_msat"`
	Pending     bool              `json:"pending"`
	Failed      bool              `json:"failed,omitempty"`
	Memo        string            `json:"memo,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	CreatedAt   time.Time         `json:"created"`
	UpdatedAt   time.Time         `json:"updated"`
}

func (p *Payment) Key() string {
	return paymentKeyPrefix + p.PaymentHash
}

func (p *Payment) Incoming() bool {
	return p.AmountMsat > 0
}

// Paid reports a terminal settled state.
func (p *Payment) Paid() bool {
	return !p.Pending && !p.Failed
}

// Tag identifies the subscriber that created the underlying invoice, if any.
func (p *Payment) Tag() string {
	return p.Extra["tag"]
}

// Store persists payments in bunt, keyed by payment hash with a json index
// on the backend checking id. All settlement transitions go through the
// store lock, which makes them single atomic updates safe to apply twice.
type Store struct {
	db    *storage.DB
	cache *store.GoCacheStore
	mu    sync.Mutex
}

func NewStore(db *storage.DB) *Store {
	db.CreateJsonIndex(checkingIDIndex, paymentKeyPattern, "checking_id")
	return &Store{
		db:    db,
		cache: store.NewGoCache(gocache.New(5*time.Minute, 10*time.Minute), nil),
	}
}

func (s *Store) Add(p *Payment) error {
	if p.PaymentHash == "" {
		return errors.Newf(errors.ValidationError, "payment hash missing")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Get(&Payment{PaymentHash: p.PaymentHash}); err == nil {
		return errors.Newf(errors.ConflictError, "payment %s already exists", p.PaymentHash)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.set(p)
}

func (s *Store) Get(paymentHash string) (*Payment, error) {
	p := &Payment{PaymentHash: paymentHash}
	if cached, err := s.cache.Get(p.Key()); err == nil {
		return cached.(*Payment), nil
	}
	if err := s.db.Get(p); err != nil {
		if storage.NotFound(err) {
			return nil, errors.Newf(errors.NotFoundError, "payment does not exist")
		}
		return nil, err
	}
	if err := s.cache.Set(p.Key(), p, &store.Options{Expiration: 5 * time.Minute}); err != nil {
		log.Errorf("[Store] could not cache payment: %v", err)
	}
	return p, nil
}

// ByCheckingID resolves a backend transaction identifier to its payment.
func (s *Store) ByCheckingID(wallet, checkingID string) (*Payment, error) {
	pivot, _ := sjson.Set("{}", "checking_id", checkingID)
	var match *Payment
	err := s.db.AscendEqual(checkingIDIndex, pivot, func(key, value string) bool {
		p := &Payment{}
		if err := unmarshal(value, p); err != nil {
			log.Errorf("[Store] corrupt payment record %s: %v", key, err)
			return true
		}
		if wallet != "" && p.Wallet != wallet {
			return true
		}
		match = p
		return false
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, errors.Newf(errors.NotFoundError, "no payment with checking_id %s", checkingID)
	}
	return match, nil
}

// Pending returns all records still awaiting a terminal state.
func (s *Store) Pending() ([]*Payment, error) {
	var pending []*Payment
	err := s.db.AscendKeys(paymentKeyPattern, func(key, value string) bool {
		p := &Payment{}
		if err := unmarshal(value, p); err != nil {
			log.Errorf("[Store] corrupt payment record %s: %v", key, err)
			return true
		}
		if p.Pending {
			pending = append(pending, p)
		}
		return true
	})
	return pending, err
}

// MarkPaid flips a payment to terminal-paid. The transition is monotonic:
// the bool reports whether this call performed the flip, repeated calls are
// no-ops.
func (s *Store) MarkPaid(paymentHash string) (*Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Payment{PaymentHash: paymentHash}
	if err := s.db.Get(p); err != nil {
		if storage.NotFound(err) {
			return nil, false, errors.Newf(errors.NotFoundError, "payment does not exist")
		}
		return nil, false, err
	}
	if !p.Pending {
		return p, false, nil
	}
	p.Pending = false
	p.Failed = false
	p.UpdatedAt = time.Now()
	if err := s.set(p); err != nil {
		return nil, false, err
	}
	log.Debugf("[Store] payment %s settled", paymentHash)
	return p, true, nil
}

// MarkFailed flips an outgoing payment to terminal-failed, monotonic like
// MarkPaid.
func (s *Store) MarkFailed(paymentHash string) (*Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Payment{PaymentHash: paymentHash}
	if err := s.db.Get(p); err != nil {
		if storage.NotFound(err) {
			return nil, false, errors.Newf(errors.NotFoundError, "payment does not exist")
		}
		return nil, false, err
	}
	if !p.Pending {
		return p, false, nil
	}
	p.Pending = false
	p.Failed = true
	p.UpdatedAt = time.Now()
	if err := s.set(p); err != nil {
		return nil, false, err
	}
	log.Debugf("[Store] payment %s failed", paymentHash)
	return p, true, nil
}

// DeleteExpired purges incoming invoices that stayed pending past the ttl.
// They can no longer be paid, so they are removed, not resolved.
func (s *Store) DeleteExpired(ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(-ttl)
	var expired []*Payment
	err := s.db.AscendKeys(paymentKeyPattern, func(key, value string) bool {
		p := &Payment{}
		if err := unmarshal(value, p); err != nil {
			return true
		}
		if p.Pending && p.Incoming() && p.CreatedAt.Before(deadline) {
			expired = append(expired, p)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, p := range expired {
		if err := s.db.Delete(p.Key(), p); err != nil {
			return 0, err
		}
		if err := s.cache.Delete(p.Key()); err != nil {
			log.Tracef("[Store] cache delete %s: %v", p.Key(), err)
		}
		log.Debugf("[Store] purged expired invoice %s", p.PaymentHash)
	}
	return len(expired), nil
}

func (s *Store) set(p *Payment) error {
	if err := s.db.Set(p); err != nil {
		return err
	}
	if err := s.cache.Set(p.Key(), p, &store.Options{Expiration: 5 * time.Minute}); err != nil {
		log.Errorf("[Store] could not cache payment: %v", err)
	}
	return nil
}

func unmarshal(value string, p *Payment) error {
	if err := json.Unmarshal([]byte(value), p); err != nil {
		return fmt.Errorf("unmarshal payment: %w", err)
	}
	return nil
}
