package payments

import (
	"context"
	"encoding/hex"

	decodepay "github.com/fiatjaf/ln-decodepay"
	log "github.com/sirupsen/logrus"

	"github.com/massmux/SatsSettle/internal/errors"
	"github.com/massmux/SatsSettle/internal/wallets"
)

// Service is the ledger-facing entry point for creating invoices and
// submitting outgoing payments. It validates input before any backend call
// and persists the resulting pending record; flipping records to a terminal
// state is the reconciler's job alone.
type Service struct {
	store   *Store
	wallets map[string]wallets.Wallet
}

func NewService(store *Store, backends map[string]wallets.Wallet) *Service {
	return &Service{store: store, wallets: backends}
}

func (s *Service) Store() *Store {
	return s.store
}

// Wallet resolves a configured backend by name.
func (s *Service) Wallet(name string) (wallets.Wallet, error) {
	w, ok := s.wallets[name]
	if !ok {
		return nil, errors.Newf(errors.NotFoundError, "no wallet %q configured", name)
	}
	return w, nil
}

// CreateInvoice issues an invoice on the given wallet and records it as
// pending. Exactly one of memo and descriptionHash may be set.
func (s *Service) CreateInvoice(ctx context.Context, wallet string, amountMsat int64, memo, descriptionHash string, extra map[string]string) (*Payment, error) {
	if amountMsat <= 0 {
		return nil, errors.Newf(errors.ValidationError, "amount must be positive")
	}
	if memo != "" && descriptionHash != "" {
		return nil, errors.Newf(errors.ValidationError, "memo and description_hash are mutually exclusive")
	}
	var hashBytes []byte
	if descriptionHash != "" {
		var err error
		hashBytes, err = hex.DecodeString(descriptionHash)
		if err != nil {
			return nil, errors.Newf(errors.ValidationError, "description_hash is not valid hex")
		}
	}
	w, err := s.Wallet(wallet)
	if err != nil {
		return nil, err
	}

	resp := w.CreateInvoice(ctx, amountMsat, memo, hashBytes)
	if !resp.Ok {
		return nil, errors.Newf(errors.BackendError, "%s: %s", w.Name(), resp.ErrorMessage)
	}
	inv, err := decodepay.Decodepay(resp.PaymentRequest)
	if err != nil {
		return nil, errors.Newf(errors.BackendError, "%s returned undecodable payment request: %v", w.Name(), err)
	}

	p := &Payment{
		PaymentHash: inv.PaymentHash,
		CheckingID:  resp.CheckingID,
		Wallet:      w.Name(),
		Bolt11:      resp.PaymentRequest,
		AmountMsat:  amountMsat,
		Pending:     true,
		Memo:        memo,
		Extra:       extra,
	}
	if err := s.store.Add(p); err != nil {
		return nil, err
	}
	log.Infof("[Service] created invoice %s on %s (%d msat)", p.PaymentHash, w.Name(), amountMsat)
	return p, nil
}

// Pay submits an outgoing payment and records it as pending. Settlement of
// the outgoing payment is confirmed by the reconciler sweep.
func (s *Service) Pay(ctx context.Context, wallet, bolt11 string) (*Payment, error) {
	if bolt11 == "" {
		return nil, errors.Newf(errors.ValidationError, "bolt11 is required")
	}
	inv, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return nil, errors.Newf(errors.ValidationError, "invalid bolt11: %v", err)
	}
	w, err := s.Wallet(wallet)
	if err != nil {
		return nil, err
	}

	resp := w.PayInvoice(ctx, bolt11)
	if !resp.Ok {
		return nil, errors.Newf(errors.BackendError, "%s: %s", w.Name(), resp.ErrorMessage)
	}

	p := &Payment{
		PaymentHash: inv.PaymentHash,
		CheckingID:  resp.CheckingID,
		Wallet:      w.Name(),
		Bolt11:      bolt11,
		AmountMsat:  -inv.MSatoshi,
		FeeMsat:     resp.FeeMsat,
		Pending:     true,
		Memo:        inv.Description,
	}
	if err := s.store.Add(p); err != nil {
		return nil, err
	}
	log.Infof("[Service] submitted payment %s on %s (%d msat)", p.PaymentHash, w.Name(), inv.MSatoshi)
	return p, nil
}
