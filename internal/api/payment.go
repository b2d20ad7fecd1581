package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/massmux/SatsSettle/internal/dispatch"
	"github.com/massmux/SatsSettle/internal/errors"
	"github.com/massmux/SatsSettle/internal/payments"
	"github.com/massmux/SatsSettle/internal/reconciler"
	"github.com/massmux/SatsSettle/internal/wallets"
)

// Service holds the collaborators the HTTP surface exposes.
type Service struct {
	Payments      *payments.Service
	Reconciler    *reconciler.Reconciler
	Dispatcher    *dispatch.Dispatcher
	Keys          Keys
	DefaultWallet string
}

type CreatePaymentRequest struct {
	Out             *bool  `json:"out"`
	Amount          int64  `json:"amount"` // satoshi
	Memo            string `json:"memo"`
	DescriptionHash string `json:"description_hash"`
	Bolt11          string `json:"bolt11"`
	Wallet          string `json:"wallet"`
	Tag             string `json:"tag"`
}

type CreatePaymentResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request,omitempty"`
	CheckingID     string `json:"checking_id"`
}

type PaymentStatusResponse struct {
	Paid bool `json:"paid"`
}

type RegisterSubscriberRequest struct {
	Tag        string `json:"tag"`
	WebhookURL string `json:"webhook_url"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func (s Service) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/payments",
		LoggingMiddleware("API", KeyAuthMiddleware(s.Keys, AccessKeyTypeInvoice, s.CreatePayment))).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/payments/{payment_hash}",
		LoggingMiddleware("API", KeyAuthMiddleware(s.Keys, AccessKeyTypeInvoice, s.PaymentStatus))).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/subscribers",
		LoggingMiddleware("API", KeyAuthMiddleware(s.Keys, AccessKeyTypeAdmin, s.RegisterSubscriber))).Methods(http.MethodPost)
	router.HandleFunc("/webhook/{wallet}",
		LoggingMiddleware("Webhook", s.IngestWebhook)).Methods(http.MethodPost)
	return router
}

// CreatePayment creates an invoice (out=false) or submits an outgoing
// payment (out=true, admin key required).
func (s Service) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var request CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		WriteResponse(w, http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}
	if request.Out == nil {
		WriteResponse(w, http.StatusBadRequest, ErrorResponse{Message: "out is required"})
		return
	}
	wallet := request.Wallet
	if wallet == "" {
		wallet = s.DefaultWallet
	}

	var p *payments.Payment
	var err error
	if *request.Out {
		if r.Header.Get("X-Api-Key") != s.Keys.AdminKey {
			err = errors.Newf(errors.UnauthorizedError, "admin key required to pay")
		} else {
			p, err = s.Payments.Pay(r.Context(), wallet, request.Bolt11)
		}
	} else {
		var extra map[string]string
		if request.Tag != "" {
			extra = map[string]string{"tag": request.Tag}
		}
		p, err = s.Payments.CreateInvoice(r.Context(), wallet, request.Amount*1000, request.Memo, request.DescriptionHash, extra)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	WriteResponse(w, http.StatusCreated, CreatePaymentResponse{
		PaymentHash:    p.PaymentHash,
		PaymentRequest: p.Bolt11,
		CheckingID:     p.CheckingID,
	})
}

// PaymentStatus reports whether a payment settled. A pending record gets
// one on-demand check through the reconciler before answering.
func (s Service) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	paymentHash := mux.Vars(r)["payment_hash"]
	store := s.Payments.Store()
	p, err := store.Get(paymentHash)
	if err != nil {
		WriteResponse(w, http.StatusNotFound, ErrorResponse{Message: "Payment does not exist."})
		return
	}
	if p.Pending && s.Reconciler != nil {
		if err := s.Reconciler.Check(r.Context(), p); err != nil {
			log.Warnf("[API] on-demand check %s: %v", paymentHash, err)
		}
		if refreshed, err := store.Get(paymentHash); err == nil {
			p = refreshed
		}
	}
	WriteResponse(w, http.StatusOK, PaymentStatusResponse{Paid: p.Paid()})
}

// IngestWebhook feeds a backend push notification into the named wallet.
// The response is no-content no matter what the payload contained, so the
// push source learns nothing and has no reason to retry-storm.
func (s Service) IngestWebhook(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["wallet"]
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil {
		if wallet, werr := s.Payments.Wallet(name); werr == nil {
			if ingester, ok := wallet.(wallets.WebhookIngester); ok {
				ingester.IngestWebhook(r.Context(), body)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Service) RegisterSubscriber(w http.ResponseWriter, r *http.Request) {
	var request RegisterSubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		WriteResponse(w, http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}
	sub, err := s.Dispatcher.Register(request.Tag, request.WebhookURL)
	if err != nil {
		s.respondError(w, err)
		return
	}
	WriteResponse(w, http.StatusCreated, sub)
}

// respondError maps the error kind to a response exactly once, here.
func (s Service) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.ValidationError:
		code = http.StatusBadRequest
	case errors.UnauthorizedError:
		code = http.StatusForbidden
	case errors.NotFoundError:
		code = http.StatusNotFound
	case errors.BackendError:
		code = http.StatusBadGateway
	case errors.ConflictError:
		code = http.StatusConflict
	}
	WriteResponse(w, code, ErrorResponse{Message: errors.MessageOf(err)})
}
