package lnbits

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req"
	"github.com/r3labs/sse"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/massmux/SatsSettle/internal/wallets"
)

const defaultQueueSize = 128

type Config struct {
	URL        string `yaml:"url"`
	AdminKey   string `yaml:"admin_key"`
	InvoiceKey string `yaml:"invoice_key"`
	SSE        bool   `yaml:"sse"`
	QueueSize  int    `yaml:"queue_size"`
}

// Wallet talks to an lnbits instance. The admin key pays, the invoice key
// creates invoices and reads status.
type Wallet struct {
	cfg           Config
	adminHeader   req.Header
	invoiceHeader req.Header
	queue         chan string
	stream        *sse.Client
}

func New(cfg Config) (*Wallet, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("lnbits: url not configured")
	}
	if cfg.AdminKey == "" || cfg.InvoiceKey == "" {
		return nil, fmt.Errorf("lnbits: admin and invoice keys are required")
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	w := &Wallet{
		cfg:           cfg,
		adminHeader:   header(cfg.AdminKey),
		invoiceHeader: header(cfg.InvoiceKey),
		queue:         make(chan string, cfg.QueueSize),
	}
	if cfg.SSE {
		w.stream = sse.NewClient(cfg.URL + "/api/v1/payments/sse")
		w.stream.Headers = map[string]string{"X-Api-Key": cfg.InvoiceKey}
		go w.subscribe()
	}
	return w, nil
}

func header(key string) req.Header {
	return req.Header{
		"Content-Type": "application/json",
		"Accept":       "application/json",
		"X-Api-Key":    key,
	}
}

func (w *Wallet) Name() string { return "lnbits" }

func (w *Wallet) CreateInvoice(ctx context.Context, amountMsat int64, memo string, descriptionHash []byte) wallets.InvoiceResponse {
	body, _ := sjson.Set("{}", "out", false)
	body, _ = sjson.Set(body, "amount", amountMsat/1000)
	if len(descriptionHash) > 0 {
		body, _ = sjson.Set(body, "description_hash", hex.EncodeToString(descriptionHash))
	} else {
		body, _ = sjson.Set(body, "memo", memo)
	}

	resp, err := req.Post(w.cfg.URL+"/api/v1/payments", w.invoiceHeader, body, ctx)
	if err != nil {
		return wallets.InvoiceResponse{ErrorMessage: err.Error()}
	}
	if resp.Response().StatusCode >= 300 {
		return wallets.InvoiceResponse{ErrorMessage: errorText(resp)}
	}
	data := gjson.ParseBytes(resp.Bytes())
	return wallets.InvoiceResponse{
		Ok: true,
		// lnbits checks invoices by payment hash
		CheckingID:     data.Get("payment_hash").String(),
		PaymentRequest: data.Get("payment_request").String(),
	}
}

func (w *Wallet) PayInvoice(ctx context.Context, bolt11 string) wallets.PaymentResponse {
	body, _ := sjson.Set("{}", "out", true)
	body, _ = sjson.Set(body, "bolt11", bolt11)

	resp, err := req.Post(w.cfg.URL+"/api/v1/payments", w.adminHeader, body, ctx)
	if err != nil {
		return wallets.PaymentResponse{ErrorMessage: err.Error()}
	}
	if resp.Response().StatusCode >= 300 {
		return wallets.PaymentResponse{ErrorMessage: errorText(resp)}
	}
	data := gjson.ParseBytes(resp.Bytes())
	return wallets.PaymentResponse{
		Ok:         true,
		CheckingID: data.Get("payment_hash").String(),
		FeeMsat:    data.Get("fee").Int(),
	}
}

func (w *Wallet) InvoiceStatus(ctx context.Context, checkingID string) wallets.PaymentStatus {
	return w.PaymentStatus(ctx, checkingID)
}

func (w *Wallet) PaymentStatus(ctx context.Context, checkingID string) wallets.PaymentStatus {
	resp, err := req.Get(w.cfg.URL+"/api/v1/payments/"+checkingID, w.invoiceHeader, ctx)
	if err != nil {
		return wallets.PaymentStatus{State: wallets.StateUnknown}
	}
	if resp.Response().StatusCode >= 300 {
		return wallets.PaymentStatus{State: wallets.StateUnknown}
	}
	if gjson.ParseBytes(resp.Bytes()).Get("paid").Bool() {
		return wallets.PaymentStatus{State: wallets.StateSettled}
	}
	return wallets.PaymentStatus{State: wallets.StatePending}
}

// IngestWebhook takes the callback lnbits fires when an invoice is paid.
// Only the payment hash is taken from the payload; settlement is confirmed
// with a status read before the event is queued.
func (w *Wallet) IngestWebhook(ctx context.Context, payload []byte) {
	data := gjson.ParseBytes(payload)
	if !data.IsObject() {
		return
	}
	hash := data.Get("payment_hash").String()
	if hash == "" {
		return
	}
	if !w.PaymentStatus(ctx, hash).Settled() {
		return
	}
	select {
	case w.queue <- hash:
	default:
		log.Warnf("[lnbits] event queue full, dropping %s", hash)
	}
}

func (w *Wallet) PaidInvoicesStream() <-chan string {
	return w.queue
}

// subscribe feeds the event queue from the lnbits payments SSE stream,
// reconnecting on stream errors.
func (w *Wallet) subscribe() {
	for {
		err := w.stream.Subscribe("", func(msg *sse.Event) {
			hash := gjson.ParseBytes(msg.Data).Get("payment_hash").String()
			if hash == "" {
				return
			}
			select {
			case w.queue <- hash:
			default:
				log.Warnf("[lnbits] event queue full, dropping %s", hash)
			}
		})
		if err != nil {
			log.Warnf("[lnbits] sse stream disconnected: %v", err)
		}
		time.Sleep(5 * time.Second)
	}
}

func errorText(resp *req.Resp) string {
	text := resp.String()
	if len(text) > 300 {
		text = text[:300]
	}
	return fmt.Sprintf("lnbits call failed (%d): %s", resp.Response().StatusCode, text)
}
