package lnpay

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/imroc/req"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/massmux/SatsSettle/internal/wallets"
)

const defaultQueueSize = 128

// Config carries everything the wallet needs; construction fails on missing
// fields instead of surprising the first caller.
type Config struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	AdminKey   string `yaml:"admin_key"`
	InvoiceKey string `yaml:"invoice_key"`
	ReadKey    string `yaml:"read_key"`
	QueueSize  int    `yaml:"queue_size"`
}

// Wallet talks to the LNPay wallet API (https://docs.lnpay.co/).
type Wallet struct {
	cfg    Config
	header req.Header
	queue  chan string
}

func New(cfg Config) (*Wallet, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("lnpay: endpoint not configured")
	}
	if cfg.APIKey == "" || cfg.AdminKey == "" || cfg.InvoiceKey == "" {
		return nil, fmt.Errorf("lnpay: api, admin and invoice keys are required")
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Wallet{
		cfg: cfg,
		header: req.Header{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"X-Api-Key":    cfg.APIKey,
		},
		queue: make(chan string, cfg.QueueSize),
	}, nil
}

func (w *Wallet) Name() string { return "lnpay" }

func (w *Wallet) CreateInvoice(ctx context.Context, amountMsat int64, memo string, descriptionHash []byte) wallets.InvoiceResponse {
	body, _ := sjson.Set("{}", "num_satoshis", amountMsat/1000)
	if len(descriptionHash) > 0 {
		body, _ = sjson.Set(body, "description_hash", hex.EncodeToString(descriptionHash))
	} else {
		body, _ = sjson.Set(body, "memo", memo)
	}

	resp, err := req.Post(w.cfg.Endpoint+"/user/wallet/"+w.cfg.InvoiceKey+"/invoice", w.header, body, ctx)
	if err != nil {
		return wallets.InvoiceResponse{ErrorMessage: err.Error()}
	}
	if resp.Response().StatusCode != 201 {
		return wallets.InvoiceResponse{ErrorMessage: errorText(resp)}
	}
	data := gjson.ParseBytes(resp.Bytes())
	return wallets.InvoiceResponse{
		Ok:             true,
		CheckingID:     data.Get("id").String(),
		PaymentRequest: data.Get("payment_request").String(),
	}
}

func (w *Wallet) PayInvoice(ctx context.Context, bolt11 string) wallets.PaymentResponse {
	body, _ := sjson.Set("{}", "payment_request", bolt11)
	resp, err := req.Post(w.cfg.Endpoint+"/user/wallet/"+w.cfg.AdminKey+"/withdraw", w.header, body, ctx)
	if err != nil {
		return wallets.PaymentResponse{ErrorMessage: err.Error()}
	}
	if resp.Response().StatusCode != 201 {
		return wallets.PaymentResponse{ErrorMessage: errorText(resp)}
	}
	return wallets.PaymentResponse{
		Ok:         true,
		CheckingID: gjson.ParseBytes(resp.Bytes()).Get("lnTx.id").String(),
	}
}

func (w *Wallet) InvoiceStatus(ctx context.Context, checkingID string) wallets.PaymentStatus {
	return w.PaymentStatus(ctx, checkingID)
}

func (w *Wallet) PaymentStatus(ctx context.Context, checkingID string) wallets.PaymentStatus {
	resp, err := req.Get(w.cfg.Endpoint+"/user/lntx/"+checkingID+"?fields=settled", w.header, ctx)
	if err != nil {
		return wallets.PaymentStatus{State: wallets.StateUnknown}
	}
	if resp.Response().StatusCode >= 300 {
		return wallets.PaymentStatus{State: wallets.StateUnknown}
	}
	switch gjson.ParseBytes(resp.Bytes()).Get("settled").Int() {
	case 1:
		return wallets.PaymentStatus{State: wallets.StateSettled}
	case -1:
		return wallets.PaymentStatus{State: wallets.StateFailed}
	default:
		return wallets.PaymentStatus{State: wallets.StateUnknown}
	}
}

// IngestWebhook takes a raw LNPay push notification. The payload amounts and
// flags are never trusted: the transaction id is re-checked against the API
// and only a confirmed settlement is queued.
func (w *Wallet) IngestWebhook(ctx context.Context, payload []byte) {
	data := gjson.ParseBytes(payload)
	if !data.IsObject() || data.Get("event.name").String() != "wallet_receive" {
		return
	}
	lntxID := data.Get("data.wtx.lnTx.id").String()
	if lntxID == "" {
		return
	}
	if !w.PaymentStatus(ctx, lntxID).Settled() {
		return
	}
	select {
	case w.queue <- lntxID:
	default:
		// the poller sweep picks it up on the next interval
		log.Warnf("[lnpay] event queue full, dropping %s", lntxID)
	}
}

func (w *Wallet) PaidInvoicesStream() <-chan string {
	return w.queue
}

func errorText(resp *req.Resp) string {
	text := resp.String()
	if len(text) > 300 {
		text = text[:300]
	}
	return fmt.Sprintf("lnpay call failed (%d): %s", resp.Response().StatusCode, text)
}
