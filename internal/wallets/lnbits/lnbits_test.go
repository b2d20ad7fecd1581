package lnbits

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/massmux/SatsSettle/internal/wallets"
)

func testConfig(url string) Config {
	return Config{
		URL:        url,
		AdminKey:   "admin-key",
		InvoiceKey: "invoice-key",
		QueueSize:  4,
	}
}

func fakeLnbits(t *testing.T, paid map[string]bool) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/payments", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		if gjson.ParseBytes(body).Get("out").Bool() {
			assert.Equal(t, "admin-key", r.Header.Get("X-Api-Key"))
			w.Write([]byte(`{"payment_hash":"hash-out","fee":21}`))
			return
		}
		assert.Equal(t, "invoice-key", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"payment_hash":"hash-in","payment_request":"lnbc20n1fake"}`))
	}).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/payments/{hash}", func(w http.ResponseWriter, r *http.Request) {
		isPaid, ok := paid[mux.Vars(r)["hash"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if isPaid {
			w.Write([]byte(`{"paid":true}`))
			return
		}
		w.Write([]byte(`{"paid":false}`))
	}).Methods(http.MethodGet)
	return httptest.NewServer(router)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{URL: "https://lnbits.example"})
	assert.Error(t, err)

	w, err := New(testConfig("https://lnbits.example/"))
	require.NoError(t, err)
	assert.Equal(t, "https://lnbits.example", w.cfg.URL)
}

func TestCreateInvoice(t *testing.T) {
	server := fakeLnbits(t, nil)
	defer server.Close()
	w, err := New(testConfig(server.URL))
	require.NoError(t, err)

	resp := w.CreateInvoice(context.Background(), 2000, "tea", nil)
	require.True(t, resp.Ok, resp.ErrorMessage)
	assert.Equal(t, "hash-in", resp.CheckingID)
	assert.Equal(t, "lnbc20n1fake", resp.PaymentRequest)
}

func TestPayInvoice(t *testing.T) {
	server := fakeLnbits(t, nil)
	defer server.Close()
	w, err := New(testConfig(server.URL))
	require.NoError(t, err)

	resp := w.PayInvoice(context.Background(), "lnbc20n1fake")
	require.True(t, resp.Ok, resp.ErrorMessage)
	assert.Equal(t, "hash-out", resp.CheckingID)
	assert.Equal(t, int64(21), resp.FeeMsat)
}

func TestPaymentStatus(t *testing.T) {
	server := fakeLnbits(t, map[string]bool{"hash-paid": true, "hash-open": false})
	defer server.Close()
	w, err := New(testConfig(server.URL))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, w.PaymentStatus(ctx, "hash-paid").Settled())

	open := w.PaymentStatus(ctx, "hash-open")
	assert.True(t, open.Known())
	assert.False(t, open.Settled())

	// backend errors are unknown, not failed
	missing := w.PaymentStatus(ctx, "hash-missing")
	assert.False(t, missing.Known())
	assert.False(t, missing.Failed())
}

func TestIngestWebhookConfirmsAndQueues(t *testing.T) {
	server := fakeLnbits(t, map[string]bool{"hash-paid": true, "hash-open": false})
	defer server.Close()
	w, err := New(testConfig(server.URL))
	require.NoError(t, err)
	ctx := context.Background()

	w.IngestWebhook(ctx, []byte(`{"payment_hash":"hash-paid","amount":1000}`))
	select {
	case id := <-w.PaidInvoicesStream():
		assert.Equal(t, "hash-paid", id)
	case <-time.After(time.Second):
		t.Fatal("expected confirmed settlement on the stream")
	}

	// payload settlement flags are not trusted: unconfirmed stays out
	w.IngestWebhook(ctx, []byte(`{"payment_hash":"hash-open","paid":true}`))
	w.IngestWebhook(ctx, []byte(`{"no":"hash"}`))
	w.IngestWebhook(ctx, []byte(`garbage`))
	select {
	case id := <-w.PaidInvoicesStream():
		t.Fatalf("nothing should be queued, got %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

var _ wallets.Wallet = (*Wallet)(nil)
var _ wallets.InvoiceStreamer = (*Wallet)(nil)
var _ wallets.WebhookIngester = (*Wallet)(nil)
