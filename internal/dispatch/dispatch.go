package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/massmux/SatsSettle/internal/errors"
	"github.com/massmux/SatsSettle/internal/payments"
)

// DeliveryTimeout bounds one notification attempt.
const DeliveryTimeout = 40 * time.Second

// StatusUnreachable is recorded when no HTTP response was obtained at all
// (timeout, connection refused, DNS failure).
const StatusUnreachable = -1

// Subscriber maps an invoice tag to an outbound webhook target.
type Subscriber struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Tag        string `gorm:"index" json:"tag"`
	WebhookURL string `json:"webhook_url"`
	CreatedAt  time.Time
}

// Delivery records the single attempted notification per payment and
// subscriber. Status holds the HTTP status code or StatusUnreachable.
type Delivery struct {
	PaymentHash  string `gorm:"primaryKey"`
	SubscriberID string `gorm:"primaryKey"`
	Status       int
	CreatedAt    time.Time
}

type notification struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Amount         int64  `json:"amount"`
	SubscriberID   string `json:"subscriber_id"`
}

// Dispatcher fans settled payments out to registered subscribers. Delivery
// is best-effort and single-attempt; the recorded outcome is what a
// re-delivery mechanism would build on.
type Dispatcher struct {
	db     *gorm.DB
	client *http.Client
}

func New(db *gorm.DB, client *http.Client) (*Dispatcher, error) {
	if err := db.AutoMigrate(&Subscriber{}, &Delivery{}); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: DeliveryTimeout}
	}
	return &Dispatcher{db: db, client: client}, nil
}

// Register adds a subscriber for the given tag.
func (d *Dispatcher) Register(tag, webhookURL string) (*Subscriber, error) {
	if tag == "" {
		return nil, errors.Newf(errors.ValidationError, "tag is required")
	}
	u, err := url.Parse(webhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ValidationError, "invalid webhook url")
	}
	sub := &Subscriber{
		ID:         uuid.NewV4().String(),
		Tag:        tag,
		WebhookURL: webhookURL,
	}
	if tx := d.db.Create(sub); tx.Error != nil {
		return nil, tx.Error
	}
	log.Infof("[Dispatch] registered subscriber %s for tag %s", sub.ID, tag)
	return sub, nil
}

// ByTag returns the subscriber registered for tag.
func (d *Dispatcher) ByTag(tag string) (*Subscriber, error) {
	sub := &Subscriber{}
	if tx := d.db.Where("tag = ?", tag).First(sub); tx.Error != nil {
		return nil, tx.Error
	}
	return sub, nil
}

// DeliveryStatus reports the recorded outcome for a payment/subscriber
// pair, with found=false when no attempt was recorded yet.
func (d *Dispatcher) DeliveryStatus(paymentHash, subscriberID string) (status int, found bool) {
	delivery := &Delivery{}
	tx := d.db.Where("payment_hash = ? AND subscriber_id = ?", paymentHash, subscriberID).First(delivery)
	if tx.Error != nil {
		return 0, false
	}
	return delivery.Status, true
}

// OnInvoicePaid notifies the subscriber identified by the payment's tag.
// Exactly one attempt is recorded per (payment, subscriber); settlement
// state is never touched here, whatever the delivery outcome.
func (d *Dispatcher) OnInvoicePaid(p *payments.Payment) {
	tag := p.Tag()
	if tag == "" {
		return
	}
	sub, err := d.ByTag(tag)
	if err != nil {
		log.Tracef("[Dispatch] no subscriber for tag %s", tag)
		return
	}
	if _, found := d.DeliveryStatus(p.PaymentHash, sub.ID); found {
		log.Debugf("[Dispatch] delivery for %s already attempted", p.PaymentHash)
		return
	}

	status := d.deliver(sub, p)
	delivery := &Delivery{
		PaymentHash:  p.PaymentHash,
		SubscriberID: sub.ID,
		Status:       status,
		CreatedAt:    time.Now(),
	}
	// composite primary key keeps a racing second attempt from
	// overwriting the recorded outcome
	if tx := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(delivery); tx.Error != nil {
		log.Errorf("[Dispatch] recording delivery for %s: %v", p.PaymentHash, tx.Error)
	}
}

func (d *Dispatcher) deliver(sub *Subscriber, p *payments.Payment) int {
	body, err := json.Marshal(notification{
		PaymentHash:    p.PaymentHash,
		PaymentRequest: p.Bolt11,
		Amount:         p.AmountMsat,
		SubscriberID:   sub.ID,
	})
	if err != nil {
		log.Errorf("[Dispatch] marshalling notification for %s: %v", p.PaymentHash, err)
		return StatusUnreachable
	}
	resp, err := d.client.Post(sub.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warnf("[Dispatch] webhook %s unreachable: %v", sub.WebhookURL, err)
		return StatusUnreachable
	}
	defer resp.Body.Close()
	log.Debugf("[Dispatch] notified %s for %s: %d", sub.ID, p.PaymentHash, resp.StatusCode)
	return resp.StatusCode
}
