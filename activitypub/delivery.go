package activitypub

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/deemkeen/fedtube/util"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	deliveryBatchSize   = 50
	deliveryMaxAttempts = 10
	deliveryTimeout     = 30 * time.Second

	// follow score change per delivery to the followed actor's inbox
	followScoreBonus   = 10
	followScorePenalty = -10
)

var deliveryBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

type signingKeyCtx struct{}

type signingKey struct {
	key   *rsa.PrivateKey
	keyId string
	body  []byte
}

// DeliveryWorker posts queued outbound activities, signed with the sending
// actor's key, and retries failures with exponential backoff. Every result
// moves the score of follows whose target uses that inbox.
type DeliveryWorker struct {
	db       *db.DB
	client   *resty.Client
	interval time.Duration
	metrics  *Metrics
	log      *zap.Logger
}

func NewDeliveryWorker(database *db.DB, interval time.Duration, metrics *Metrics, logger *zap.Logger) *DeliveryWorker {
	client := resty.New().
		SetTimeout(deliveryTimeout).
		SetHeader("Content-Type", "application/activity+json").
		SetHeader("Accept", "application/activity+json").
		SetHeader("User-Agent", util.UserAgent()).
		SetPreRequestHook(signOutgoing)

	return &DeliveryWorker{
		db:       database,
		client:   client,
		interval: interval,
		metrics:  metrics,
		log:      logger.Named("delivery"),
	}
}

// Run processes the delivery queue every interval until ctx is done.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	w.log.Info("Starting ActivityPub delivery worker", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.processQueue(ctx)
		}
	}
}

func (w *DeliveryWorker) processQueue(ctx context.Context) {
	items, err := w.db.ReadPendingDeliveries(ctx, deliveryBatchSize)
	if err != nil {
		w.log.Error("Failed to read delivery queue", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	w.log.Debug("Processing pending deliveries", zap.Int("count", len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		w.handle(ctx, item)
	}
}

func (w *DeliveryWorker) handle(ctx context.Context, item domain.DeliveryQueueItem) {
	err := w.deliver(ctx, &item)
	if err == nil {
		w.metrics.deliveries.WithLabelValues("ok").Inc()
		w.log.Debug("Delivered activity", zap.String("inbox", item.InboxURI))
		w.adjustScore(ctx, item.InboxURI, followScoreBonus)
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			w.log.Error("Failed to remove delivered item", zap.Error(err))
		}
		return
	}

	w.adjustScore(ctx, item.InboxURI, followScorePenalty)
	item.Attempts++
	if item.Attempts >= deliveryMaxAttempts {
		w.metrics.deliveries.WithLabelValues("dropped").Inc()
		w.log.Warn("Giving up on delivery",
			zap.String("inbox", item.InboxURI),
			zap.Int("attempts", item.Attempts),
			zap.Error(err))
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			w.log.Error("Failed to remove undeliverable item", zap.Error(err))
		}
		return
	}

	backoff := deliveryBackoff[min(item.Attempts-1, len(deliveryBackoff)-1)]
	w.metrics.deliveries.WithLabelValues("retry").Inc()
	w.log.Info("Delivery failed, will retry",
		zap.String("inbox", item.InboxURI),
		zap.Int("attempt", item.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))
	if err := w.db.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, time.Now().Add(backoff)); err != nil {
		w.log.Error("Failed to reschedule delivery", zap.Error(err))
	}
}

func (w *DeliveryWorker) adjustScore(ctx context.Context, inbox string, delta float64) {
	if err := w.db.AdjustFollowScoreByInbox(ctx, inbox, delta); err != nil {
		w.log.Warn("Failed to adjust follow score", zap.String("inbox", inbox), zap.Error(err))
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	actor, err := w.db.ReadActorById(ctx, item.ActorId)
	if err != nil {
		return fmt.Errorf("failed to get sending actor: %w", err)
	}
	privateKey, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(item.ActivityJSON)
	signCtx := context.WithValue(ctx, signingKeyCtx{}, signingKey{key: privateKey, keyId: actor.KeyID(), body: body})
	resp, err := w.client.R().
		SetContext(signCtx).
		SetBody(body).
		Post(item.InboxURI)
	if err != nil {
		return err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode())
	}
	return nil
}

// signOutgoing signs requests that carry a signing key in their context.
func signOutgoing(_ *resty.Client, req *http.Request) error {
	sk, ok := req.Context().Value(signingKeyCtx{}).(signingKey)
	if !ok {
		return nil
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	return SignRequest(req, sk.key, sk.keyId, sk.body)
}
