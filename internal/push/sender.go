package push

import (
	"context"
	"encoding/json"
	"fmt"

	"pushrelay/internal/log"
	"pushrelay/internal/metrics"
	"pushrelay/internal/store"
	"pushrelay/internal/vapid"

	"go.uber.org/zap"
)

// SubscriptionSource is the slice of the store the sender needs.
type SubscriptionSource interface {
	ListAll(ctx context.Context) ([]store.Subscription, error)
}

// Deliverer delivers one payload to one subscription.
type Deliverer interface {
	Deliver(ctx context.Context, sub store.Subscription, payload []byte, keys *vapid.Keys, contact string) (bool, string)
}

// Result is the per-subscription outcome of one fan-out.
type Result struct {
	Endpoint string `json:"endpoint"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Sender fans one message out to every stored subscription. It is shared by
// the background worker and the synchronous immediate-send endpoint.
type Sender struct {
	subs    SubscriptionSource
	client  Deliverer
	contact string
	metrics *metrics.PushMetrics
	logger  *log.Logger
}

func NewSender(subs SubscriptionSource, client Deliverer, contact string, m *metrics.PushMetrics, logger *log.Logger) *Sender {
	return &Sender{
		subs:    subs,
		client:  client,
		contact: contact,
		metrics: m,
		logger:  logger,
	}
}

// SendToAll delivers the message to every current subscription sequentially.
// Attempts are independent: a failed endpoint is recorded in its result entry
// and the rest of the batch continues. The returned error covers only the
// steps before fan-out (payload encoding, store read).
func (s *Sender) SendToAll(ctx context.Context, message string, keys *vapid.Keys) ([]Result, int, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal payload: %w", err)
	}

	subs, err := s.subs.ListAll(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", err)
	}

	results := make([]Result, 0, len(subs))
	sent := 0
	for _, sub := range subs {
		ok, errText := s.client.Deliver(ctx, sub, payload, keys, s.contact)
		entry := Result{Endpoint: sub.Endpoint, OK: ok}
		if !ok {
			entry.Error = errText
			if s.metrics != nil {
				s.metrics.DeliveryTotal.WithLabelValues("error").Inc()
			}
			s.logger.Warn("Push delivery failed", zap.String("endpoint", sub.Endpoint), zap.String("error", errText))
		} else {
			sent++
			if s.metrics != nil {
				s.metrics.DeliveryTotal.WithLabelValues("ok").Inc()
			}
		}
		results = append(results, entry)
	}
	return results, sent, nil
}
