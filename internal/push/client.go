package push

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"pushrelay/internal/log"
	"pushrelay/internal/store"
	"pushrelay/internal/vapid"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

// SendFunc is the underlying web-push protocol call, injectable for tests.
type SendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Client delivers one payload to one subscription. The primary attempt signs
// with the private key as PEM text; if that fails for any reason it retries
// once with the key re-encoded as a raw base64url scalar, since delivery
// backends disagree on which representation of the same key they accept.
type Client struct {
	send   SendFunc
	logger *log.Logger
}

func NewClient() *Client {
	return &Client{
		send:   webpush.SendNotificationWithContext,
		logger: log.NewLogger(),
	}
}

// Deliver attempts delivery with a 60 second protocol TTL. It returns
// ok=true if either attempt succeeds; otherwise ok=false and an error text
// concatenating both attempts' failures. Delivery failures are always
// captured here, never raised to the caller, and the subscription store is
// never touched.
func (c *Client) Deliver(ctx context.Context, sub store.Subscription, payload []byte, keys *vapid.Keys, contact string) (bool, string) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}
	opts := webpush.Options{
		Subscriber:      "mailto:" + contact,
		VAPIDPublicKey:  keys.Public,
		VAPIDPrivateKey: keys.PrivatePEM,
		TTL:             60,
	}

	primaryErr := c.attempt(ctx, payload, wpSub, &opts)
	if primaryErr == nil {
		return true, ""
	}
	c.logger.Warn("Push delivery failed, retrying with raw scalar key",
		zap.String("endpoint", sub.Endpoint), zap.Error(primaryErr))

	var fallbackErr error
	rawKey, err := vapid.RawScalar(keys.PrivatePEM)
	if err != nil {
		fallbackErr = err
	} else {
		opts.VAPIDPrivateKey = rawKey
		fallbackErr = c.attempt(ctx, payload, wpSub, &opts)
	}
	if fallbackErr == nil {
		return true, ""
	}
	c.logger.Error("Push delivery failed on both key encodings",
		zap.String("endpoint", sub.Endpoint), zap.Error(primaryErr), zap.NamedError("fallback_error", fallbackErr))
	return false, primaryErr.Error() + " || " + fallbackErr.Error()
}

// attempt performs one protocol call, converting any panic from the
// underlying library into an error so a bad key or subscription shape cannot
// escape past the delivery boundary.
func (c *Client) attempt(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webpush panic: %v", r)
		}
	}()

	resp, err := c.send(ctx, payload, sub, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}
