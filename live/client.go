package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrReconnectExhausted is returned by Client.Run once automatic
// reconnection gave up. Calling Run again starts a fresh cycle.
var ErrReconnectExhausted = errors.New("live: reconnect attempts exhausted")

type ClientConfig struct {
	URL       string
	Header    http.Header
	Interests []SubscribeRequest
	// MaxRetries bounds consecutive failed reconnects.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Client keeps a subscription open, reconnecting with exponential backoff.
type Client struct {
	cfg     ClientConfig
	onEvent func(RawEvent)
	logger  *slog.Logger
}

// RawEvent is an event as received; Data is left undecoded.
type RawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewClient(cfg ClientConfig, onEvent func(RawEvent), logger *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, onEvent: onEvent, logger: logger.With("component", "live.client")}
}

func (c *Client) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = c.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), ctx)
}

// Run connects and delivers events until ctx ends (nil), the server closes
// normally (nil), or reconnection is exhausted (ErrReconnectExhausted).
func (c *Client) Run(ctx context.Context) error {
	policy := c.policy(ctx)
	session := func() error {
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
		if err != nil {
			return err
		}
		defer conn.CloseNow()
		// a successful connection starts a new retry budget
		policy.Reset()

		for _, req := range c.cfg.Interests {
			if err := wsjson.Write(ctx, conn, subscribeMessage(req)); err != nil {
				return err
			}
		}
		for {
			var ev RawEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		}
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Info("live connection lost, reconnecting", "error", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(session, policy, notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
}

func subscribeMessage(req SubscribeRequest) ClientMessage {
	data, _ := json.Marshal(req)
	return ClientMessage{Type: "subscribe", Data: data}
}
