package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ClientMessage is what subscribers send over the socket.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SubscribeRequest is the data of a "subscribe" message.
type SubscribeRequest struct {
	Dispute string `json:"dispute,omitempty"`
	User    string `json:"user,omitempty"`
}

func (r SubscribeRequest) interests() []string {
	var out []string
	if r.Dispute != "" {
		out = append(out, EntityDispute+":"+r.Dispute)
	}
	if r.User != "" {
		out = append(out, EntityUser+":"+r.User)
	}
	return out
}

type HandlerOptions struct {
	OriginPatterns []string
	QueueSize      int
	WriteTimeout   time.Duration
	// Authenticate returns the connecting user's id; an error rejects the
	// upgrade with 401.
	Authenticate func(*http.Request) (string, error)
}

// Handler upgrades to a websocket. Initial interests come from the
// ?dispute= and ?user= query parameters; more can be added later with
// {"type":"subscribe","data":{"dispute":"..."}}.
func (b *Broadcaster) Handler(opts HandlerOptions) http.Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := opts.Authenticate(r)
		if err != nil || userID == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			b.logger.Debug("websocket accept failed", "error", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		q := r.URL.Query()
		initial := SubscribeRequest{Dispute: q.Get("dispute"), User: q.Get("user")}.interests()

		sub := NewSubscriber(userID, opts.QueueSize)
		if err := b.HandleConnect(ctx, sub, initial...); err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
			return
		}
		defer b.HandleDisconnect(sub)

		readErr := make(chan error, 1)
		go func() {
			for {
				var msg ClientMessage
				if err := wsjson.Read(ctx, conn, &msg); err != nil {
					readErr <- err
					return
				}
				b.handleMessage(ctx, sub, msg)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case err := <-readErr:
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					b.logger.Debug("websocket read ended", "subscriber", sub.ID, "error", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-sub.Done():
				_ = conn.Close(websocket.StatusTryAgainLater, "dropped")
				return
			case ev := <-sub.Events():
				writeCtx, cancelWrite := context.WithTimeout(ctx, opts.WriteTimeout)
				err := wsjson.Write(writeCtx, conn, ev)
				cancelWrite()
				if err != nil {
					b.drop(sub, "write failed: "+err.Error())
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	})
}

func (b *Broadcaster) handleMessage(ctx context.Context, sub *Subscriber, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		var req SubscribeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			sub.offer(Event{Type: "error", Data: "malformed subscribe request"})
			return
		}
		interests := req.interests()
		if len(interests) == 0 {
			sub.offer(Event{Type: "error", Data: "subscribe requires dispute or user"})
			return
		}
		if err := b.Subscribe(ctx, sub, interests...); err != nil {
			sub.offer(Event{Type: "error", Data: err.Error()})
			return
		}
		sub.offer(Event{Type: "subscribed", Data: interests})
	case "ping":
		sub.offer(Event{Type: "pong"})
	default:
		sub.offer(Event{Type: "error", Data: "unknown message type"})
	}
}
