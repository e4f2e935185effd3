// Package realtime subscribes to live change notifications over a websocket.
// Each notification names a collection and an entity; the watch command
// turns them into pulls.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"
)

// Reconnect backoff constants.
const (
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// readLimit bounds a single notification frame.
const readLimit = 1 << 20

// ErrNoToken is returned by Run when no session token is available.
var ErrNoToken = errors.New("realtime: no session token")

// Event is one change notification.
type Event struct {
	Collection string `json:"collection"`
	Event      string `json:"event"` // "create", "update" or "delete"
	ID         string `json:"_id"`
}

// Handler receives events in arrival order. It runs on the read loop, so a
// slow handler delays the next read.
type Handler func(Event)

// subscribeMessage is the first frame sent on every connection.
type subscribeMessage struct {
	Action      string   `json:"action"`
	AuthToken   string   `json:"authtoken"`
	Collections []string `json:"collections,omitempty"`
}

// Subscriber holds a websocket connection open and reconnects with capped
// exponential backoff when it drops.
type Subscriber struct {
	url         string
	tokens      oauth2.TokenSource
	collections []string
	httpClient  *http.Client
	logger      *slog.Logger

	// sleepFunc waits between reconnects. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewSubscriber returns a subscriber for the given websocket URL.
// Collections restricts notifications; nil subscribes to all.
func NewSubscriber(url string, tokens oauth2.TokenSource, collections []string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:         url,
		tokens:      tokens,
		collections: collections,
		logger:      logger,
		sleepFunc:   timeSleep,
	}
}

// SetHTTPClient sets the client used for the websocket handshake.
func (s *Subscriber) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

// SetSleepFunc overrides the reconnect sleep.
func (s *Subscriber) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	s.sleepFunc = fn
}

// Run delivers events to handler until ctx is done, reconnecting after
// every dropped or failed connection. It returns nil on cancellation and an
// error only when the session token cannot be obtained.
func (s *Subscriber) Run(ctx context.Context, handler Handler) error {
	attempt := 0

	for {
		delivered, err := s.session(ctx, handler)

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrNoToken) {
			return err
		}

		if delivered {
			attempt = 0
		}

		backoff := calcBackoff(attempt)
		attempt++

		s.logger.Warn("realtime connection lost, reconnecting",
			slog.String("url", s.url),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}
	}
}

// session runs one connection until it fails. delivered reports whether the
// subscription was acknowledged by at least one frame, which resets the
// backoff.
func (s *Subscriber) session(ctx context.Context, handler Handler) (bool, error) {
	tok, err := s.tokens.Token()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrNoToken, err)
	}

	if tok == nil || tok.AccessToken == "" {
		return false, ErrNoToken
	}

	header := http.Header{}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("realtime: dialing %s: %w", s.url, err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(readLimit)

	hello, err := json.Marshal(subscribeMessage{
		Action:      "subscribe",
		AuthToken:   tok.AccessToken,
		Collections: s.collections,
	})
	if err != nil {
		return false, fmt.Errorf("realtime: encoding subscribe: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return false, fmt.Errorf("realtime: subscribing: %w", err)
	}

	s.logger.Info("realtime subscribed", slog.String("url", s.url), slog.Any("collections", s.collections))

	delivered := false

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "")
			}

			return delivered, fmt.Errorf("realtime: reading: %w", err)
		}

		delivered = true

		if typ != websocket.MessageText {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Collection == "" {
			s.logger.Debug("realtime frame ignored", slog.String("frame", string(data)))

			continue
		}

		s.logger.Debug("realtime event",
			slog.String("collection", ev.Collection),
			slog.String("event", ev.Event),
			slog.String("id", ev.ID),
		)

		handler(ev)
	}
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
