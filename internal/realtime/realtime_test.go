package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ev Event) {
	m.Called(ev)
}

// fakeServer accepts websocket connections and runs script for each one,
// numbered from zero.
type fakeServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	conns      int
	hellos     []subscribeMessage
	authHeader []string
}

func newFakeServer(t *testing.T, script func(ctx context.Context, n int, conn *websocket.Conn)) *fakeServer {
	t.Helper()

	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var hello subscribeMessage
		_ = json.Unmarshal(data, &hello)

		f.mu.Lock()
		n := f.conns
		f.conns++
		f.hellos = append(f.hellos, hello)
		f.authHeader = append(f.authHeader, r.Header.Get("Authorization"))
		f.mu.Unlock()

		script(r.Context(), n, conn)
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) {
	data, _ := json.Marshal(ev)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// drain blocks until the client goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func staticTokens(tok string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Kinvey"})
}

func TestRun_DeliversEventsAndReconnects(t *testing.T) {
	first := Event{Collection: "books", Event: "create", ID: "b1"}
	second := Event{Collection: "books", Event: "delete", ID: "b2"}

	f := newFakeServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		switch n {
		case 0:
			_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`))
			writeEvent(ctx, conn, first)
			conn.Close(websocket.StatusGoingAway, "restart")
		default:
			writeEvent(ctx, conn, second)
			drain(ctx, conn)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := &mockHandler{}
	h.On("Handle", first).Once()
	h.On("Handle", second).Once().Run(func(mock.Arguments) { cancel() })

	var sleeps []time.Duration

	sub := NewSubscriber(f.url(), staticTokens("tok"), []string{"books"}, testLogger(t))
	sub.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)

		return nil
	})

	require.NoError(t, sub.Run(ctx, h.Handle))
	h.AssertExpectations(t)

	require.Len(t, sleeps, 1, "one reconnect")

	f.mu.Lock()
	defer f.mu.Unlock()

	assert.Equal(t, 2, f.conns)
	assert.Equal(t, subscribeMessage{Action: "subscribe", AuthToken: "tok", Collections: []string{"books"}}, f.hellos[0])
	assert.Equal(t, "Kinvey tok", f.authHeader[0])
}

func TestRun_BacksOffOnDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	var sleeps []time.Duration

	sub := NewSubscriber(url, staticTokens("tok"), nil, testLogger(t))
	sub.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 3 {
			return context.Canceled
		}

		return nil
	})

	h := &mockHandler{}

	require.NoError(t, sub.Run(context.Background(), h.Handle))
	srv.Close()

	require.Len(t, sleeps, 3)
	assert.InDelta(t, float64(time.Second), float64(sleeps[0]), float64(time.Second)/4)
	assert.InDelta(t, float64(2*time.Second), float64(sleeps[1]), float64(time.Second)/2)
	assert.InDelta(t, float64(4*time.Second), float64(sleeps[2]), float64(time.Second))
	h.AssertNotCalled(t, "Handle", mock.Anything)
}

func TestRun_NoToken(t *testing.T) {
	sub := NewSubscriber("ws://127.0.0.1:1", staticTokens(""), nil, testLogger(t))

	err := sub.Run(context.Background(), func(Event) {})
	require.ErrorIs(t, err, ErrNoToken)
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) {
	return nil, errors.New("session file missing")
}

func TestRun_TokenSourceError(t *testing.T) {
	sub := NewSubscriber("ws://127.0.0.1:1", failingTokens{}, nil, testLogger(t))

	err := sub.Run(context.Background(), func(Event) {})
	require.ErrorIs(t, err, ErrNoToken)
	assert.Contains(t, err.Error(), "session file missing")
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := NewSubscriber("ws://127.0.0.1:1", staticTokens("tok"), nil, testLogger(t))
	assert.NoError(t, sub.Run(ctx, func(Event) {}))
}

func TestCalcBackoff_Capped(t *testing.T) {
	for attempt := range 20 {
		d := calcBackoff(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
	}
}
