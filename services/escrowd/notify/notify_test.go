package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"digimarket/native/escrow"
	"digimarket/services/escrowd/payments"
	"digimarket/storage"
)

func releasedEscrow() *escrow.Escrow {
	return &escrow.Escrow{
		ID:           "esc-1",
		SellerID:     "seller-1",
		BuyerID:      "buyer-1",
		Listing:      escrow.Listing{ProjectID: "p-1", Title: "React Dashboard"},
		Price:        decimal.RequireFromString("79.99"),
		PlatformFee:  decimal.RequireFromString("4.00"),
		SellerPayout: decimal.RequireFromString("75.99"),
		State:        escrow.StateReleased,
	}
}

func TestBuildPaymentConfirmed(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notes := Build(escrow.Event{Type: escrow.EventTypePaymentConfirmed, Escrow: releasedEscrow(), At: at})
	require.Len(t, notes, 2)

	require.Equal(t, "seller-1", notes[0].UserID)
	require.Equal(t, escrow.NotifyPaymentReceived, notes[0].Type)
	require.Contains(t, notes[0].Message, "75.99")
	require.Equal(t, "buyer-1", notes[1].UserID)
	require.Equal(t, escrow.NotifyProjectReleased, notes[1].Type)
	require.Equal(t, "/escrows/esc-1/download", notes[1].ActionRef)
	for _, n := range notes {
		require.Equal(t, "esc-1", n.EscrowID)
		require.Equal(t, at, n.CreatedAt)
		require.False(t, n.IsRead)
	}
}

func TestBuildUsesDetachedBuyer(t *testing.T) {
	esc := releasedEscrow()
	esc.State = escrow.StatePendingPayment
	esc.BuyerID = ""
	notes := Build(escrow.Event{
		Type:        escrow.EventTypePaymentFailed,
		Escrow:      esc,
		BuyerID:     "buyer-9",
		Transaction: &escrow.Transaction{FailureReason: "card declined"},
	})
	require.Len(t, notes, 1)
	require.Equal(t, "buyer-9", notes[0].UserID)
	require.Equal(t, escrow.NotifyPaymentFailed, notes[0].Type)
	require.Contains(t, notes[0].Message, "card declined")

	notes = Build(escrow.Event{Type: escrow.EventTypeReservationReleased, Escrow: esc, BuyerID: "buyer-9"})
	require.Len(t, notes, 1)
	require.Equal(t, escrow.NotifyReservationExpired, notes[0].Type)
}

func TestBuildDisputeNotifiesBothParties(t *testing.T) {
	esc := releasedEscrow()
	esc.State = escrow.StateDisputed
	notes := Build(escrow.Event{
		Type:    escrow.EventTypeDisputeRaised,
		Escrow:  esc,
		Dispute: &escrow.Dispute{ID: "d-1", RaisedBy: escrow.PartyBuyer},
	})
	require.Len(t, notes, 2)
	require.Equal(t, []string{"seller-1", "buyer-1"}, []string{notes[0].UserID, notes[1].UserID})
	require.Equal(t, "/disputes/d-1", notes[0].ActionRef)
	require.Contains(t, notes[0].Message, "The buyer")
}

func TestBuildSilentEvents(t *testing.T) {
	for _, kind := range []string{escrow.EventTypeEscrowCreated, escrow.EventTypeDownloadRegistered, escrow.EventTypeDisputeEvidence} {
		if notes := Build(escrow.Event{Type: kind, Escrow: releasedEscrow()}); len(notes) != 0 {
			t.Fatalf("%s: expected no notifications, got %d", kind, len(notes))
		}
	}
	if notes := Build(escrow.Event{Type: escrow.EventTypePaymentConfirmed}); notes != nil {
		t.Fatalf("expected nil without escrow snapshot")
	}
}

func TestDispatcherStoresPublishesAndQueues(t *testing.T) {
	ledger := storage.NewLedger(storage.NewMemDB())
	hub := NewHub(nil)
	queue := NewQueue()
	updates, cancel := hub.Subscribe("buyer-1")
	defer cancel()

	d := NewDispatcher(ledger, WithHub(hub), WithQueue(queue))
	d.Handle(context.Background(), escrow.Event{Type: escrow.EventTypePaymentConfirmed, Escrow: releasedEscrow(), At: time.Now().UTC()})

	sellerNotes, err := ledger.Notifications(context.Background(), "seller-1", false)
	require.NoError(t, err)
	require.Len(t, sellerNotes, 1)
	require.NotEmpty(t, sellerNotes[0].ID)

	select {
	case n := <-updates:
		require.Equal(t, escrow.NotifyProjectReleased, n.Type)
	default:
		t.Fatalf("expected live notification for buyer")
	}
	require.Equal(t, 2, queue.Len())

	d.Handle(context.Background(), unrelatedEvent("other"))
	require.Equal(t, 2, queue.Len())
}

type unrelatedEvent string

func (e unrelatedEvent) EventType() string { return string(e) }

func TestInboxOwnerOnly(t *testing.T) {
	ledger := storage.NewLedger(storage.NewMemDB())
	NewDispatcher(ledger).Handle(context.Background(), escrow.Event{Type: escrow.EventTypePaymentConfirmed, Escrow: releasedEscrow(), At: time.Now().UTC()})
	inbox := NewInbox(ledger)

	notes, err := inbox.List(context.Background(), "buyer-1", true)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	_, err = inbox.MarkRead(context.Background(), notes[0].ID, "seller-1")
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	read, err := inbox.MarkRead(context.Background(), notes[0].ID, "buyer-1")
	require.NoError(t, err)
	require.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	unread, err := inbox.List(context.Background(), "buyer-1", true)
	require.NoError(t, err)
	require.Empty(t, unread)

	_, err = inbox.List(context.Background(), " ", false)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)
}

func TestQueueOverflowAndTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	q := NewQueue(WithCapacity(2), WithTTL(time.Minute), withClock(clock))
	q.Enqueue(escrow.Notification{ID: "a"})
	q.Enqueue(escrow.Notification{ID: "b"})
	q.Enqueue(escrow.Notification{ID: "c"})
	require.Equal(t, 2, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "b", d.Notification.ID, "oldest entry is overwritten on overflow")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	require.Equal(t, 1, q.Len())
	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	_, ok = q.Dequeue(short)
	require.False(t, ok, "expired entries are never delivered")
}

type flakyTransport struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyTransport) Name() string { return "test" }

func (f *flakyTransport) Deliver(context.Context, escrow.Notification) error {
	n := f.calls.Add(1)
	if n <= f.failures {
		return errors.New("unavailable")
	}
	return nil
}

func runWorker(t *testing.T, transport Transport, q *Queue) context.CancelFunc {
	t.Helper()
	w := NewWorker(q, transport, 0, nil)
	w.backoff = func(int) time.Duration { return 0 }
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return cancel
}

func TestWorkerRetriesUntilDelivered(t *testing.T) {
	q := NewQueue()
	transport := &flakyTransport{failures: 2}
	cancel := runWorker(t, transport, q)
	defer cancel()

	q.Enqueue(escrow.Notification{ID: "n-1", EscrowID: "esc-1"})
	require.Eventually(t, func() bool { return transport.calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 3, transport.calls.Load())
}

func TestWorkerAbandonsAfterMaxAttempts(t *testing.T) {
	q := NewQueue()
	transport := &flakyTransport{failures: 100}
	cancel := runWorker(t, transport, q)
	defer cancel()

	q.Enqueue(escrow.Notification{ID: "n-1"})
	require.Eventually(t, func() bool { return transport.calls.Load() == maxDeliveryAttempts }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, maxDeliveryAttempts, transport.calls.Load())
	require.Equal(t, 0, q.Len())
}

func TestBackoffDelayCaps(t *testing.T) {
	require.Equal(t, time.Second, backoffDelay(1))
	require.Equal(t, 4*time.Second, backoffDelay(3))
	require.Equal(t, maxRetryDelay, backoffDelay(12))
}

func TestWebhookTransportSignsBody(t *testing.T) {
	var verified atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified.Store(payments.VerifySignature("notify-secret", body, r.Header.Get(payments.HeaderSignature)))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewWebhookTransport(server.URL, "notify-secret")
	require.NoError(t, transport.Deliver(context.Background(), escrow.Notification{ID: "n-1", UserID: "u", Type: escrow.NotifyPaymentReceived}))
	require.True(t, verified.Load())

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	require.Error(t, NewWebhookTransport(failing.URL, "x").Deliver(context.Background(), escrow.Notification{ID: "n-2"}))
}

func TestHubStreamsOverWebsocket(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "buyer-1")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	note := escrow.Notification{ID: "n-1", UserID: "buyer-1", Type: escrow.NotifyProjectReleased}
	require.Eventually(t, func() bool { return hub.Publish(note) > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, hub.Publish(escrow.Notification{UserID: "someone-else"}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"project_released"`)
}

func TestHubRejectsOriginsOutsideAllowList(t *testing.T) {
	hub := NewHub(nil, WithAllowedOrigins([]string{"https://shop.example.com"}))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "buyer-1")
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.com"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://shop.example.com"}},
	})
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "done")
}

func TestOriginPatternsStripScheme(t *testing.T) {
	require.Equal(t, []string{"shop.example.com", "*", "*.example.org"},
		originPatterns([]string{"https://Shop.example.com", "*", " ", "*.example.org"}))
}
