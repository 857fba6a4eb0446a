package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-broadcaster/internal/broadcast"
	"odin-broadcaster/internal/brokererr"
	"odin-broadcaster/internal/fingerprint"
	"odin-broadcaster/internal/publish"
)

// newTestSession builds a Session without starting its mailbox goroutine,
// so handleInbound/handleEvent can be driven directly and their effect on
// s.send observed synchronously. It is given a nil *mongo.Client, so any
// test that needs to drive db_subscribe's resolve step against a mocked
// database belongs in session_mtest_test.go instead; tests here stick to
// paths that don't call resolve.Resolve.
func newTestSession() *Session {
	queue := broadcast.New(16, zerolog.Nop(), nil)
	return New(queue, nil, zerolog.Nop(), nil)
}

func drainSend(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case raw := <-s.send:
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	default:
		t.Fatal("expected a queued outbound envelope, found none")
		return nil
	}
}

func TestHandleGeneralSubscribeRegistersTableEntry(t *testing.T) {
	s := newTestSession()
	s.handleInbound(context.Background(), []byte(`{"type":"general_subscribe","event_path":"chat.room.1"}`))

	fp := fingerprint.FingerprintPath("chat.room.1")
	assert.True(t, s.IsSubscribed(fp))

	env := drainSend(t, s)
	assert.Equal(t, "subscribed", env["status"])
	assert.Equal(t, fp, env["event_id"])
}

func TestHandleGeneralSubscribeRejectsMissingPath(t *testing.T) {
	s := newTestSession()
	s.handleInbound(context.Background(), []byte(`{"type":"general_subscribe"}`))

	env := drainSend(t, s)
	assert.EqualValues(t, brokererr.BadRequest, env["status_code"])
}

func TestHandleUnsubscribeRemovesEntry(t *testing.T) {
	s := newTestSession()
	fp := fingerprint.FingerprintPath("chat.room.1")
	s.table[fp] = &subscription{general: true}

	s.handleInbound(context.Background(), []byte(`{"type":"unsubscribe","event_id":"`+fp+`"}`))

	assert.False(t, s.IsSubscribed(fp))
}

func TestHandleUnsubscribeUnknownEventIDErrors(t *testing.T) {
	s := newTestSession()
	s.handleInbound(context.Background(), []byte(`{"type":"unsubscribe","event_id":"does-not-exist"}`))

	env := drainSend(t, s)
	assert.EqualValues(t, brokererr.EventNotFound, env["status_code"])
}

func TestHandleUnsubscribeAllClearsTable(t *testing.T) {
	s := newTestSession()
	s.table["a"] = &subscription{general: true}
	s.table["b"] = &subscription{general: true}

	s.handleInbound(context.Background(), []byte(`{"type":"unsubscribe_all"}`))

	assert.Empty(t, s.table)
}

func TestHandleInboundUnknownTypeErrors(t *testing.T) {
	s := newTestSession()
	s.handleInbound(context.Background(), []byte(`{"type":"nonsense"}`))

	env := drainSend(t, s)
	assert.EqualValues(t, brokererr.InvalidAction, env["status_code"])
}

func TestHandleInboundMalformedJSONErrors(t *testing.T) {
	s := newTestSession()
	s.handleInbound(context.Background(), []byte(`{not json`))

	env := drainSend(t, s)
	assert.EqualValues(t, brokererr.BadRequest, env["status_code"])
}

func TestHandleEventWithPayloadForwardsVerbatim(t *testing.T) {
	s := newTestSession()
	fp := fingerprint.FingerprintPath("chat.room.1")
	s.table[fp] = &subscription{general: true}

	s.handleEvent(context.Background(), broadcast.Event{
		Fingerprint: fp,
		HasPayload:  true,
		Payload:     map[string]any{"text": "hi"},
	})

	env := drainSend(t, s)
	assert.Equal(t, "data published", env["status"])
	assert.Equal(t, map[string]any{"text": "hi"}, env["data"])
}

func TestHandleEventForUnknownFingerprintIsIgnored(t *testing.T) {
	s := newTestSession()
	s.handleEvent(context.Background(), broadcast.Event{Fingerprint: "unregistered", HasPayload: true, Payload: 1})

	select {
	case <-s.send:
		t.Fatal("expected no outbound envelope for an unsubscribed fingerprint")
	default:
	}
}

func TestHandleEventBareFingerprintOnGeneralSubscriptionIsIgnored(t *testing.T) {
	s := newTestSession()
	fp := fingerprint.FingerprintPath("chat.room.1")
	s.table[fp] = &subscription{general: true}

	s.handleEvent(context.Background(), broadcast.Event{Fingerprint: fp})

	select {
	case <-s.send:
		t.Fatal("a general subscription must never trigger a re-resolve")
	default:
	}
}

func TestDeliverFailsWhenMailboxFull(t *testing.T) {
	s := newTestSession()
	s.events = make(chan broadcast.Event, 1)
	require.True(t, s.Deliver(broadcast.Event{Fingerprint: "a"}))
	assert.False(t, s.Deliver(broadcast.Event{Fingerprint: "b"}))
}

func TestIDIsStableAndUnique(t *testing.T) {
	a := newTestSession()
	b := newTestSession()
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), a.ID())
}

// awaitSend reads the next outbound envelope from a session whose mailbox
// goroutine is running, waiting for it instead of demanding it already be
// queued like drainSend does.
func awaitSend(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case raw := <-s.send:
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound envelope")
		return nil
	}
}

func TestGeneralPublishReachesRunningSession(t *testing.T) {
	queue := broadcast.New(16, zerolog.Nop(), nil)
	s := New(queue, nil, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	env := awaitSend(t, s)
	require.Equal(t, "connected", env["status"])

	s.HandleInbound([]byte(`{"type":"general_subscribe","event_path":"alerts/core"}`))
	env = awaitSend(t, s)
	require.Equal(t, "subscribed", env["status"])
	eventID := env["event_id"]

	publish.New(queue).Publish("alerts/core", map[string]any{"m": "hi"})

	env = awaitSend(t, s)
	assert.Equal(t, "data published", env["status"])
	assert.Equal(t, eventID, env["event_id"])
	assert.Equal(t, map[string]any{"m": "hi"}, env["data"])
}

func TestPublishAfterUnsubscribeAllIsNotDelivered(t *testing.T) {
	queue := broadcast.New(16, zerolog.Nop(), nil)
	s := New(queue, nil, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	env := awaitSend(t, s)
	require.Equal(t, "connected", env["status"])

	s.HandleInbound([]byte(`{"type":"general_subscribe","event_path":"alerts/core"}`))
	env = awaitSend(t, s)
	require.Equal(t, "subscribed", env["status"])

	fp := fingerprint.FingerprintPath("alerts/core")
	s.HandleInbound([]byte(`{"type":"unsubscribe_all"}`))
	require.Eventually(t, func() bool { return !s.IsSubscribed(fp) }, time.Second, time.Millisecond)

	publish.New(queue).Publish("alerts/core", map[string]any{"m": "hi"})

	select {
	case raw := <-s.send:
		t.Fatalf("expected no delivery after unsubscribe_all, got %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectEnvelopeIsQueuedOnRun(t *testing.T) {
	s := newTestSession()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	var raw []byte
	require.Eventually(t, func() bool {
		select {
		case raw = <-s.send:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "connected", env["status"])
}
