// Package session implements the per-connection client session: the
// subscription table, inbound message dispatch, and hash-based change
// detection, all serialized on a single mailbox goroutine per connection.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"odin-broadcaster/internal/broadcast"
	"odin-broadcaster/internal/brokererr"
	"odin-broadcaster/internal/canonical"
	"odin-broadcaster/internal/fingerprint"
	"odin-broadcaster/internal/resolve"
)

// Collector receives per-session observability hooks. Implementations live
// in internal/metrics.
type Collector interface {
	MessageReceived()
	ChangePushed(id string)
	ChangeSuppressed(id string)
	SubscribeError(code int)
	ResolveLatency(d time.Duration)
	SubscriptionCountSet(id string, n int)
}

type noopCollector struct{}

func (noopCollector) MessageReceived()                 {}
func (noopCollector) ChangePushed(string)              {}
func (noopCollector) ChangeSuppressed(string)          {}
func (noopCollector) SubscribeError(int)               {}
func (noopCollector) ResolveLatency(time.Duration)     {}
func (noopCollector) SubscriptionCountSet(string, int) {}

// subscription is one entry of the per-session subscription table: the hash
// of the last delivered slice and the descriptor needed to re-resolve it.
// A "general" entry (from general_subscribe) carries no descriptor and is
// never re-resolved; its events always arrive with a payload attached.
type subscription struct {
	dataHash   string
	descriptor fingerprint.Descriptor
	general    bool
}

const (
	inboundBuffer = 64
	eventBuffer   = 256
	sendBuffer    = 512
)

// Session is the per-connection state the broker maintains: the
// subscription table plus the mailbox goroutine (Run) that serializes all
// writes of that table; the dispatcher's IsSubscribed is the only read from
// another goroutine.
type Session struct {
	id string

	logger  zerolog.Logger
	queue   *broadcast.Queue
	client  *mongo.Client
	metrics Collector

	// tableMu guards table against the one cross-goroutine access to it:
	// the broadcast dispatcher's IsSubscribed call. The mailbox goroutine
	// (Run and everything it calls) is the table's only writer and takes
	// tableMu for every mutation too, even though it never contends with
	// itself, so the dispatcher's read is never a bare concurrent map
	// access; no other cross-goroutine access to the table exists.
	tableMu sync.RWMutex
	table   map[string]*subscription

	inbound chan []byte
	events  chan broadcast.Event
	send    chan []byte
}

// New creates a session bound to client for slice resolution (each
// subscription picks its own database by name) and queue for fan-out
// registration. Call Run to start its mailbox goroutine.
func New(queue *broadcast.Queue, client *mongo.Client, logger zerolog.Logger, metrics Collector) *Session {
	if metrics == nil {
		metrics = noopCollector{}
	}
	id := newSessionID()
	return &Session{
		id:      id,
		logger:  logger.With().Str("session_id", id).Logger(),
		queue:   queue,
		client:  client,
		metrics: metrics,
		table:   make(map[string]*subscription),
		inbound: make(chan []byte, inboundBuffer),
		events:  make(chan broadcast.Event, eventBuffer),
		send:    make(chan []byte, sendBuffer),
	}
}

// ID returns the session's unique identifier, used for logging and to key
// the session's per-connection metrics.
func (s *Session) ID() string {
	return s.id
}

// Outbound returns the channel the transport's write pump should drain to
// deliver envelopes to the client.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// HandleInbound hands a raw client message to the session's mailbox. It
// blocks if the mailbox is saturated, pushing back on the read pump rather
// than buffering an abusive client's messages without bound.
func (s *Session) HandleInbound(raw []byte) {
	s.inbound <- raw
}

// IsSubscribed reports whether the session's table currently has an entry
// for fingerprint. Called directly by the broadcast dispatcher, which runs
// on a different goroutine than the session's own mailbox; tableMu makes
// that read safe against the mailbox goroutine's concurrent mutations.
func (s *Session) IsSubscribed(fp string) bool {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	_, ok := s.table[fp]
	return ok
}

// Deliver hands ev to the session's mailbox without blocking the broadcast
// dispatcher. It returns false if the mailbox is full, signaling the
// dispatcher to remove this session. A stopped session unregisters itself
// on leaving Run; until then its mailbox still accepts events.
func (s *Session) Deliver(ev broadcast.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Run is the session's mailbox goroutine: it registers with the broadcast
// queue, greets the client, and then serializes inbound message handling
// and change-detection re-resolution until ctx is canceled (the transport
// cancels it on disconnect) or the inbound channel is closed.
func (s *Session) Run(ctx context.Context) {
	s.queue.Register(s)
	defer s.queue.Unregister(s)
	defer close(s.send)

	s.enqueueSend(newConnectedEnvelope())

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.inbound:
			if !ok {
				return
			}
			s.metrics.MessageReceived()
			s.handleInbound(ctx, raw)
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, raw []byte) {
	typ, err := decodeType(raw)
	if err != nil {
		s.sendError(brokererr.BadRequestf("malformed JSON: %v", err))
		return
	}

	switch typ {
	case "db_subscribe":
		s.handleDBSubscribe(ctx, raw)
	case "general_subscribe":
		s.handleGeneralSubscribe(raw)
	case "unsubscribe":
		s.handleUnsubscribe(raw)
	case "unsubscribe_all":
		s.tableMu.Lock()
		s.table = make(map[string]*subscription)
		s.tableMu.Unlock()
		s.metrics.SubscriptionCountSet(s.id, 0)
	default:
		s.sendError(brokererr.New(brokererr.InvalidAction, "Invalid Action"))
	}
}

func (s *Session) handleDBSubscribe(ctx context.Context, raw []byte) {
	descriptor, err := fingerprint.Parse(raw)
	if err != nil {
		s.sendError(err)
		return
	}

	fp := fingerprint.Fingerprint(descriptor)
	resolveStart := time.Now()
	slice, err := resolve.Resolve(ctx, s.client, descriptor)
	s.metrics.ResolveLatency(time.Since(resolveStart))
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", fp).Msg("resolve failed for db_subscribe")
		s.sendError(brokererr.BadRequestf("failed to resolve subscription: %v", err))
		return
	}

	dataHash := canonical.Hash(slice)
	s.tableMu.Lock()
	s.table[fp] = &subscription{dataHash: dataHash, descriptor: descriptor}
	count := len(s.table)
	s.tableMu.Unlock()
	s.metrics.SubscriptionCountSet(s.id, count)
	s.enqueueSend(newSubscribedEnvelope(fp, dataHash, slice))
}

func (s *Session) handleGeneralSubscribe(raw []byte) {
	var msg generalSubscribeMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.EventPath == "" {
		s.sendError(brokererr.BadRequestf("event_path is required"))
		return
	}

	fp := fingerprint.FingerprintPath(msg.EventPath)
	s.tableMu.Lock()
	s.table[fp] = &subscription{general: true}
	count := len(s.table)
	s.tableMu.Unlock()
	s.metrics.SubscriptionCountSet(s.id, count)
	s.enqueueSend(newGeneralSubscribedEnvelope(fp))
}

func (s *Session) handleUnsubscribe(raw []byte) {
	var msg unsubscribeMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.EventID == "" {
		s.sendError(brokererr.BadRequestf("event_id is required"))
		return
	}

	s.tableMu.Lock()
	_, ok := s.table[msg.EventID]
	if ok {
		delete(s.table, msg.EventID)
	}
	count := len(s.table)
	s.tableMu.Unlock()
	if !ok {
		s.sendError(brokererr.New(brokererr.EventNotFound, "event not found"))
		return
	}
	s.metrics.SubscriptionCountSet(s.id, count)
}

// handleEvent implements the change-detection protocol: a
// data-carrying event is forwarded verbatim; a bare fingerprint is
// re-resolved and diffed against the stored hash, suppressing the push
// when nothing changed.
func (s *Session) handleEvent(ctx context.Context, ev broadcast.Event) {
	s.tableMu.RLock()
	sub, ok := s.table[ev.Fingerprint]
	s.tableMu.RUnlock()
	if !ok {
		return
	}

	if ev.HasPayload {
		s.enqueueSend(newPublishedEnvelope(ev.Fingerprint, ev.Payload))
		return
	}
	if sub.general {
		// A general subscription only ever receives data-carrying events;
		// a bare fingerprint for one can't happen, but ignore defensively.
		return
	}

	resolveStart := time.Now()
	slice, err := resolve.Resolve(ctx, s.client, sub.descriptor)
	s.metrics.ResolveLatency(time.Since(resolveStart))
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.Fingerprint).Msg("resolve failed during change detection")
		return
	}

	newHash := canonical.Hash(slice)
	if newHash == sub.dataHash {
		s.metrics.ChangeSuppressed(s.id)
		return
	}

	sub.dataHash = newHash
	s.enqueueSend(newChangedEnvelope(ev.Fingerprint, newHash, slice))
	s.metrics.ChangePushed(s.id)
}

func (s *Session) sendError(err error) {
	if bErr, ok := err.(*brokererr.Error); ok {
		s.metrics.SubscribeError(int(bErr.Code))
		s.enqueueSend(newErrorEnvelope(int(bErr.Code), bErr.Message))
		return
	}
	s.enqueueSend(newErrorEnvelope(int(brokererr.BadRequest), err.Error()))
}

func (s *Session) enqueueSend(envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal outbound envelope")
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn().Msg("outbound buffer full, dropping envelope")
	}
}

func newSessionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "session-" + hex.EncodeToString(buf) + "-" + time.Now().Format("150405")
}
