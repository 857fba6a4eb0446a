package metrics

import (
	"sync"
	"time"
)

// ConnectionInfo holds the broker-specific detail the /stats endpoint
// surfaces for one live session: not just wire traffic, but how many
// subscriptions it holds and how its change-detection re-resolutions have
// gone (pushed vs. suppressed-as-unchanged).
type ConnectionInfo struct {
	ID                string
	RemoteAddr        string
	ConnectedAt       time.Time
	LastMessageAt     time.Time
	EnvelopesSent     uint64
	EnvelopesRecv     uint64
	BytesSent         uint64
	BytesRecv         uint64
	SubscriptionCount int
	ChangesPushed     uint64
	ChangesSuppressed uint64
}

// ConnectionTracker keeps per-session detail keyed by session id, backing
// the broker's /stats endpoint with something more useful than the
// aggregate Prometheus counters alone.
type ConnectionTracker struct {
	mu               sync.RWMutex
	connections      map[string]*ConnectionInfo
	totalConnections uint64
	peakConnections  int
}

// NewConnectionTracker creates an empty tracker.
func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]*ConnectionInfo),
	}
}

// AddConnection registers a newly opened session.
func (ct *ConnectionTracker) AddConnection(id, remoteAddr string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.connections[id] = &ConnectionInfo{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}

	ct.totalConnections++

	if n := len(ct.connections); n > ct.peakConnections {
		ct.peakConnections = n
	}
}

// RemoveConnection drops a session's detail once its connection closes.
func (ct *ConnectionTracker) RemoveConnection(id string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	delete(ct.connections, id)
}

// UpdateConnectionStats records one transferred message on id's connection.
// sent distinguishes an outbound push from an inbound client message.
func (ct *ConnectionTracker) UpdateConnectionStats(id string, sent bool, bytes uint64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	conn, ok := ct.connections[id]
	if !ok {
		return
	}
	conn.LastMessageAt = time.Now()
	if sent {
		conn.EnvelopesSent++
		conn.BytesSent += bytes
	} else {
		conn.EnvelopesRecv++
		conn.BytesRecv += bytes
	}
}

// SetSubscriptionCount records id's current subscription table size, as
// tracked by internal/session after every subscribe/unsubscribe.
func (ct *ConnectionTracker) SetSubscriptionCount(id string, n int) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if conn, ok := ct.connections[id]; ok {
		conn.SubscriptionCount = n
	}
}

// RecordChangePushed records one "data changed" envelope pushed to id after
// a re-resolution found the hash had moved.
func (ct *ConnectionTracker) RecordChangePushed(id string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if conn, ok := ct.connections[id]; ok {
		conn.ChangesPushed++
	}
}

// RecordChangeSuppressed records one re-resolution for id whose hash matched
// the stored baseline, so nothing was pushed.
func (ct *ConnectionTracker) RecordChangeSuppressed(id string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if conn, ok := ct.connections[id]; ok {
		conn.ChangesSuppressed++
	}
}

// GetActiveCount returns the current number of tracked sessions.
func (ct *ConnectionTracker) GetActiveCount() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	return len(ct.connections)
}

// GetConnectionStats returns both the aggregate broker traffic/subscription
// totals and a per-session detail list, for the /stats endpoint.
func (ct *ConnectionTracker) GetConnectionStats() map[string]interface{} {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	var totalEnvelopesSent, totalEnvelopesRecv uint64
	var totalBytesSent, totalBytesRecv uint64
	var totalSubscriptions int
	var totalChangesPushed, totalChangesSuppressed uint64
	var avgConnectionDuration time.Duration

	now := time.Now()
	connectionDetails := make([]map[string]interface{}, 0, len(ct.connections))

	for _, conn := range ct.connections {
		totalEnvelopesSent += conn.EnvelopesSent
		totalEnvelopesRecv += conn.EnvelopesRecv
		totalBytesSent += conn.BytesSent
		totalBytesRecv += conn.BytesRecv
		totalSubscriptions += conn.SubscriptionCount
		totalChangesPushed += conn.ChangesPushed
		totalChangesSuppressed += conn.ChangesSuppressed
		avgConnectionDuration += now.Sub(conn.ConnectedAt)

		connectionDetails = append(connectionDetails, map[string]interface{}{
			"id":                 conn.ID,
			"remote_addr":        conn.RemoteAddr,
			"duration_sec":       now.Sub(conn.ConnectedAt).Seconds(),
			"envelopes_sent":     conn.EnvelopesSent,
			"envelopes_recv":     conn.EnvelopesRecv,
			"bytes_sent":         conn.BytesSent,
			"bytes_recv":         conn.BytesRecv,
			"subscription_count": conn.SubscriptionCount,
			"changes_pushed":     conn.ChangesPushed,
			"changes_suppressed": conn.ChangesSuppressed,
			"idle_sec":           now.Sub(conn.LastMessageAt).Seconds(),
		})
	}

	activeCount := len(ct.connections)
	if activeCount > 0 {
		avgConnectionDuration = avgConnectionDuration / time.Duration(activeCount)
	}

	return map[string]interface{}{
		"active":                  activeCount,
		"total":                   ct.totalConnections,
		"peak":                    ct.peakConnections,
		"envelopes_sent_total":    totalEnvelopesSent,
		"envelopes_recv_total":    totalEnvelopesRecv,
		"bytes_sent_total":        totalBytesSent,
		"bytes_recv_total":        totalBytesRecv,
		"subscriptions_total":     totalSubscriptions,
		"changes_pushed_total":    totalChangesPushed,
		"changes_suppressed_total": totalChangesSuppressed,
		"avg_duration_sec":        avgConnectionDuration.Seconds(),
		"connections":             connectionDetails,
	}
}

// GetSummary returns the connection-count summary alone, cheaper than
// GetConnectionStats when the caller doesn't need per-session detail.
func (ct *ConnectionTracker) GetSummary() map[string]interface{} {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	return map[string]interface{}{
		"active": len(ct.connections),
		"total":  ct.totalConnections,
		"peak":   ct.peakConnections,
	}
}
