package broadcast

// Event is the tagged union the queue carries: a bare Fingerprint the
// subscriber must re-fetch and diff, or a Fingerprint with a Payload
// delivered verbatim with no diff. HasPayload discriminates the two.
type Event struct {
	Fingerprint string
	Payload     any
	HasPayload  bool
}

// Subscriber is anything the queue can fan events out to: a session that
// knows which fingerprints it cares about and can accept a delivery without
// blocking the dispatcher. internal/session.Session is the only
// implementation.
type Subscriber interface {
	IsSubscribed(fingerprint string) bool
	Deliver(ev Event) bool
}
