// Package fingerprint implements the canonical subscription descriptor and
// the deterministic SHA-1 fingerprinting scheme that lets a write path and a
// subscribe path arrive at the same routing key.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"odin-broadcaster/internal/brokererr"
)

// Descriptor is the canonical representation of a subscribed slice:
// (db_name, collection_name, object_id?, field?).
type Descriptor struct {
	DB         string
	Collection string
	ObjectID   primitive.ObjectID
	HasID      bool
	Field      string
}

// Valid reports whether a descriptor is well-formed: both DB and Collection
// must be non-empty. ObjectID and Field are always optional.
func (d Descriptor) Valid() bool {
	return d.DB != "" && d.Collection != ""
}

// idString renders the descriptor's object id component the way the
// fingerprint's canonical byte sequence requires: "None" when absent, the
// 24-hex form otherwise.
func (d Descriptor) idString() string {
	if !d.HasID {
		return "None"
	}
	return d.ObjectID.Hex()
}

// Fingerprint computes the 40-character lowercase hex SHA-1 digest of the
// descriptor's canonical byte sequence. It is pure and deterministic across
// processes and restarts: the same descriptor always yields the same key.
func Fingerprint(d Descriptor) string {
	s := d.DB + ":" + d.Collection + ":" + d.idString() + ":" + d.Field
	return hashHex(s)
}

// FingerprintPath computes the fingerprint for a general-event path, using
// the same SHA-1-hex scheme as Fingerprint.
func FingerprintPath(eventPath string) string {
	return hashHex(eventPath)
}

func hashHex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// subscribeMessage is the wire shape of a db_subscribe payload.
type subscribeMessage struct {
	DBName         string `json:"db_name"`
	CollectionName string `json:"collection_name"`
	ObjectID       string `json:"objectId,omitempty"`
	Field          string `json:"field,omitempty"`
}

// Parse reads a db_subscribe JSON payload and builds the Descriptor it
// names. It fails with brokererr.BadRequest on malformed JSON, a missing
// db_name/collection_name key, or an objectId that isn't a 24-hex document
// id; it fails with brokererr.InvalidSubscribeMessage when both keys are
// present but the resulting descriptor is still not Valid() (e.g. an
// explicit empty string).
func Parse(raw []byte) (Descriptor, error) {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return Descriptor{}, brokererr.BadRequestf("malformed JSON: %v", err)
	}
	if _, ok := present["db_name"]; !ok {
		return Descriptor{}, brokererr.BadRequestf("db_name is required")
	}
	if _, ok := present["collection_name"]; !ok {
		return Descriptor{}, brokererr.BadRequestf("collection_name is required")
	}

	var msg subscribeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Descriptor{}, brokererr.BadRequestf("malformed JSON: %v", err)
	}

	d := Descriptor{
		DB:         msg.DBName,
		Collection: msg.CollectionName,
		Field:      msg.Field,
	}
	if msg.ObjectID != "" {
		oid, err := primitive.ObjectIDFromHex(msg.ObjectID)
		if err != nil {
			return Descriptor{}, brokererr.BadRequestf("objectId %q is not a valid 24-hex id: %v", msg.ObjectID, err)
		}
		d.ObjectID = oid
		d.HasID = true
	}

	if !d.Valid() {
		return Descriptor{}, brokererr.New(brokererr.InvalidSubscribeMessage, fmt.Sprintf("invalid subscription descriptor for %s.%s", msg.DBName, msg.CollectionName))
	}
	return d, nil
}
