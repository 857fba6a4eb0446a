package fingerprint

import "go.mongodb.org/mongo-driver/bson/primitive"

// ForWrite derives the ordered list of fingerprints a database write must
// publish. If objectID is absent or fields is empty, the write only affects
// the collection-level fingerprint. Otherwise the collection-level and
// document-level fingerprints are always emitted first, so that broader
// subscriptions still fire on narrower writes, followed by one fingerprint
// per field.
func ForWrite(db, collection string, objectID *primitive.ObjectID, fields []string) []string {
	collFp := Fingerprint(Descriptor{DB: db, Collection: collection})

	if objectID == nil || len(fields) == 0 {
		return []string{collFp}
	}

	out := make([]string, 0, 2+len(fields))
	out = append(out, collFp)
	out = append(out, Fingerprint(Descriptor{DB: db, Collection: collection, ObjectID: *objectID, HasID: true}))
	for _, f := range fields {
		out = append(out, Fingerprint(Descriptor{DB: db, Collection: collection, ObjectID: *objectID, HasID: true, Field: f}))
	}
	return out
}

// DocumentFingerprint is the (db, collection, objectID, "") fingerprint used
// for delete payload routing.
func DocumentFingerprint(db, collection string, objectID primitive.ObjectID) string {
	return Fingerprint(Descriptor{DB: db, Collection: collection, ObjectID: objectID, HasID: true})
}

// CollectionFingerprint is the (db, collection, None, "") fingerprint used
// for collection-wide subscriptions.
func CollectionFingerprint(db, collection string) string {
	return Fingerprint(Descriptor{DB: db, Collection: collection})
}
