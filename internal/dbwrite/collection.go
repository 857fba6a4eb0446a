// Package dbwrite implements the write interceptor: a thin wrapper around
// *mongo.Collection that performs the caller's write unchanged, then derives
// and publishes the fingerprints the write affects.
package dbwrite

import (
	"context"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"odin-broadcaster/internal/fingerprint"
)

// Queue is the subset of internal/broadcast.Queue the interceptor needs.
type Queue interface {
	Publish(fingerprint string)
	PublishWithPayload(fingerprint string, payload any)
}

// Collection wraps a *mongo.Collection, publishing fingerprints for every
// write that reports at least one affected document.
type Collection struct {
	col   *mongo.Collection
	queue Queue
	db    string
}

// Wrap builds a write-publishing Collection over col. dbName is the logical
// database name used in fingerprint derivation (the driver's *mongo.Database
// already scopes col, but the fingerprint scheme needs the name as a string).
func Wrap(col *mongo.Collection, queue Queue, dbName string) *Collection {
	return &Collection{col: col, queue: queue, db: dbName}
}

func (c *Collection) name() string { return c.col.Name() }

func (c *Collection) publishAll(fps []string) {
	for _, fp := range fps {
		c.queue.Publish(fp)
	}
}

// InsertOne performs the insert and publishes the collection-level
// fingerprint when a document was actually inserted.
func (c *Collection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	res, err := c.col.InsertOne(ctx, document, opts...)
	if err != nil {
		return res, err
	}
	if res != nil && res.InsertedID != nil {
		c.queue.Publish(fingerprint.CollectionFingerprint(c.db, c.name()))
	}
	return res, nil
}

// InsertMany performs the insert and publishes the collection-level
// fingerprint when at least one document was inserted.
func (c *Collection) InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	res, err := c.col.InsertMany(ctx, documents, opts...)
	if err != nil {
		return res, err
	}
	if res != nil && len(res.InsertedIDs) > 0 {
		c.queue.Publish(fingerprint.CollectionFingerprint(c.db, c.name()))
	}
	return res, nil
}

// UpdateOne performs the update first, then looks up the matched document id
// using the same (original) filter, and on a modified document publishes the
// collection, document, and per-field fingerprints for the fields the update
// touched. Looking the id up after the write against the caller's filter is
// racy whenever the filter depends on a field the update itself changes:
// the document may no longer match, and the notification for it is lost.
func (c *Collection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	res, err := c.col.UpdateOne(ctx, filter, update, opts...)
	if err != nil {
		return res, err
	}
	if res != nil && res.ModifiedCount > 0 {
		id, idErr := c.lookupID(ctx, filter)
		if idErr == nil && id != nil {
			c.publishAll(fingerprint.ForWrite(c.db, c.name(), id, updatedFields(update)))
		}
	}
	return res, nil
}

// UpdateMany performs the update first, then looks up the matched document
// ids using the same (original) filter, and for each document that filter
// still matches publishes the same set UpdateOne would. See UpdateOne for why the lookup
// runs against the original filter after the write rather than before it.
func (c *Collection) UpdateMany(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	res, err := c.col.UpdateMany(ctx, filter, update, opts...)
	if err != nil {
		return res, err
	}
	if res != nil && res.ModifiedCount > 0 {
		ids, idErr := c.lookupIDs(ctx, filter)
		if idErr == nil {
			fields := updatedFields(update)
			for _, id := range ids {
				id := id
				c.publishAll(fingerprint.ForWrite(c.db, c.name(), &id, fields))
			}
		}
	}
	return res, nil
}

// DeleteOne looks up the matched document id under the pre-write filter,
// performs the delete, and on a deleted document publishes its document
// fingerprint (carrying the deleted id as payload) plus the collection-level
// fingerprint.
func (c *Collection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	id, idErr := c.lookupID(ctx, filter)

	res, err := c.col.DeleteOne(ctx, filter, opts...)
	if err != nil {
		return res, err
	}
	if res != nil && res.DeletedCount > 0 {
		if idErr == nil && id != nil {
			c.queue.PublishWithPayload(fingerprint.DocumentFingerprint(c.db, c.name(), *id), bson.M{"deleted_id": id.Hex()})
		}
		c.queue.Publish(fingerprint.CollectionFingerprint(c.db, c.name()))
	}
	return res, nil
}

// DeleteMany looks up every matched document id under the pre-write filter,
// performs the delete, and on any deletion publishes each deleted document's
// fingerprint (with its deleted-id payload) followed by one collection-level
// fingerprint.
func (c *Collection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	ids, idErr := c.lookupIDs(ctx, filter)

	res, err := c.col.DeleteMany(ctx, filter, opts...)
	if err != nil {
		return res, err
	}
	if res != nil && res.DeletedCount > 0 {
		if idErr == nil {
			for _, id := range ids {
				c.queue.PublishWithPayload(fingerprint.DocumentFingerprint(c.db, c.name(), id), bson.M{"deleted_id": id.Hex()})
			}
		}
		c.queue.Publish(fingerprint.CollectionFingerprint(c.db, c.name()))
	}
	return res, nil
}

func (c *Collection) lookupID(ctx context.Context, filter any) (*primitive.ObjectID, error) {
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	var doc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	err := c.col.FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc.ID, nil
}

func (c *Collection) lookupIDs(ctx context.Context, filter any) ([]primitive.ObjectID, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := c.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]primitive.ObjectID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// updatedFields extracts the flat set of field names named at the second
// nesting level of an update document (the keys under "$set", "$inc", and
// so on), which is the field list a db_subscribe with a "field" key would
// match against. Update documents arrive as bson.M from in-process callers
// or as plain map[string]any decoded from a JSON write request; both
// shapes are walked. The result is sorted so the fingerprint list a write
// publishes is deterministic rather than following map iteration order.
// Top-level operators with a non-map operand contribute no fields instead
// of erroring, since the broker's job is routing, not validating the
// caller's update document.
func updatedFields(update any) []string {
	m, ok := asDocument(update)
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	var fields []string
	for _, v := range m {
		operand, ok := asDocument(v)
		if !ok {
			continue
		}
		for field := range operand {
			if _, dup := seen[field]; dup {
				continue
			}
			seen[field] = struct{}{}
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

func asDocument(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]any:
		return t, true
	default:
		return nil, false
	}
}
