// Package resolve implements the data-path resolver: given a
// subscription descriptor and a database handle, fetch the current slice of
// data the descriptor designates.
package resolve

import (
	"context"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"odin-broadcaster/internal/fingerprint"
)

// Resolve fetches the current slice a descriptor designates, against
// whichever database the descriptor names (client.Database(d.DB)), since a
// single session may hold subscriptions spanning more than one database.
// The result is one of: nil, a bson.M (single document), or []bson.M (an
// ordered list of documents); callers hash it via internal/canonical.Hash.
func Resolve(ctx context.Context, client *mongo.Client, d fingerprint.Descriptor) (any, error) {
	col := client.Database(d.DB).Collection(d.Collection)

	if d.Field == "" {
		if !d.HasID {
			return resolveCollection(ctx, col)
		}
		return resolveDocument(ctx, col, d.ObjectID)
	}
	return resolveField(ctx, col, d.ObjectID, d.Field)
}

func resolveCollection(ctx context.Context, col *mongo.Collection) ([]bson.M, error) {
	cursor, err := col.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func resolveDocument(ctx context.Context, col *mongo.Collection, id primitive.ObjectID) (bson.M, error) {
	var doc bson.M
	err := col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// buildProjection maps a dotted field path to a find projection: a non-numeric trailing
// path segment is requested as {path: 1}; a numeric trailing segment n is
// treated as an array index and requested via {_id:1, prefix:{"$slice":[n,1]}}.
func buildProjection(field string) bson.M {
	parts := strings.Split(field, ".")
	last := parts[len(parts)-1]

	if n, err := strconv.Atoi(last); err == nil && n >= 0 {
		prefix := strings.Join(parts[:len(parts)-1], ".")
		return bson.M{
			"_id":  1,
			prefix: bson.M{"$slice": bson.A{n, 1}},
		}
	}
	return bson.M{field: 1}
}

func resolveField(ctx context.Context, col *mongo.Collection, id primitive.ObjectID, field string) (bson.M, error) {
	opts := options.FindOne().SetProjection(buildProjection(field))
	var doc bson.M
	err := col.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
