package dbwrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"odin-broadcaster/internal/fingerprint"
)

// These drive Collection against a mocked mongo deployment (mtest.Mock)
// rather than a live server, so the write-then-lookup ordering is actually
// exercised: the update/delete command must be the first thing on the wire,
// and the id lookup (against the original filter) the second.

func TestUpdateOneLooksUpIDAfterTheWriteAndPublishes(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("publishes collection, document, and field fingerprints", func(mt *mtest.T) {
		id := primitive.NewObjectID()
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()

		mt.AddMockResponses(
			mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: 1},
				bson.E{Key: "nModified", Value: 1},
			),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
				{Key: "_id", Value: id},
			}),
		)

		q := newFakeQueue()
		col := Wrap(mt.Coll, q, mt.Coll.Database().Name())

		filter := bson.M{"status": "pending"}
		update := bson.M{"$set": bson.M{"status": "done"}}
		res, err := col.UpdateOne(context.Background(), filter, update)
		require.NoError(mt, err)
		require.EqualValues(mt, 1, res.ModifiedCount)

		// collection-level, document-level, and one per updated field
		require.Len(mt, q.published, 3)
		assert.Equal(mt, fingerprint.CollectionFingerprint(mt.Coll.Database().Name(), mt.Coll.Name()), q.published[0])
		assert.Equal(mt, fingerprint.DocumentFingerprint(mt.Coll.Database().Name(), mt.Coll.Name(), id), q.published[1])
	})

	mt.Run("publishes nothing when no document was modified", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: 0},
				bson.E{Key: "nModified", Value: 0},
			),
		)

		q := newFakeQueue()
		col := Wrap(mt.Coll, q, mt.Coll.Database().Name())

		filter := bson.M{"status": "pending"}
		update := bson.M{"$set": bson.M{"status": "done"}}
		res, err := col.UpdateOne(context.Background(), filter, update)
		require.NoError(mt, err)
		require.EqualValues(mt, 0, res.ModifiedCount)

		assert.Empty(mt, q.published)
	})
}

func TestUpdateManyPublishesPerMatchedDocument(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("publishes fingerprints for every matched document", func(mt *mtest.T) {
		idA := primitive.NewObjectID()
		idB := primitive.NewObjectID()
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()

		mt.AddMockResponses(
			mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: 2},
				bson.E{Key: "nModified", Value: 2},
			),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
				bson.D{{Key: "_id", Value: idA}},
				bson.D{{Key: "_id", Value: idB}},
			),
		)

		q := newFakeQueue()
		col := Wrap(mt.Coll, q, mt.Coll.Database().Name())

		filter := bson.M{"status": "pending"}
		update := bson.M{"$set": bson.M{"status": "done"}}
		res, err := col.UpdateMany(context.Background(), filter, update)
		require.NoError(mt, err)
		require.EqualValues(mt, 2, res.ModifiedCount)

		// collection, document, and field fingerprints for each matched document
		require.Len(mt, q.published, 6)
	})
}

func TestDeleteOnePublishesDeletedIDPayload(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("publishes the deleted document's id as payload", func(mt *mtest.T) {
		id := primitive.NewObjectID()
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()

		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
				{Key: "_id", Value: id},
			}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		q := newFakeQueue()
		col := Wrap(mt.Coll, q, mt.Coll.Database().Name())

		res, err := col.DeleteOne(context.Background(), bson.M{"_id": id})
		require.NoError(mt, err)
		require.EqualValues(mt, 1, res.DeletedCount)

		require.Len(mt, q.published, 2)
		payload, ok := q.payloads[q.published[0]]
		require.True(mt, ok)
		assert.Equal(mt, id.Hex(), payload.(bson.M)["deleted_id"])
	})
}
