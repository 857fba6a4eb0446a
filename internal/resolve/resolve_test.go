package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestBuildProjectionForNamedField(t *testing.T) {
	got := buildProjection("status")
	assert.Equal(t, bson.M{"status": 1}, got)
}

func TestBuildProjectionForNestedNamedField(t *testing.T) {
	got := buildProjection("shipping.address")
	assert.Equal(t, bson.M{"shipping.address": 1}, got)
}

func TestBuildProjectionForArrayIndex(t *testing.T) {
	got := buildProjection("items.0")
	assert.Equal(t, bson.M{
		"_id":   1,
		"items": bson.M{"$slice": bson.A{0, 1}},
	}, got)
}

func TestBuildProjectionForNestedArrayIndex(t *testing.T) {
	got := buildProjection("order.items.2")
	assert.Equal(t, bson.M{
		"_id":         1,
		"order.items": bson.M{"$slice": bson.A{2, 1}},
	}, got)
}

func TestBuildProjectionTreatsNegativeIndexAsFieldName(t *testing.T) {
	// "-1" parses as an int but isn't a valid array index here; treated as
	// a literal (if unusual) field name instead.
	got := buildProjection("items.-1")
	assert.Equal(t, bson.M{"items.-1": 1}, got)
}
