// Package canonical implements the single canonical string encoding used to
// hash a resolved data slice, both for the subscribe-time baseline hash and
// every subsequent change-time hash. Using one encoder for both call sites
// is required: otherwise false-positive "data changed" pushes occur the
// first time a slice is re-resolved.
package canonical

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Hash returns the SHA-1 hex digest of the canonical encoding of slice.
// slice is whatever internal/resolve.Resolve returned: nil, a bson.M, or a
// []bson.M.
func Hash(slice any) string {
	sum := sha1.Sum([]byte(Encode(slice)))
	return hex.EncodeToString(sum[:])
}

// Encode renders slice as a deterministic string: object keys sorted
// lexicographically, numbers in a fixed decimal form, and an absent slice
// or an explicit null both rendered as the literal "null".
func Encode(slice any) string {
	var b []byte
	b = appendValue(b, slice)
	return string(b)
}

func appendValue(b []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(b, "null"...)
	case bson.M:
		return appendMap(b, map[string]any(t))
	case map[string]any:
		return appendMap(b, t)
	case bson.A:
		return appendSlice(b, []any(t))
	case []bson.M:
		arr := make([]any, len(t))
		for i, e := range t {
			arr[i] = e
		}
		return appendSlice(b, arr)
	case []any:
		return appendSlice(b, t)
	case string:
		return strconv.AppendQuote(b, t)
	case bool:
		return strconv.AppendBool(b, t)
	case int32:
		return strconv.AppendInt(b, int64(t), 10)
	case int64:
		return strconv.AppendInt(b, t, 10)
	case int:
		return strconv.AppendInt(b, int64(t), 10)
	case float64:
		return strconv.AppendFloat(b, t, 'g', -1, 64)
	case primitive.ObjectID:
		return strconv.AppendQuote(b, t.Hex())
	case primitive.DateTime:
		return strconv.AppendInt(b, int64(t), 10)
	default:
		return append(b, []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", t)))...)
	}
}

func appendMap(b []byte, m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b = append(b, '{')
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendQuote(b, k)
		b = append(b, ':')
		b = appendValue(b, m[k])
	}
	b = append(b, '}')
	return b
}

func appendSlice(b []byte, a []any) []byte {
	b = append(b, '[')
	for i, e := range a {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendValue(b, e)
	}
	b = append(b, ']')
	return b
}
