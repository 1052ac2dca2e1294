package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_FingerprintIgnoresConstructionOrder(t *testing.T) {
	a := NewRecord(map[string]interface{}{"id": "a", "amount": 10.5, "name": "Ada"})
	b := NewRecord(map[string]interface{}{"name": "Ada", "amount": 10.5, "id": "a"})
	c := NewRecord(map[string]interface{}{"id": "a", "amount": 10.5, "name": "Eda"})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestRecord_KeyString(t *testing.T) {
	rec := NewRecord(map[string]interface{}{"region": "eu", "id": "a", "name": "Ada"})

	assert.Equal(t, rec.KeyString([]string{"region", "id"}), rec.KeyString([]string{"region", "id"}))
	assert.NotEqual(t, rec.KeyString([]string{"region", "id"}), rec.KeyString([]string{"id", "region"}))

	// Missing key columns serialize as null, still yielding a stable key
	withMissing := NewRecord(map[string]interface{}{"id": "a"})
	assert.Equal(t, withMissing.KeyString([]string{"id", "region"}), withMissing.KeyString([]string{"id", "region"}))
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	orig := Record{Data: map[string]interface{}{"id": "a", "name": "Ada"}, Position: 7}
	clone := orig.Clone()

	clone.Data["name"] = "Eda"
	assert.Equal(t, "Ada", orig.Data["name"])
	assert.Equal(t, int64(7), clone.Position)
}

func TestRecord_Columns(t *testing.T) {
	rec := NewRecord(map[string]interface{}{"b": 1, "a": 2, "c": 3})
	require.Equal(t, []string{"a", "b", "c"}, rec.Columns())
}
