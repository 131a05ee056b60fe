package freshness_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/illmade-knight/go-freshness/pkg/freshness"
)

func TestKey(t *testing.T) {
	t.Run("Builds grammar with sorted dimensions", func(t *testing.T) {
		key := freshness.Key("daily", "summary", map[string]string{
			"tz":   "America/Los_Angeles",
			"date": "2024-05-01",
		})
		assert.Equal(t, "daily:summary:date=2024-05-01:tz=America/Los_Angeles", key)
	})

	t.Run("Equal inputs produce equal keys regardless of order", func(t *testing.T) {
		a := freshness.Key("daily", "summary", map[string]string{"a": "1", "b": "2", "c": "3"})
		b := freshness.Key("daily", "summary", map[string]string{"c": "3", "a": "1", "b": "2"})
		assert.Equal(t, a, b)
	})

	t.Run("No dimensions", func(t *testing.T) {
		assert.Equal(t, "settings:profile", freshness.Key("settings", "profile", nil))
	})
}

func TestPredicates(t *testing.T) {
	key := "daily:summary:date=2024-05-01:tz=America/Los_Angeles"

	assert.True(t, freshness.DimPredicate("date", "2024-05-01")(key))
	assert.False(t, freshness.DimPredicate("date", "2024-05-02")(key))

	assert.True(t, freshness.NamespacePredicate("daily")(key))
	assert.False(t, freshness.NamespacePredicate("dail")(key))
	assert.False(t, freshness.NamespacePredicate("settings")(key))
}
