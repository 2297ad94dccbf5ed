package discordbot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestParseCommission(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"$key": " -Mabc ",
		"name": "  Crafter gear ",
		"totalItems": 3,
		"status": 0,
		"datacenter": "Light",
		"server": "Odin",
		"price": 250000,
		"items": [{"id": 5057, "amount": 3, "done": 1}],
		"includesMaterials": true
	}`)

	c, err := ParseCommission(data)
	require.NoError(t, err)
	assert.Equal(t, "-Mabc", c.Key)
	assert.Equal(t, "Crafter gear", c.Name)
	assert.Equal(t, 3, c.TotalItems)
	assert.Equal(t, CommissionOpen, c.Status)
	assert.Equal(t, "Light", c.Datacenter)
	assert.InDelta(t, 250000, c.Price, 0.001)
	assert.True(t, c.IncludesMaterials)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Remaining())

	// absent optional collections are normalized to empty ones
	assert.NotNil(t, c.Tags)
	assert.Empty(t, c.Tags)
}

func TestParseCommission_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"not json":       `{"$key": `,
		"missing key":    `{"totalItems": 1}`,
		"blank key":      `{"$key": "   "}`,
		"bad status":     `{"$key": "k", "status": 3}`,
		"negative total": `{"$key": "k", "totalItems": -1}`,
		"negative item":  `{"$key": "k", "items": [{"id": 1, "amount": -2}]}`,
		"wrong type":     `{"$key": "k", "tags": "one"}`,
	}

	for name, data := range tests {
		t.Run(
			name, func(t *testing.T) {
				t.Parallel()
				_, err := ParseCommission([]byte(data))
				assert.Error(t, err)
			},
		)
	}
}

func TestParseCommissionEventType(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"created", "UPDATED", " deleted "} {
		_, err := ParseCommissionEventType(s)
		assert.NoError(t, err, s)
	}

	_, err := ParseCommissionEventType("archived")
	assert.ErrorIs(t, err, ErrUnknownCommissionEvent)
}

func TestParseCommissionNotification(t *testing.T) {
	t.Parallel()

	event, c, err := ParseCommissionNotification(
		`{"event": "updated", "commission": {"$key": "k", "status": 1, "datacenter": "Chaos"}}`,
	)
	require.NoError(t, err)
	assert.Equal(t, CommissionEventUpdated, event)
	assert.Equal(t, "k", c.Key)
	assert.Equal(t, CommissionStarted, c.Status)

	_, _, err = ParseCommissionNotification(`{"event": "updated"}`)
	assert.Error(t, err)

	_, _, err = ParseCommissionNotification(`{"event": "poked", "commission": {"$key": "k"}}`)
	assert.ErrorIs(t, err, ErrUnknownCommissionEvent)

	_, _, err = ParseCommissionNotification(`nope`)
	assert.Error(t, err)
}

func TestCommissionStatus_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "open", CommissionOpen.String())
	assert.Equal(t, "started", CommissionStarted.String())
	assert.Equal(t, "archived", CommissionArchived.String())
	assert.Equal(t, "unknown(9)", CommissionStatus(9).String())
}

func TestCommission_LogValue(t *testing.T) {
	t.Parallel()
	c := testCommission("k")
	v := c.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]string{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value.String()
	}
	assert.Equal(t, "k", attrs["key"])
	assert.Equal(t, "open", attrs["status"])
	assert.Equal(t, "Aether", attrs["datacenter"])
	assert.Equal(t, "2", attrs["total_items"])
}
