package eventstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeID_RoundTrip(t *testing.T) {
	id := EncodeID("acme", "billing", "invoices", 42)
	require.Equal(t, "acme/billing/invoices-42", id)

	decoded, err := DecodeID(id)
	require.NoError(t, err)
	require.Equal(t, "acme", decoded.Tenant)
	require.Equal(t, "billing", decoded.Namespace)
	require.Equal(t, "invoices", decoded.Topic)
	require.Equal(t, uint64(42), decoded.Sequence)
	require.Equal(t, id, decoded.String())
}

func TestDecodeID_LegacySingleSegment(t *testing.T) {
	decoded, err := DecodeID("invoices-7")
	require.NoError(t, err)
	require.Equal(t, "", decoded.Tenant)
	require.Equal(t, "invoices", decoded.Topic)
	require.Equal(t, uint64(7), decoded.Sequence)
}

func TestDecodeID_Malformed(t *testing.T) {
	for _, raw := range []string{"", "invoices", "invoices-", "a/b/c/invoices-1"} {
		_, err := DecodeID(raw)
		require.Error(t, err, raw)
	}
}

func TestStore_WriteAndReadSince(t *testing.T) {
	store, err := New(t.TempDir(), 1000)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := uint64(1); i <= 3; i++ {
		id := EncodeID("acme", "billing", "invoices", i)
		payload, _ := json.Marshal(map[string]any{"id": id})
		require.NoError(t, store.Write(Event{ID: id, Timestamp: now, Type: "invoice.created", Payload: payload}))
	}

	events, err := store.ReadSince("acme", "billing", "invoices", 0, 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "acme/billing/invoices-1", events[0].ID)
	require.Equal(t, "acme/billing/invoices-3", events[2].ID)

	events, err = store.ReadSince("acme", "billing", "invoices", 1, 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "acme/billing/invoices-2", events[0].ID)

	events, err = store.ReadSince("acme", "billing", "invoices", 0, 3, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestStore_ReadSince_AcrossBucketBoundary(t *testing.T) {
	store, err := New(t.TempDir(), 2)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := uint64(1); i <= 5; i++ {
		id := EncodeID("acme", "billing", "invoices", i)
		payload, _ := json.Marshal(map[string]any{"n": i})
		require.NoError(t, store.Write(Event{ID: id, Timestamp: now, Type: "invoice.created", Payload: payload}))
	}

	events, err := store.ReadSince("acme", "billing", "invoices", 0, 5, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		require.Equal(t, EncodeID("acme", "billing", "invoices", uint64(i+1)), e.ID)
	}
}

func TestStore_BucketBoundaries(t *testing.T) {
	store, err := New(t.TempDir(), 1000)
	require.NoError(t, err)

	require.Equal(t, "0000", store.bucket(1))
	require.Equal(t, "0000", store.bucket(1000))
	require.Equal(t, "0001", store.bucket(1001))
	require.Equal(t, "0001", store.bucket(2000))
	require.Equal(t, "0002", store.bucket(2001))
}

func TestStore_ReadByDate(t *testing.T) {
	store, err := New(t.TempDir(), 1000)
	require.NoError(t, err)

	when := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	id := EncodeID("acme", "billing", "invoices", 1)
	payload, _ := json.Marshal(map[string]any{"id": "inv-1"})
	require.NoError(t, store.Write(Event{ID: id, Timestamp: when, Type: "invoice.created", Payload: payload}))

	events, err := store.ReadByDate("acme", "billing", "invoices", when, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id, events[0].ID)

	events, err = store.ReadByDate("acme", "billing", "invoices", when.AddDate(0, 0, 1), 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_ReadSince_NoEvents(t *testing.T) {
	store, err := New(t.TempDir(), 1000)
	require.NoError(t, err)

	events, err := store.ReadSince("acme", "billing", "invoices", 0, 0, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}
