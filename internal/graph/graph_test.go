package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record() Record {
	return Record{
		AggregateType: "instance",
		AggregateID:   "inst 1",
		Sequence:      3,
		ContentHash:   "abc123",
		Payload:       json.RawMessage(`{"progress":1}`),
	}
}

func TestHTTPStoreUpsert(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var gotBody Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store, err := NewHTTPStore(server.URL+"/v1/", "secret", server.Client())
	require.NoError(t, err)

	require.NoError(t, store.Upsert(context.Background(), record()))
	assert.Equal(t, "/v1/instance/inst%201", gotPath)
	assert.Equal(t, "abc123", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, int64(3), gotBody.Sequence)
	assert.JSONEq(t, `{"progress":1}`, string(gotBody.Payload))
}

func TestHTTPStoreErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "graph is read-only", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store, err := NewHTTPStore(server.URL, "", nil)
	require.NoError(t, err)

	err = store.Upsert(context.Background(), record())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "graph is read-only")
}

func TestHTTPStoreHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	store, err := NewHTTPStore(server.URL, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = store.Upsert(ctx, record())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHTTPStoreRejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "localhost:8080", "ftp://example.com", "http://"} {
		_, err := NewHTTPStore(endpoint, "", nil)
		assert.Error(t, err, "endpoint %q", endpoint)
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := record()
	require.NoError(t, m.Upsert(ctx, rec))
	require.NoError(t, m.Upsert(ctx, rec))

	newer := rec
	newer.Sequence = 4
	newer.ContentHash = "def456"
	require.NoError(t, m.Upsert(ctx, newer))

	assert.Equal(t, 3, m.Upserts())
	assert.Equal(t, 2, m.Distinct())

	latest, ok := m.Latest("instance", "inst 1")
	require.True(t, ok)
	assert.Equal(t, int64(4), latest.Sequence)

	boom := errors.New("boom")
	m.FailWith(func(Record) error { return boom })
	assert.ErrorIs(t, m.Upsert(ctx, rec), boom)
	m.FailWith(nil)
	assert.NoError(t, m.Upsert(ctx, rec))
}

func TestMemoryKeepsHighestSequence(t *testing.T) {
	m := NewMemory()
	newer := record()
	newer.Sequence = 2
	newer.ContentHash = "new"
	older := record()
	older.Sequence = 1
	older.ContentHash = "old"

	require.NoError(t, m.Upsert(context.Background(), newer))
	require.NoError(t, m.Upsert(context.Background(), older))

	got, ok := m.Latest(newer.AggregateType, newer.AggregateID)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Sequence)
	assert.Equal(t, "new", got.ContentHash)
	assert.Equal(t, 2, m.Upserts())
	assert.Equal(t, 2, m.Distinct())
}
