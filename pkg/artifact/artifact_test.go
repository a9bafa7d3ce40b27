package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	data := []byte("nodes: []\n")

	hash, err := s.Put(data, "")
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutRejectsDigestMismatch(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put([]byte("nodes: []\n"), Hash([]byte("something else")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrExternalPermanent)
}

func TestGetMissingArtifact(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(Hash([]byte("never stored")))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestGetDropsCorruptEntry(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewStore(fs, "/artifacts")
	require.NoError(t, err)

	data := []byte("nodes: []\n")
	hash, err := s.Put(data, "")
	require.NoError(t, err)

	// Corrupt the cached file behind the store's back.
	require.NoError(t, afero.WriteFile(fs, "/artifacts/"+hash+".yaml", []byte("tampered"), 0o644))

	_, err = s.Get(hash)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// The corrupt entry was removed.
	exists, err := afero.Exists(fs, "/artifacts/"+hash+".yaml")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFetchPrefersCache(t *testing.T) {
	s := newTestStore(t)
	data := []byte("nodes: []\n")
	hash, err := s.Put(data, "")
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	got, err := s.Fetch(context.Background(), srv.URL, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	s := newTestStore(t)
	data := []byte("nodes: []\n")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	got, err := s.Fetch(context.Background(), srv.URL, Hash(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The second fetch is served from cache.
	got, err = s.Fetch(context.Background(), srv.URL, Hash(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			s := newTestStore(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := s.Fetch(context.Background(), srv.URL, "")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, errdefs.IsRetryable(err))
		})
	}
}

func TestFetchRejectsTamperedDownload(t *testing.T) {
	s := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered content"))
	}))
	defer srv.Close()

	_, err := s.Fetch(context.Background(), srv.URL, Hash([]byte("expected content")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrExternalPermanent)
}
