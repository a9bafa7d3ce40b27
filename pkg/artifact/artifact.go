package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
)

// Store caches topology artifacts on a filesystem, keyed by their
// content hash. The hash doubles as the integrity check: a cached file
// whose digest no longer matches its name is refetched.
type Store struct {
	fs     afero.Fs
	dir    string
	client *http.Client
}

// NewStore builds a store rooted at dir. Tests pass afero.NewMemMapFs().
func NewStore(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Store{
		fs:  fs,
		dir: dir,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Hash returns the hex sha256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash+".yaml")
}

// Put verifies data against the expected hash and caches it. An empty
// expected hash accepts any content and returns the computed digest.
func (s *Store) Put(data []byte, expected string) (string, error) {
	actual := Hash(data)
	if expected != "" && actual != expected {
		return "", errdefs.Permanent(fmt.Errorf("artifact digest mismatch: want %s got %s", expected, actual))
	}
	if err := afero.WriteFile(s.fs, s.path(actual), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to cache artifact: %w", err)
	}
	return actual, nil
}

// Get returns the cached artifact, re-verifying the digest on read.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(hash))
	if err != nil {
		return nil, errdefs.NotFound("artifact", hash)
	}
	if Hash(data) != hash {
		// Cache corruption; drop the entry and force a refetch.
		_ = s.fs.Remove(s.path(hash))
		return nil, errdefs.NotFound("artifact", hash)
	}
	return data, nil
}

// Fetch returns the artifact for url, from cache when the hash is known
// and present, otherwise over HTTP with digest verification.
func (s *Store) Fetch(ctx context.Context, url, expected string) ([]byte, error) {
	if expected != "" {
		if data, err := s.Get(expected); err == nil {
			return data, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errdefs.Transient(err, 1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errdefs.Transient(err, 1)
		}
		return nil, errdefs.Permanent(err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errdefs.Transient(err, 1)
	}

	hash, err := s.Put(data, expected)
	if err != nil {
		return nil, err
	}
	log.WithComponent("artifact").Debug().
		Str("url", url).
		Str("hash", hash).
		Int("bytes", len(data)).
		Msg("fetched artifact")
	return data, nil
}
