// Package artifact fetches and caches topology documents. Artifacts are
// content-addressed by sha256 so a definition's recorded topology hash is
// both the cache key and the integrity check.
package artifact
