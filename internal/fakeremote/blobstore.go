// Package fakeremote is a same-machine stand-in for the remote cluster: a
// content-addressed store of uploaded input bytes, looked up by sha256,
// plus produced outputs held by filename until downloaded. Kept as a simple in-memory map since
// this store only needs to survive one test process's lifetime, not a
// real server's.
package fakeremote

import (
	"sync"

	"github.com/gomacc-proxy/gomaccd/internal/common"
)

// blobStore is a per-Cluster content-addressed table of uploaded input
// bytes, keyed by sha256.
type blobStore struct {
	mu    sync.RWMutex
	blobs map[common.SHA256][]byte
}

func newBlobStore() *blobStore {
	return &blobStore{blobs: make(map[common.SHA256][]byte, 1024)}
}

func (s *blobStore) put(key common.SHA256, data []byte) {
	s.mu.Lock()
	s.blobs[key] = append([]byte(nil), data...)
	s.mu.Unlock()
}

func (s *blobStore) get(key common.SHA256) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	return data, ok
}

func (s *blobStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
