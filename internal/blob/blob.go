// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob stores message bodies as content-addressed compressed
// files.  The key is the SHA-256 of the uncompressed content, so
// identical bodies are written once regardless of how many messages
// or accounts reference them.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"mailvault/internal/mailerr"
)

const (
	dirFileMode  = 0700
	blobFileMode = 0600
)

// Store is a content-addressed blob store rooted at one directory.
// Files live at <root>/aa/bb/<hex> where aa and bb are the first two
// bytes of the hash.
type Store struct {
	root string

	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates the root directory if needed and returns a Store.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirFileMode); err != nil {
		return nil, mailerr.E(mailerr.Io, "blob.Open", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, mailerr.E(mailerr.Internal, "blob.Open", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, mailerr.E(mailerr.Internal, "blob.Open", err)
	}
	return &Store{root: root, enc: enc, dec: dec}, nil
}

// Hash returns the hex digest used as the blob key for data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:4], hash)
}

// Put writes data and returns its hash.  The write is atomic: the
// payload is compressed to a temp file, synced, and renamed into
// place.  Putting content that already exists is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	hash := Hash(data)
	final := s.path(hash)

	if _, err := os.Stat(final); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}

	s.mu.Lock()
	compressed := s.enc.EncodeAll(data, nil)
	s.mu.Unlock()

	tmp, err := os.CreateTemp(dir, "put-*")
	if err != nil {
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}
	if err := tmp.Chmod(blobFileMode); err != nil {
		tmp.Close()
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}
	if err := tmp.Close(); err != nil {
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", mailerr.E(mailerr.Io, "blob.Put", err)
	}
	return hash, nil
}

// Get returns the uncompressed content for hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if len(hash) < 4 {
		return nil, mailerr.Errorf(mailerr.NotFound, "blob.Get", "malformed hash %q", hash)
	}
	compressed, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mailerr.Errorf(mailerr.NotFound, "blob.Get", "no blob %s", hash)
		}
		return nil, mailerr.E(mailerr.Io, "blob.Get", err)
	}
	s.mu.Lock()
	data, err := s.dec.DecodeAll(compressed, nil)
	s.mu.Unlock()
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "blob.Get", errors.Wrapf(err, "decompressing %s", hash))
	}
	return data, nil
}

// Exists reports whether the blob is present.
func (s *Store) Exists(hash string) bool {
	if len(hash) < 4 {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// GC removes every blob whose hash is not in live, in a single pass.
// Readers holding already-opened content are unaffected.
func (s *Store) GC(live map[string]struct{}) (int, error) {
	removed := 0
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		hash := filepath.Base(path)
		if _, ok := live[hash]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, mailerr.E(mailerr.Io, "blob.GC", err)
	}
	return removed, nil
}
