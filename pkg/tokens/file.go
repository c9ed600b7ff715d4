// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

const (
	// persistVersion is the on-disk document version.
	persistVersion = 1

	// persistDebounce coalesces bursts of mutations into one write.
	persistDebounce = 100 * time.Millisecond

	filePerm = 0o600
	dirPerm  = 0o700
)

// persistDoc is the on-disk shape. When a cipher is configured the whole
// marshaled document is sealed with AES-GCM and the file holds raw bytes
// (12-byte nonce prefix) instead of JSON.
type persistDoc struct {
	Version   int         `json:"version"`
	Encrypted bool        `json:"encrypted"`
	Records   []*RSRecord `json:"records"`
}

// FileStore layers debounced write-through persistence over a MemoryStore.
// Reads are always served from memory; every record mutation schedules a
// persist after a short coalescing window.
type FileStore struct {
	*MemoryStore

	path   string
	cipher *Cipher

	mu        sync.Mutex
	timer     *time.Timer
	dirty     bool
	closeOnce sync.Once
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreConfig)

type fileStoreConfig struct {
	memOpts []MemoryStoreOption
	key     []byte
}

// WithEncryptionKey enables AES-256-GCM encryption of the persisted file.
func WithEncryptionKey(key []byte) FileStoreOption {
	return func(c *fileStoreConfig) { c.key = key }
}

// WithMemoryOptions forwards options to the underlying MemoryStore.
func WithMemoryOptions(opts ...MemoryStoreOption) FileStoreOption {
	return func(c *fileStoreConfig) { c.memOpts = append(c.memOpts, opts...) }
}

// NewFileStore creates a FileStore persisting to path, loading any existing
// document. A key that is present but not 32 bytes fails construction.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	cfg := &fileStoreConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var ciph *Cipher
	if cfg.key != nil {
		var err error
		if ciph, err = NewCipher(cfg.key); err != nil {
			return nil, err
		}
	}

	fs := &FileStore{
		path:   path,
		cipher: ciph,
	}
	memOpts := append([]MemoryStoreOption{withMutationHook(fs.schedulePersist)}, cfg.memOpts...)
	fs.MemoryStore = NewMemoryStore(memOpts...)

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		_ = fs.MemoryStore.Close()
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}
	fs.load()
	return fs, nil
}

// load rehydrates the memory indices from disk. Load failures are logged,
// never fatal: the server starts with an empty store rather than refusing
// to boot over a corrupt or undecryptable file.
func (fs *FileStore) load() {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		logger.Warnw("failed to read token store file", "path", fs.path, "error", err.Error())
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	if data[0] != '{' {
		// Binary content means the document was written encrypted.
		if fs.cipher == nil {
			logger.Warnw("token store file is encrypted but no key is configured, starting empty",
				"path", fs.path)
			return
		}
		if data, err = fs.cipher.Decrypt(data); err != nil {
			logger.Warnw("failed to decrypt token store file, starting empty",
				"path", fs.path, "error", err.Error())
			return
		}
	}

	var doc persistDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warnw("failed to parse token store file, starting empty",
			"path", fs.path, "error", err.Error())
		return
	}
	if doc.Version != persistVersion {
		logger.Warnw("unknown token store file version, starting empty",
			"path", fs.path, "version", doc.Version)
		return
	}
	if doc.Encrypted && fs.cipher == nil {
		logger.Warnw("token store file claims encryption but no key is configured, starting empty",
			"path", fs.path)
		return
	}

	loaded := fs.LoadRecords(doc.Records)
	logger.Infow("token store loaded", "path", fs.path, "records", loaded)
}

// schedulePersist arms (or re-arms) the debounce timer.
func (fs *FileStore) schedulePersist() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.dirty = true
	if fs.timer != nil {
		fs.timer.Reset(persistDebounce)
		return
	}
	fs.timer = time.AfterFunc(persistDebounce, func() {
		if err := fs.Flush(); err != nil {
			logger.Errorw("failed to persist token store", "path", fs.path, "error", err.Error())
		}
	})
}

// Flush writes the current snapshot to disk immediately.
func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()

	doc := persistDoc{
		Version:   persistVersion,
		Encrypted: fs.cipher != nil,
		Records:   fs.SnapshotRecords(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal token store: %w", err)
	}
	if fs.cipher != nil {
		if data, err = fs.cipher.Encrypt(data); err != nil {
			return fmt.Errorf("failed to encrypt token store: %w", err)
		}
	}

	// Write-rename keeps readers from ever observing a torn document.
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := os.Chmod(tmp, filePerm); err != nil {
		return fmt.Errorf("failed to set token store permissions: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("failed to replace token store: %w", err)
	}
	return nil
}

// Health verifies the backing directory is still writable.
func (fs *FileStore) Health(_ context.Context) error {
	_, err := os.Stat(filepath.Dir(fs.path))
	return err
}

// Close flushes pending writes and stops the memory store.
func (fs *FileStore) Close() error {
	var flushErr error
	fs.closeOnce.Do(func() {
		fs.mu.Lock()
		if fs.timer != nil {
			fs.timer.Stop()
		}
		dirty := fs.dirty
		fs.mu.Unlock()

		if dirty {
			flushErr = fs.Flush()
		}
	})
	if err := fs.MemoryStore.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// Compile-time interface compliance check.
var _ Store = (*FileStore)(nil)
