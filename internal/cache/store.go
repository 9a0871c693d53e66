package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/memoproxy/memoproxy/internal/fingerprint"
	"github.com/memoproxy/memoproxy/internal/logging"
)

// Entry is the persisted unit: the (redacted) request that produced a
// response together with the raw, untransformed response. Entries are
// plain JSON files and may be edited or deleted by an operator.
type Entry struct {
	Request  RequestRecord  `json:"request"`
	Response ResponseRecord `json:"response"`
}

type RequestRecord struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type ResponseRecord struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    string            `json:"content"`
}

// Store persists entries on a two-level sharded filesystem layout:
// <root>/<first two hex chars of key>/<key>.json. There is no TTL and
// no eviction; entries live until an operator removes them.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the file an entry for key is (or would be) stored at.
func (s *Store) Path(key fingerprint.Key) string {
	return filepath.Join(s.root, key.Shard(), string(key)+".json")
}

// Get loads the entry for key. A missing file is a miss, not an error.
// A file that exists but does not parse is logged and reported as a
// miss so the next Put overwrites it.
func (s *Store) Get(key fingerprint.Key) (*Entry, bool) {
	path := s.Path(key)

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.L.Warn("Unreadable cache entry treated as miss", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		logging.L.Warn("Corrupt cache entry treated as miss", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return &entry, true
}

// Put serializes the entry and writes it at the path derived from key,
// creating the shard directory as needed. The write goes to a temp
// file in the shard directory first and is renamed into place, so a
// concurrent Get sees either the previous entry or the complete new
// one, never a partial file.
func (s *Store) Put(key fingerprint.Key, entry *Entry) error {
	path := s.Path(key)
	shardDir := filepath.Dir(path)

	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return fmt.Errorf("creating the shard directory: %w", err)
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling the cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(shardDir, "."+string(key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating the temp file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing the cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing the temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("renaming the temp file into place: %w", err)
	}
	return nil
}
