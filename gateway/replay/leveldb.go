// Package replay remembers spent token identifiers so a captured bearer token
// cannot be used to repeat a wallet command.
package replay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	idKeyPrefix     = "jti:"
	expiryKeyPrefix = "exp:"
)

// Store is a LevelDB-backed set of token ids, each kept until its token expires.
type Store struct {
	db  *leveldb.DB
	now func() time.Time
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("replay store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve replay store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenMemory returns a store that lives only as long as the process.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Claim records id as spent until expires. It reports false when id was
// already claimed and has not expired yet.
func (s *Store) Claim(ctx context.Context, id string, expires time.Time) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("token id required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := []byte(idKeyPrefix + id)
	existing, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load token id: %w", err)
	default:
		previous := int64(binary.BigEndian.Uint64(existing))
		if s.now().UnixNano() < previous {
			return false, nil
		}
		// Expired entry not pruned yet: drop its index row before reuse.
		if err := s.db.Delete([]byte(expiryKey(previous, id)), nil); err != nil {
			return false, fmt.Errorf("drop expired token id: %w", err)
		}
	}

	nanos := expires.UTC().UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(key, encodeUnixNano(nanos))
	batch.Put([]byte(expiryKey(nanos, id)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record token id: %w", err)
	}
	return true, nil
}

// Prune deletes ids whose tokens expired before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffKey := []byte(expiryKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		id, _, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(idKeyPrefix + id))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate token ids: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("prune token ids: %w", err)
		}
	}
	return removed, nil
}

// RunPruner prunes expired ids every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Prune(ctx, s.now())
		}
	}
}

func expiryKey(nanos int64, id string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, nanos, id)
}

func parseExpiryKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
