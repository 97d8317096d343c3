package auth

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
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	tokenKeyPrefix    = "token:"
	observedKeyPrefix = "observed:"
)

// LevelDBPersistence is a LevelDB-backed Persistence.
type LevelDBPersistence struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a LevelDB database at path.
func OpenLevelDB(path string) (*LevelDBPersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb token persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb token path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb token store: %w", err)
	}
	return &LevelDBPersistence{db: db}, nil
}

func (p *LevelDBPersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureToken records a token if it has not been observed before and
// reports whether it already existed.
func (p *LevelDBPersistence) EnsureToken(ctx context.Context, record TokenRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	if strings.TrimSpace(record.Subject) == "" || strings.TrimSpace(record.TokenID) == "" {
		return false, fmt.Errorf("token record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := record.key()
	tokenKey := []byte(tokenKeyPrefix + composite)
	_, err := p.db.Get(tokenKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load token: %w", err)
	default:
		return true, nil
	}
	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(tokenKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record token: %w", err)
	}
	return false, nil
}

// RecentTokens returns tokens observed at or after cutoff.
func (p *LevelDBPersistence) RecentTokens(ctx context.Context, cutoff time.Time) ([]TokenRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	records := make([]TokenRecord, 0)
	for ok := iter.Seek(cutoffKey); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		subject, tokenID, ok := strings.Cut(composite, "|")
		if !ok {
			continue
		}
		records = append(records, TokenRecord{
			Subject:    subject,
			TokenID:    tokenID,
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed tokens: %w", err)
	}
	return records, nil
}

// PruneTokens deletes tokens observed before cutoff.
func (p *LevelDBPersistence) PruneTokens(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(tokenKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed tokens: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune tokens: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, int64, bool) {
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
