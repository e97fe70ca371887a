package crypto

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// replayRecordSize is protocol ID + token sequence + expire timestamp.
	replayRecordSize = 24

	// replayFileName is the persistence file inside the data directory.
	replayFileName = "token_replay.dat"

	// replayPruneInterval bounds how often Prune actually scans the table.
	replayPruneInterval = time.Second
)

// replayKey identifies one connect token. Sequences are unique per
// protocol ID, so the pair is unique per token authority.
type replayKey struct {
	protocolID uint64
	sequence   uint64
}

// ReplayStore records the connect tokens a server has accepted so that the
// same token is never accepted twice within its validity window.
//
// Each entry is retained until the expire timestamp of its token; after that
// the token fails the expiry check anyway, so the entry can go. When created
// with a data directory the store survives restarts and crashes: every new
// token is appended to the file as it is recorded, and the file is compacted
// atomically on creation, after pruning and on Save and Close.
//
// Example usage:
//
//	rs, err := crypto.NewReplayStore("/var/lib/netcode", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rs.Close()
//
//	if !rs.CheckAndStore(protocolID, sequence, expire) {
//	    // token already used, drop the request
//	}
//
// The store is safe for concurrent use so several servers in one process
// may share it.
type ReplayStore struct {
	mu           sync.Mutex
	entries      map[replayKey]int64 // token -> expire timestamp
	saveFile     string
	appendFile   *os.File
	lastPrune    time.Time
	logger       *logrus.Logger
	timeProvider TimeProvider
}

// NewMemoryReplayStore creates a replay store that is not persisted.
// Pass nil for timeProvider to use the default time provider.
func NewMemoryReplayStore(timeProvider TimeProvider) *ReplayStore {
	return &ReplayStore{
		entries:      make(map[replayKey]int64),
		logger:       logrus.StandardLogger(),
		timeProvider: getTimeProvider(timeProvider),
	}
}

// NewReplayStore creates a replay store persisted under dataDir.
// Pass nil for timeProvider to use the default time provider.
func NewReplayStore(dataDir string, timeProvider TimeProvider) (*ReplayStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	rs := NewMemoryReplayStore(timeProvider)
	rs.saveFile = filepath.Join(dataDir, replayFileName)

	if err := rs.load(); err != nil {
		// A corrupted file must not keep the server down; tokens seen
		// before the corruption are still bounded by their expiry.
		rs.logger.WithError(err).Warn("Could not load token replay store, starting fresh")
	}
	// Rewriting drops expired and torn records so that appends start on a
	// record boundary.
	if err := rs.Save(); err != nil {
		return nil, err
	}

	return rs, nil
}

// CheckAndStore records the token identified by (protocolID, sequence).
// Returns true if the token is new, false if it was already recorded.
func (rs *ReplayStore) CheckAndStore(protocolID, sequence uint64, expire time.Time) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	key := replayKey{protocolID: protocolID, sequence: sequence}
	if _, exists := rs.entries[key]; exists {
		NewLogger("ReplayStore.CheckAndStore").WithFields(logrus.Fields{
			"protocol_id": fmt.Sprintf("%#x", protocolID),
			"sequence":    sequence,
		}).Warn("Replay detected: connect token already used")
		return false
	}

	rs.entries[key] = expire.Unix()
	if err := rs.appendLocked(key, rs.entries[key]); err != nil {
		rs.logger.WithFields(logrus.Fields{
			"function": "ReplayStore.CheckAndStore",
			"sequence": sequence,
			"error":    err.Error(),
		}).Error("Failed to persist connect token")
	}
	return true
}

// Contains reports whether the token was already recorded.
func (rs *ReplayStore) Contains(protocolID, sequence uint64) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	_, exists := rs.entries[replayKey{protocolID: protocolID, sequence: sequence}]
	return exists
}

// Prune removes entries whose token has expired. It scans at most once per
// second and returns the number of removed entries.
func (rs *ReplayStore) Prune() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := rs.timeProvider.Now()
	if !rs.lastPrune.IsZero() && now.Sub(rs.lastPrune) < replayPruneInterval {
		return 0
	}
	rs.lastPrune = now
	removed := rs.pruneLocked(now.Unix())
	if removed > 0 {
		if err := rs.saveLocked(); err != nil {
			rs.logger.WithError(err).Warn("Failed to compact token replay store")
		}
	}
	return removed
}

func (rs *ReplayStore) pruneLocked(now int64) int {
	removed := 0
	for key, expiry := range rs.entries {
		if expiry < now {
			delete(rs.entries, key)
			removed++
		}
	}

	if removed > 0 {
		rs.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(rs.entries),
		}).Debug("Pruned expired token replay entries")
	}
	return removed
}

// Size returns the current number of recorded tokens.
func (rs *ReplayStore) Size() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.entries)
}

// Save writes the store to disk. It is a no-op for memory stores.
func (rs *ReplayStore) Save() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.saveLocked()
}

// Close saves the final state. Tokens recorded afterwards are kept in
// memory only.
func (rs *ReplayStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	err := rs.saveLocked()
	if rs.appendFile != nil {
		if cerr := rs.appendFile.Close(); err == nil {
			err = cerr
		}
		rs.appendFile = nil
	}
	rs.saveFile = ""
	return err
}

func encodeReplayRecord(record []byte, key replayKey, expiry int64) error {
	expiryUint, err := safeInt64ToUint64(expiry)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(record[0:8], key.protocolID)
	binary.BigEndian.PutUint64(record[8:16], key.sequence)
	binary.BigEndian.PutUint64(record[16:24], expiryUint)
	return nil
}

// appendLocked writes one record to the end of the file.
func (rs *ReplayStore) appendLocked(key replayKey, expiry int64) error {
	if rs.appendFile == nil {
		return nil
	}
	var record [replayRecordSize]byte
	if err := encodeReplayRecord(record[:], key, expiry); err != nil {
		return err
	}
	_, err := rs.appendFile.Write(record[:])
	return err
}

// saveLocked rewrites the file atomically and reopens it for appending.
func (rs *ReplayStore) saveLocked() error {
	if rs.saveFile == "" {
		return nil
	}

	buf := make([]byte, 0, len(rs.entries)*replayRecordSize)
	var record [replayRecordSize]byte
	for key, expiry := range rs.entries {
		if err := encodeReplayRecord(record[:], key, expiry); err != nil {
			rs.logger.WithFields(logrus.Fields{
				"expiry": expiry,
				"error":  err,
			}).Warn("Invalid expiry during save, skipping entry")
			continue
		}
		buf = append(buf, record[:]...)
	}

	tmpFile := rs.saveFile + ".tmp"
	if err := os.WriteFile(tmpFile, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary replay store: %w", err)
	}
	if err := os.Rename(tmpFile, rs.saveFile); err != nil {
		return fmt.Errorf("failed to rename replay store: %w", err)
	}

	// The old handle points at the replaced file
	if rs.appendFile != nil {
		rs.appendFile.Close()
	}
	f, err := os.OpenFile(rs.saveFile, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		rs.appendFile = nil
		return fmt.Errorf("failed to open replay store for appending: %w", err)
	}
	rs.appendFile = f
	return nil
}

func (rs *ReplayStore) load() error {
	data, err := os.ReadFile(rs.saveFile)
	if err != nil {
		if os.IsNotExist(err) {
			rs.logger.Info("No existing token replay store found, starting fresh")
			return nil
		}
		return fmt.Errorf("failed to read replay store: %w", err)
	}
	// A crash can tear the last record; it is ignored
	count := len(data) / replayRecordSize
	now := rs.timeProvider.Now().Unix()
	loaded := 0

	for i := 0; i < count; i++ {
		rec := data[i*replayRecordSize : (i+1)*replayRecordSize]

		expiry, err := safeUint64ToInt64(binary.BigEndian.Uint64(rec[16:24]))
		if err != nil || expiry < now {
			continue
		}
		key := replayKey{
			protocolID: binary.BigEndian.Uint64(rec[0:8]),
			sequence:   binary.BigEndian.Uint64(rec[8:16]),
		}
		rs.entries[key] = expiry
		loaded++
	}

	rs.logger.WithFields(logrus.Fields{
		"total_in_file":  count,
		"loaded":         loaded,
		"expired_pruned": count - loaded,
		"torn_bytes":     len(data) % replayRecordSize,
	}).Info("Token replay store loaded")

	return nil
}
