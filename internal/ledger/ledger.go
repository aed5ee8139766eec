package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"
)

// Key identifies one version of a file on disk. A file rewritten in place
// gets a new key.
type Key struct {
	Path    string
	Size    int64
	ModTime time.Time
}

func KeyFor(path string, info os.FileInfo) Key {
	return Key{Path: path, Size: info.Size(), ModTime: info.ModTime()}
}

// Hash is the stable storage id of the key.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", k.Path, k.Size, k.ModTime.UnixNano())))
	return hex.EncodeToString(sum[:])
}

type Entry struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	VideoID    string    `json:"videoId"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Ledger remembers which files the watcher already uploaded.
type Ledger interface {
	Seen(ctx context.Context, key Key) (bool, error)
	Record(ctx context.Context, key Key, videoID string) error
	Close() error
}

type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (l *MemoryLedger) Seen(ctx context.Context, key Key) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[key.Hash()]
	return ok, nil
}

func (l *MemoryLedger) Record(ctx context.Context, key Key, videoID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key.Hash()] = Entry{
		Path:       key.Path,
		Size:       key.Size,
		VideoID:    videoID,
		UploadedAt: time.Now().UTC(),
	}
	return nil
}

func (l *MemoryLedger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	return entries
}

func (l *MemoryLedger) Close() error {
	return nil
}
