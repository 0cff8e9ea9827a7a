// Package store persists a bot's vocabulary between runs. The on-disk
// format mirrors the wire packing: one count byte followed by that
// many 59-byte word records, so a dump stays comparable with radio
// captures.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/projectjumbo/waggle/swarm/signal"
	"github.com/projectjumbo/waggle/swarm/wire"
)

// ErrCorrupt marks a vocabulary file that does not parse. Callers
// start cold rather than repair.
var ErrCorrupt = errors.New("corrupt vocabulary file")

// FileStore saves and loads vocabulary snapshots at a fixed path.
// Writes go through a temp file and rename so a crash mid-save leaves
// the previous snapshot intact.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore builds a store rooted at path. logger may be nil.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger.With("component", "store"),
	}
}

// Path returns the snapshot location.
func (s *FileStore) Path() string { return s.path }

// Save writes the vocabulary snapshot. Words beyond the vocabulary
// capacity are dropped from the tail.
func (s *FileStore) Save(words []signal.Word) error {
	if len(words) > signal.MaxVocabulary {
		words = words[:signal.MaxVocabulary]
	}

	buf := make([]byte, 1+len(words)*wire.WordSize)
	buf[0] = byte(len(words))
	for i := range words {
		off := 1 + i*wire.WordSize
		wire.EncodeWord(&words[i], buf[off:off+wire.WordSize])
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish snapshot: %w", err)
	}

	s.logger.Debug("vocabulary saved", "words", len(words), "path", s.path)
	return nil
}

// Load reads the snapshot back. A missing file is a cold start, not an
// error: (nil, nil). Anything that fails to parse returns ErrCorrupt
// so the caller can log and start cold.
func (s *FileStore) Load() ([]signal.Word, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}
	count := int(data[0])
	if count > signal.MaxVocabulary {
		return nil, fmt.Errorf("%w: %d words exceeds capacity", ErrCorrupt, count)
	}
	if len(data) != 1+count*wire.WordSize {
		return nil, fmt.Errorf("%w: %d bytes for %d words", ErrCorrupt, len(data), count)
	}

	words := make([]signal.Word, 0, count)
	for i := 0; i < count; i++ {
		off := 1 + i*wire.WordSize
		w, err := wire.DecodeWord(data[off : off+wire.WordSize])
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrCorrupt, i, err)
		}
		words = append(words, w)
	}

	s.logger.Debug("vocabulary loaded", "words", len(words), "path", s.path)
	return words, nil
}
