package store

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/collab-docs/ysync/internal/logger"
	"github.com/collab-docs/ysync/internal/wire"
)

const headerMagic byte = 0xFF

// FileStore persists records to a single file: a one-byte magic, a
// varint version, then a sequence of
// varint(len)|bytes|varint(len)|bytes|float64-timestamp records.
type FileStore struct {
	path    string
	version uint64

	mu       sync.Mutex
	f        *os.File
	closed   bool
	degraded bool
}

// Open opens path, creating it with the given header version if it does
// not exist. If the file exists with a mismatched version, Open returns
// ErrStoreVersionMismatch. If the file's body is truncated mid-record,
// the store opens in degraded (read-only) mode and the fault is logged;
// every complete record already on disk is still readable.
func Open(path string, version uint64) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &FileStore{path: path, version: version, f: f}

	if info.Size() == 0 {
		if err := s.writeHeaderLocked(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}

	onDiskVersion, degraded, err := validateHeaderAndBody(f, version)
	if err != nil {
		f.Close()
		return nil, err
	}
	if onDiskVersion != version {
		f.Close()
		return nil, ErrStoreVersionMismatch
	}
	s.degraded = degraded
	if degraded {
		logger.Warn("store: %s opened in degraded read-only mode (truncated record tail)", path)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) writeHeaderLocked() error {
	w := wire.NewWriter(2)
	w.WriteUint8(headerMagic)
	w.WriteUvarint(s.version)
	_, err := s.f.Write(w.Bytes())
	return err
}

// validateHeaderAndBody reads the whole file to confirm the header
// version and whether the body parses cleanly to EOF.
func validateHeaderAndBody(f *os.File, wantVersion uint64) (onDiskVersion uint64, degraded bool, err error) {
	data, err := os.ReadFile(f.Name())
	if err != nil {
		return 0, false, err
	}

	r := wire.NewReader(data)
	magic, err := r.ReadUint8()
	if err != nil || magic != headerMagic {
		return 0, false, ErrStoreVersionMismatch
	}
	onDiskVersion, err = r.ReadUvarint()
	if err != nil {
		return 0, false, ErrStoreVersionMismatch
	}

	for r.Len() > 0 {
		if _, err := r.ReadBytes(); err != nil {
			return onDiskVersion, true, nil
		}
		if _, err := r.ReadBytes(); err != nil {
			return onDiskVersion, true, nil
		}
		if _, err := r.ReadN(8); err != nil {
			return onDiskVersion, true, nil
		}
	}
	return onDiskVersion, false, nil
}

func (s *FileStore) Write(ctx context.Context, update, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.degraded {
		return ErrStoreClosed
	}

	buf := encodeRecord(update, metadata, nowSeconds())
	_, err := s.f.Write(buf)
	return err
}

func encodeRecord(update, metadata []byte, timestamp float64) []byte {
	w := wire.NewWriter(len(update) + len(metadata) + 16)
	w.WriteBytes(update)
	w.WriteBytes(metadata)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], math.Float64bits(timestamp))
	buf := w.Bytes()
	return append(buf, tsBuf[:]...)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (s *FileStore) Read(ctx context.Context) (RecordIterator, error) {
	s.mu.Lock()
	closed := s.closed
	path := s.path
	s.mu.Unlock()
	if closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	r := wire.NewReader(data)
	if _, err := r.ReadUint8(); err != nil {
		return newSliceIterator(nil), nil
	}
	if _, err := r.ReadUvarint(); err != nil {
		return newSliceIterator(nil), nil
	}

	var records []Record
	for r.Len() > 0 {
		update, err := r.ReadBytes()
		if err != nil {
			break
		}
		metadata, err := r.ReadBytes()
		if err != nil {
			break
		}
		tsBytes, err := r.ReadN(8)
		if err != nil {
			break
		}
		ts := math.Float64frombits(binary.LittleEndian.Uint64(tsBytes))
		records = append(records, Record{Update: update, Metadata: metadata, Timestamp: ts})
	}
	return newSliceIterator(records), nil
}

// Squash atomically replaces this store's file with a fresh one
// containing a single record for newUpdate.
func (s *FileStore) Squash(ctx context.Context, newUpdate []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tmpPath := s.path + ".squash.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	hw := wire.NewWriter(2)
	hw.WriteUint8(headerMagic)
	hw.WriteUvarint(s.version)
	if _, err := tmp.Write(hw.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.Write(encodeRecord(newUpdate, nil, nowSeconds())); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	s.f.Close()
	f, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	s.f = f
	s.degraded = false
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
