/*
	Package chunkdb stores datasets as compressed chunks in a BadgerDB directory.
	It is a fast local scratch format for intermediate results.
*/
package chunkdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

const (
	metadataKey = 'm'
	chunkPrefix = 'c'

	// DefaultValueThreshold is the value size above which badger keeps values in
	// the value log instead of the LSM tree.
	DefaultValueThreshold = 1024
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		tsio.Errorf("Unable to make semver in chunkdb: %v\n", err)
	}
	e := Engine{"chunkdb", "Compressed chunks in BadgerDB", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) FileType() storage.FileType {
	return storage.ChunkDB
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// badgerLogger sends badger's messages through the package log.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { tsio.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { tsio.Warningf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { tsio.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { tsio.Debugf(format, args...) }

func getOptions(path string, config tsio.Config) (badger.Options, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithNumVersionsToKeep(1).
		WithSyncWrites(false)

	valueSizeThresh, found, err := config.GetInt("ValueThreshold")
	if err != nil {
		return opts, err
	}
	if found {
		opts = opts.WithValueThreshold(int64(valueSizeThresh))
	} else {
		opts = opts.WithValueThreshold(DefaultValueThreshold)
	}

	vlogSize, found, err := config.GetInt("ValueLogFileSize")
	if err != nil {
		return opts, err
	}
	if found {
		opts = opts.WithValueLogFileSize(int64(vlogSize))
	}
	return opts, nil
}

// Open opens an existing chunk database.  It is read-only unless the config sets
// "ReadOnly" to false.  The hint is unused.
func (e Engine) Open(path, hint string, config tsio.Config) (storage.Session, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, tsio.NotFoundf("chunk database %q", path)
	}
	if _, err := os.Stat(filepath.Join(path, "MANIFEST")); err != nil {
		return nil, tsio.UnsupportedFormatf("%s is not a chunk database", path)
	}
	opts, err := getOptions(path, config)
	if err != nil {
		return nil, err
	}
	readOnly, found, err := config.GetBool("ReadOnly")
	if err != nil {
		return nil, err
	}
	if !found {
		readOnly = true
	}
	opts = opts.WithReadOnly(readOnly)

	timedLog := tsio.NewTimeLog()
	db, err := badger.Open(opts)
	if err != nil {
		return nil, tsio.UnsupportedFormatf("opening badger @ %s: %v", path, err)
	}
	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte{metadataKey})
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		db.Close()
		if err == badger.ErrKeyNotFound {
			return nil, tsio.UnsupportedFormatf("badger @ %s holds no dataset", path)
		}
		return nil, err
	}
	var r record
	if _, err := r.UnmarshalMsg(value); err != nil {
		db.Close()
		return nil, tsio.UnsupportedFormatf("dataset record in %s: %v", path, err)
	}
	timedLog.Debugf("Opened chunk database @ %s: %s", path, r.meta)
	return newSession(db, path, r, !readOnly), nil
}

// Create makes a chunk database at path, dropping any chunks already there.
// Config key "compression" selects none, snappy (default), lz4 or zstd.
func (e Engine) Create(path, hint string, meta *tsio.Metadata, config tsio.Config) (storage.Session, error) {
	if meta == nil {
		return nil, tsio.UnsupportedGeometryf("no metadata for new chunk database %s", path)
	}
	name, found, err := config.GetString("compression")
	if err != nil {
		return nil, err
	}
	if !found {
		name = "snappy"
	}
	compression, err := tsio.ParseCompression(name)
	if err != nil {
		return nil, tsio.UnsupportedFormatf("chunk database: %v", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("can't make directory at %s: %v", path, err)
	}
	opts, err := getOptions(path, config)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	r := record{meta: meta, compression: compression}
	value, err := r.MarshalMsg(nil)
	if err == nil {
		err = db.DropPrefix([]byte{chunkPrefix})
	}
	if err == nil {
		err = db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte{metadataKey}, value)
		})
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	tsio.Infof("Created chunk database @ %s: %s, %s\n", path, meta, compression)
	return newSession(db, path, r, true), nil
}

func chunkKey(idx tsio.ChunkPoint5d) []byte {
	return append([]byte{chunkPrefix}, idx.Bytes()...)
}

// session reads chunks directly and batches writes.  A read of a chunk still in
// the batch flushes the batch first.
type session struct {
	db          *badger.DB
	path        string
	meta        *tsio.Metadata
	compression tsio.Compression
	writable    bool

	mu    sync.Mutex
	batch *badger.WriteBatch
	dirty map[tsio.ChunkPoint5d]struct{}

	closed atomic.Bool
}

func newSession(db *badger.DB, path string, r record, writable bool) *session {
	s := &session{db: db, path: path, meta: r.meta, compression: r.compression, writable: writable}
	if writable {
		s.batch = db.NewWriteBatch()
		s.dirty = make(map[tsio.ChunkPoint5d]struct{})
	}
	return s
}

func (s *session) String() string {
	return fmt.Sprintf("chunkdb @ %s", s.path)
}

func (s *session) Metadata() *tsio.Metadata {
	return s.meta
}

// flush commits the batch.  The caller holds mu.
func (s *session) flush() error {
	if err := s.batch.Flush(); err != nil {
		return err
	}
	s.batch = s.db.NewWriteBatch()
	clear(s.dirty)
	return nil
}

func (s *session) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	if s.closed.Load() {
		return nil, tsio.ClosedHandlef("%s", s)
	}
	if !s.meta.ContainsChunk(idx) {
		return nil, tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	if s.writable {
		s.mu.Lock()
		var err error
		if _, found := s.dirty[idx]; found {
			err = s.flush()
		}
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(idx))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, tsio.NotFoundf("chunk %s in %s", idx, s)
	}
	if err != nil {
		return nil, err
	}
	data, _, err := tsio.DeserializeData(value)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", idx, err)
	}
	if want := s.meta.ChunkBytes(); len(data) != want {
		return nil, tsio.CorruptChunkf("chunk %s has %d bytes, expected %d", idx, len(data), want)
	}
	return &chunk.Block{Index: idx, Shape: s.meta.ChunkShape(), Data: data}, nil
}

func (s *session) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	if s.closed.Load() {
		return tsio.ClosedHandlef("%s", s)
	}
	if !s.writable {
		return fmt.Errorf("%s was opened read-only", s)
	}
	if !s.meta.ContainsChunk(idx) {
		return tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	if want := s.meta.ChunkBytes(); len(data) != want {
		return fmt.Errorf("chunk %s has %d bytes, expected %d", idx, len(data), want)
	}
	value, err := tsio.SerializeData(data, s.compression, tsio.CRC32)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.batch.Set(chunkKey(idx), value); err != nil {
		return fmt.Errorf("unable to write chunk %s, %d bytes: %w", idx, len(value), err)
	}
	s.dirty[idx] = struct{}{}
	return nil
}

// Close flushes batched writes and closes the database.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return tsio.ClosedHandlef("%s", s)
	}
	var err error
	if s.writable {
		s.mu.Lock()
		err = s.batch.Flush()
		s.mu.Unlock()
	}
	err = errors.Join(err, s.db.Close())
	tsio.Debugf("Closed %s\n", s)
	return err
}
