package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/tsio/tsio"
)

// Store is a flat key/value container used by object-like formats such as Zarr,
// where every chunk and metadata document is a separate object.  Keys use "/" as
// separator regardless of platform.
type Store interface {
	fmt.Stringer

	// Get returns tsio.ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Exists(ctx context.Context, key string) (bool, error)

	// DeletePrefix removes every key below prefix ("" removes all keys).
	DeletePrefix(ctx context.Context, prefix string) error

	Close() error
}

// OpenStore returns a Store for a local directory or a blob URL (gs://, s3://,
// file://, mem://).  For local directories, create makes the directory if missing;
// otherwise a missing directory is tsio.ErrNotFound.
func OpenStore(ctx context.Context, location string, create bool) (Store, error) {
	if strings.Contains(location, "://") {
		return OpenBlobStore(ctx, location)
	}
	return NewDirStore(location, create)
}

// DirStore keeps each key as a file below a root directory.
type DirStore struct {
	root string
}

func NewDirStore(root string, create bool) (*DirStore, error) {
	fi, err := os.Stat(root)
	switch {
	case err == nil && !fi.IsDir():
		return nil, tsio.UnsupportedFormatf("%s is a file, not a directory", root)
	case os.IsNotExist(err) && create:
		tsio.Infof("Data directory %q doesn't exist, so creating it.\n", root)
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		return nil, tsio.NotFoundf("directory %s", root)
	case err != nil:
		return nil, err
	}
	return &DirStore{root}, nil
}

func (d *DirStore) String() string {
	return d.root
}

func (d *DirStore) keyPath(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(d.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, tsio.NotFoundf("key %q in %s", key, d.root)
	}
	return data, err
}

// Put writes to a temporary file and renames it so readers never see a partial value.
func (d *DirStore) Put(ctx context.Context, key string, value []byte) error {
	p := d.keyPath(key)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (d *DirStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(d.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *DirStore) DeletePrefix(ctx context.Context, prefix string) error {
	dir := d.keyPath(prefix)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (d *DirStore) Close() error {
	return nil
}

// BlobStore keeps each key as an object under a prefix of a gocloud bucket.
type BlobStore struct {
	url    string
	bucket *blob.Bucket
	prefix string
	shared bool
}

var (
	memMu      sync.Mutex
	memBuckets = make(map[string]*blob.Bucket)
)

// OpenBlobStore opens a bucket URL.  Any path after the bucket name becomes a key
// prefix, e.g., "gs://mybucket/images/a.zarr/0".  Buckets named with mem:// live
// for the rest of the process so a dataset written there can be reopened.
func OpenBlobStore(ctx context.Context, location string) (*BlobStore, error) {
	scheme, rest, _ := strings.Cut(location, "://")
	if scheme == "file" {
		bucket, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, tsio.NotFoundf("bucket %s: %v", location, err)
		}
		return &BlobStore{url: location, bucket: bucket}, nil
	}

	name, prefix, _ := strings.Cut(rest, "/")
	query := ""
	if i := strings.Index(prefix, "?"); i >= 0 {
		prefix, query = prefix[:i], prefix[i:]
	}
	if i := strings.Index(name, "?"); i >= 0 {
		name, query = name[:i], name[i:]
	}
	prefix = strings.Trim(prefix, "/")

	if scheme == "mem" {
		memMu.Lock()
		defer memMu.Unlock()
		bucket, found := memBuckets[name]
		if !found {
			bucket = memblob.OpenBucket(nil)
			memBuckets[name] = bucket
		}
		return &BlobStore{url: location, bucket: bucket, prefix: prefix, shared: true}, nil
	}

	bucket, err := blob.OpenBucket(ctx, scheme+"://"+name+query)
	if err != nil {
		return nil, fmt.Errorf("opening bucket for %s: %w", location, err)
	}
	return &BlobStore{url: location, bucket: bucket, prefix: prefix}, nil
}

func (b *BlobStore) String() string {
	return b.url
}

func (b *BlobStore) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, b.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, tsio.NotFoundf("key %q in %s", key, b.url)
		}
		return nil, err
	}
	return data, nil
}

func (b *BlobStore) Put(ctx context.Context, key string, value []byte) error {
	return b.bucket.WriteAll(ctx, b.key(key), value, nil)
}

func (b *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, b.key(key))
}

func (b *BlobStore) DeletePrefix(ctx context.Context, prefix string) error {
	p := b.key(prefix)
	if p != "" {
		p += "/"
	}
	var keys []string
	iter := b.bucket.List(&blob.ListOptions{Prefix: p})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		keys = append(keys, obj.Key)
	}
	for _, key := range keys {
		if err := b.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return err
		}
	}
	return nil
}

func (b *BlobStore) Close() error {
	if b.shared {
		return nil
	}
	return b.bucket.Close()
}
