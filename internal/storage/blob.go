package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/crypto/sha3"
)

// OutputStoreImpl implements OutputStore using gocloud.dev/blob.
// Keys are slash separated paths relative to the download directory.
type OutputStoreImpl struct {
	bucket *blob.Bucket
}

// NewOutputStore creates a new gocloud.dev/blob-backed output store.
func NewOutputStore(bucket *blob.Bucket) *OutputStoreImpl {
	return &OutputStoreImpl{bucket: bucket}
}

// OpenBucket opens the bucket at url. For fileblob the directory is
// created when missing.
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}
	return b, nil
}

// FileBucketURL returns the fileblob URL for a local directory.
func FileBucketURL(dir string) string {
	return "file://" + dir + "?create_dir=true"
}

// cleanKey rejects keys that would leave the bucket root.
func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return k, nil
}

// Open returns a reader for key.
func (s *OutputStoreImpl) Open(ctx context.Context, key string) (*Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, ErrNotFound
	}
	r, err := s.bucket.NewReader(ctx, k, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Object{
		ReadCloser:  r,
		Size:        r.Size(),
		ContentType: r.ContentType(),
		ModTime:     r.ModTime(),
	}, nil
}

// Describe reads key and returns its size and SHAKE256 digest.
func (s *OutputStoreImpl) Describe(ctx context.Context, key string) (int64, Digest, error) {
	k, err := cleanKey(key)
	if err != nil {
		return 0, Digest{}, ErrNotFound
	}
	r, err := s.bucket.NewReader(ctx, k, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 0, Digest{}, ErrNotFound
		}
		return 0, Digest{}, err
	}
	defer r.Close()

	h := sha3.NewShake256()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, Digest{}, err
	}
	var hashBytes [64]byte
	h.Read(hashBytes[:])

	return n, Digest{
		Algorithm: DigestAlgorithmShake256,
		Value:     hashBytes[:],
	}, nil
}
