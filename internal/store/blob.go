package store

import (
	"context"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// BlobKV adapts a gocloud blob bucket to the KV contract. The fileblob
// driver gives durable storage across restarts; memblob backs tests that
// need the blob code path without a filesystem.
type BlobKV struct {
	bucket *blob.Bucket
}

// NewFileKV opens (creating if needed) a directory-backed bucket.
func NewFileKV(dir string) (*BlobKV, error) {
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, err
	}
	return &BlobKV{bucket: bucket}, nil
}

// NewMemBlobKV opens an in-memory bucket.
func NewMemBlobKV() *BlobKV {
	return &BlobKV{bucket: memblob.OpenBucket(nil)}
}

func (b *BlobKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *BlobKV) Put(ctx context.Context, key string, value []byte) error {
	return b.bucket.WriteAll(ctx, key, value, nil)
}

func (b *BlobKV) Delete(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (b *BlobKV) List(ctx context.Context, prefix, cursor string, limit int) (*ListResult, error) {
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	res := &ListResult{}
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir || obj.Key <= cursor {
			continue
		}
		if limit > 0 && len(res.Pairs) == limit {
			res.HasMore = true
			break
		}
		data, err := b.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				continue
			}
			return nil, err
		}
		res.Pairs = append(res.Pairs, Pair{Key: obj.Key, Value: data})
		res.NextCursor = obj.Key
	}
	return res, nil
}

// Close releases the underlying bucket.
func (b *BlobKV) Close() error {
	return b.bucket.Close()
}
