package sessions

import (
	"context"

	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/media"
)

// Owner names the user a session works for and the directory holding that
// user's collection.
type Owner struct {
	Username string
	Dir      string
}

// Opener acquires the stores of an owner. It is called on the session
// worker, which owns the results until the session ends. Failures are
// expected to wrap common.ErrOpen.
type Opener interface {
	OpenCollection(ctx context.Context, o Owner) (*collection.Handle, error)
	OpenMedia(ctx context.Context, o Owner) (*media.Ledger, error)
}

// BlobFactory returns the blob store for an owner's media.
type BlobFactory func(o Owner) media.BlobStore

// FSBlobs keeps media next to the owner's collection.
func FSBlobs(o Owner) media.BlobStore { return media.DefaultFSStore(o.Dir) }

// S3Blobs keeps each owner's media under its username in bucket.
func S3Blobs(api media.S3API, bucket string) BlobFactory {
	return func(o Owner) media.BlobStore {
		return media.NewS3Store(api, bucket, o.Username)
	}
}

// DirOpener opens collections and ledgers from owner directories.
type DirOpener struct {
	Blobs BlobFactory
}

func (d DirOpener) OpenCollection(ctx context.Context, o Owner) (*collection.Handle, error) {
	h := collection.New(o.Dir)
	if err := h.Open(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (d DirOpener) OpenMedia(ctx context.Context, o Owner) (*media.Ledger, error) {
	blobs := d.Blobs
	if blobs == nil {
		blobs = FSBlobs
	}
	return media.Open(ctx, o.Dir, blobs(o))
}
