package syncops

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/media"
)

type MediaChangesRequest struct {
	LastUsn int64 `json:"lastUsn"`
}

type MediaChangesResult struct {
	LastUsn int64         `json:"lastUsn"`
	Entries []media.Entry `json:"entries"`
}

// MediaFile is one uploaded or downloaded file. Data is base64 in JSON.
// Usn 0 on upload means the client has not been assigned one; the server
// attributes the change to itself.
type MediaFile struct {
	Name string `json:"fname"`
	Data []byte `json:"data"`
	Usn  int64  `json:"usn,omitempty"`
}

type AddFilesRequest struct {
	Files []MediaFile `json:"files"`
}

type RemoveFilesRequest struct {
	Names []string `json:"fnames"`
}

type MediaUpdateResult struct {
	LastUsn   int64 `json:"lastUsn"`
	Processed int   `json:"processed"`
}

type DownloadFilesRequest struct {
	Names []string `json:"fnames"`
}

type DownloadFilesResult struct {
	Files []MediaFile `json:"files"`
}

type MediaSanityRequest struct {
	Count    int64  `json:"count"`
	Checksum string `json:"checksum"`
}

type MediaSanityResult struct {
	Status   string `json:"status"`
	Count    int64  `json:"count"`
	Checksum string `json:"checksum"`
}

type mediaOps struct{}

func ledger(env *Env) (*media.Ledger, error) {
	if env.Media == nil {
		return nil, fmt.Errorf("%w: media ledger not open", common.ErrOpen)
	}
	return env.Media, nil
}

func (m *mediaOps) mediaChanges(ctx context.Context, env *Env, req MediaChangesRequest) (MediaChangesResult, bool, error) {
	l, err := ledger(env)
	if err != nil {
		return MediaChangesResult{}, false, err
	}
	entries, err := l.ChangesSince(ctx, req.LastUsn)
	if err != nil {
		return MediaChangesResult{}, false, err
	}
	return MediaChangesResult{LastUsn: l.LastUsn(), Entries: entries}, false, nil
}

// unchanged reports whether name is already committed, live, with content
// data. Retransmitted uploads are skipped this way.
func unchanged(ctx context.Context, l *media.Ledger, name string, data []byte) (bool, error) {
	e, err := l.Entry(ctx, name)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !e.Deleted && e.Csum == media.ContentChecksum(data), nil
}

// addFiles registers uploads. Files without a USN are server-attributed and
// get a fresh USN each; files carrying a peer USN keep it. A batch is
// applied whole or not at all.
func (m *mediaOps) addFiles(ctx context.Context, env *Env, req AddFilesRequest) (MediaUpdateResult, bool, error) {
	l, err := ledger(env)
	if err != nil {
		return MediaUpdateResult{}, false, err
	}

	return commitBatch(ctx, l, func() error {
		for _, f := range req.Files {
			same, err := unchanged(ctx, l, f.Name, f.Data)
			if err != nil {
				return err
			}
			if same {
				continue
			}
			if f.Usn > 0 {
				if _, err := l.AddRelayed(ctx, f.Name, f.Data, f.Usn); err != nil {
					return err
				}
				continue
			}
			if _, err := l.AddData(ctx, f.Name, f.Data); err != nil {
				return err
			}
			l.BumpForServerChange()
		}
		return nil
	})
}

func (m *mediaOps) removeFiles(ctx context.Context, env *Env, req RemoveFilesRequest) (MediaUpdateResult, bool, error) {
	l, err := ledger(env)
	if err != nil {
		return MediaUpdateResult{}, false, err
	}

	return commitBatch(ctx, l, func() error {
		for _, name := range req.Names {
			e, err := l.Entry(ctx, name)
			if errors.Is(err, common.ErrorNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if e.Deleted {
				continue
			}
			if err := l.Remove(ctx, name); err != nil {
				return err
			}
			l.BumpForServerChange()
		}
		return nil
	})
}

// commitBatch registers a batch with register and commits it. If register
// or the commit fails the ledger is rolled back to where it was before.
func commitBatch(ctx context.Context, l *media.Ledger, register func() error) (MediaUpdateResult, bool, error) {
	sp := l.Savepoint()
	if err := register(); err != nil {
		l.Rollback(sp)
		return MediaUpdateResult{}, false, err
	}

	committed, err := l.FindChanges(ctx)
	if err != nil {
		if committed == nil {
			l.Rollback(sp)
		}
		return MediaUpdateResult{}, false, err
	}
	return MediaUpdateResult{LastUsn: l.LastUsn(), Processed: len(committed)}, false, nil
}

func (m *mediaOps) downloadFiles(ctx context.Context, env *Env, req DownloadFilesRequest) (DownloadFilesResult, bool, error) {
	l, err := ledger(env)
	if err != nil {
		return DownloadFilesResult{}, false, err
	}

	files := make([]MediaFile, 0, len(req.Names))
	for _, name := range req.Names {
		data, err := l.Read(ctx, name)
		if err != nil {
			return DownloadFilesResult{}, false, fmt.Errorf("download %s: %w", name, err)
		}
		e, err := l.Entry(ctx, name)
		if err != nil {
			return DownloadFilesResult{}, false, err
		}
		files = append(files, MediaFile{Name: e.Name, Data: data, Usn: e.Usn})
	}
	return DownloadFilesResult{Files: files}, false, nil
}

func (m *mediaOps) mediaSanity(ctx context.Context, env *Env, req MediaSanityRequest) (MediaSanityResult, bool, error) {
	l, err := ledger(env)
	if err != nil {
		return MediaSanityResult{}, false, err
	}
	n, err := l.Count(ctx)
	if err != nil {
		return MediaSanityResult{}, false, err
	}
	sum, err := l.Checksum(ctx)
	if err != nil {
		return MediaSanityResult{}, false, err
	}

	status := statusOK
	if req.Count != n || (req.Checksum != "" && req.Checksum != sum) {
		status = statusBad
	}
	return MediaSanityResult{Status: status, Count: n, Checksum: sum}, false, nil
}
