package syncops

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
)

type Empty struct{}

type MetaRequest struct {
	V  int    `json:"v"`
	Cv string `json:"cv"`
}

type MetaResult struct {
	Scm  int64  `json:"scm"`
	Ts   int64  `json:"ts"`
	Mod  int64  `json:"mod"`
	Usn  int64  `json:"usn"`
	Musn int64  `json:"musn"`
	Msg  string `json:"msg"`
	Cont bool   `json:"cont"`
}

type StartRequest struct {
	MinUsn int64 `json:"minUsn"`
}

type StartResult struct {
	Usn    int64              `json:"usn"`
	Graves []collection.Grave `json:"graves"`
}

type GravesRequest struct {
	Graves []collection.Grave `json:"graves"`
}

type ChangesRequest struct {
	Changes []collection.Object `json:"changes"`
}

type ChangesResult struct {
	Changes []collection.Object `json:"changes"`
}

type ChunkRequest struct {
	Offset int `json:"offset"`
}

type ChunkResult struct {
	Rows []collection.Object `json:"rows"`
	Next int                 `json:"next"`
	Done bool                `json:"done"`
}

type ApplyChunkRequest struct {
	Rows []collection.Object `json:"rows"`
	Done bool                `json:"done"`
}

type SanityRequest struct {
	Counts map[string]int64 `json:"counts"`
}

type SanityResult struct {
	Status string           `json:"status"`
	Counts map[string]int64 `json:"counts"`
}

type FinishResult struct {
	Mod int64 `json:"mod"`
	Usn int64 `json:"usn"`
}

func (r *FinishResult) committed(env *Env, meta collection.Meta) {
	r.Mod = meta.Mod
	r.Usn = meta.Usn
	env.Epoch.finish()
}

const (
	statusOK  = "ok"
	statusBad = "bad"
)

type collectionOps struct {
	policy           conflict.Policy
	chunkSize        int
	minClientVersion int
}

func (c *collectionOps) meta(ctx context.Context, env *Env, req MetaRequest) (MetaResult, bool, error) {
	q, err := env.Collection.Queries()
	if err != nil {
		return MetaResult{}, false, err
	}
	m, err := q.Meta(ctx)
	if err != nil {
		return MetaResult{}, false, err
	}

	res := MetaResult{
		Scm:  m.Scm,
		Ts:   env.now().Unix(),
		Mod:  m.Mod,
		Usn:  m.Usn,
		Cont: true,
	}
	if env.Media != nil {
		res.Musn = env.Media.LastUsn()
	}
	if req.V < c.minClientVersion {
		res.Cont = false
		res.Msg = fmt.Sprintf("sync protocol %d is too old, %d or newer required", req.V, c.minClientVersion)
	}
	return res, false, nil
}

// start opens an exchange. A retransmitted start for the exchange already
// in progress returns the original answer.
func (c *collectionOps) start(ctx context.Context, env *Env, req StartRequest) (StartResult, bool, error) {
	if req.MinUsn < 0 {
		return StartResult{}, false, fmt.Errorf("%w: negative minUsn", common.ErrorValidation)
	}
	ep := &env.Epoch
	if ep.open && ep.started != nil && ep.minUsn == req.MinUsn {
		return *ep.started, false, nil
	}

	q, err := env.Collection.Queries()
	if err != nil {
		return StartResult{}, false, err
	}
	usn, err := q.SyncPoint(ctx)
	if err != nil {
		return StartResult{}, false, err
	}
	graves, err := q.GravesSince(ctx, req.MinUsn)
	if err != nil {
		return StartResult{}, false, err
	}

	ep.begin(usn, req.MinUsn)
	res := StartResult{Usn: usn, Graves: graves}
	ep.started = &res
	return res, false, nil
}

func (c *collectionOps) applyGraves(ctx context.Context, env *Env, req GravesRequest) (Empty, bool, error) {
	ep := &env.Epoch
	err := env.Collection.InTx(ctx, func(ctx context.Context, q *collection.Queries) error {
		for _, g := range req.Graves {
			if err := q.DeleteObject(ctx, g.Table, g.ID, ep.usn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Empty{}, false, err
	}
	for _, g := range req.Graves {
		ep.markPushed(g.Table, g.ID)
	}
	return Empty{}, false, nil
}

// applyChanges merges the client's small-table changes and answers with the
// server's small-table changes since the client's last sync. The answer is
// computed before the merge and leaves out objects the client's version won.
func (c *collectionOps) applyChanges(ctx context.Context, env *Env, req ChangesRequest) (ChangesResult, bool, error) {
	q, err := env.Collection.Queries()
	if err != nil {
		return ChangesResult{}, false, err
	}
	before, err := q.ChangedObjects(ctx, collection.SmallTables, env.Epoch.minUsn)
	if err != nil {
		return ChangesResult{}, false, err
	}
	serverChanges := make([]collection.Object, 0, len(before))
	for _, o := range before {
		if !env.Epoch.wasPushed(o.Table, o.ID) {
			serverChanges = append(serverChanges, o)
		}
	}

	taken, kept, err := c.merge(ctx, env, req.Changes, collection.SmallTables)
	if err != nil {
		return ChangesResult{}, false, err
	}

	out := slices.DeleteFunc(serverChanges, func(o collection.Object) bool {
		_, won := taken[objectKey{o.Table, o.ID}]
		return won
	})
	for _, k := range kept {
		i := slices.IndexFunc(out, func(o collection.Object) bool { return o.Table == k.Table && o.ID == k.ID })
		if i >= 0 {
			out[i] = k
		} else {
			out = append(out, k)
		}
	}
	return ChangesResult{Changes: out}, false, nil
}

// chunk pages through the server's bulk-table changes. The row set is fixed
// by the first chunk call of the exchange, so a page is a pure function of
// the exchange and the offset and may be fetched again after a failure.
func (c *collectionOps) chunk(ctx context.Context, env *Env, req ChunkRequest) (ChunkResult, bool, error) {
	if req.Offset < 0 {
		return ChunkResult{}, false, fmt.Errorf("%w: negative offset", common.ErrorValidation)
	}
	ep := &env.Epoch
	if !ep.chunked {
		q, err := env.Collection.Queries()
		if err != nil {
			return ChunkResult{}, false, err
		}
		rows, err := q.ChangedObjects(ctx, collection.BulkTables, ep.minUsn)
		if err != nil {
			return ChunkResult{}, false, err
		}
		ep.chunks = slices.DeleteFunc(rows, func(o collection.Object) bool {
			return ep.wasPushed(o.Table, o.ID)
		})
		ep.chunked = true
	}

	start := min(req.Offset, len(ep.chunks))
	end := min(start+c.chunkSize, len(ep.chunks))
	rows := slices.Clone(ep.chunks[start:end])
	if rows == nil {
		rows = []collection.Object{}
	}
	return ChunkResult{Rows: rows, Next: end, Done: end >= len(ep.chunks)}, false, nil
}

func (c *collectionOps) applyChunk(ctx context.Context, env *Env, req ApplyChunkRequest) (Empty, bool, error) {
	if _, _, err := c.merge(ctx, env, req.Rows, collection.BulkTables); err != nil {
		return Empty{}, false, err
	}
	return Empty{}, false, nil
}

// merge applies incoming objects through the conflict policy in one
// transaction. It returns the keys whose incoming version was stored and
// the server versions that were kept. A kept server row the client has
// not seen since its last sync is restamped so it travels back.
func (c *collectionOps) merge(ctx context.Context, env *Env, incoming []collection.Object, tables []string) (map[objectKey]struct{}, []collection.Object, error) {
	ep := &env.Epoch
	taken := map[objectKey]struct{}{}
	var kept []collection.Object

	err := env.Collection.InTx(ctx, func(ctx context.Context, q *collection.Queries) error {
		for _, o := range incoming {
			if !slices.Contains(tables, o.Table) {
				return fmt.Errorf("%w: table %q not accepted here", common.ErrorValidation, o.Table)
			}

			var local *collection.Object
			l, err := q.Object(ctx, o.Table, o.ID)
			switch {
			case err == nil:
				local = l
			case !errors.Is(err, common.ErrorNotFound):
				return err
			}

			if local != nil && local.Usn == ep.usn && local.Mod == o.Mod {
				continue // already merged earlier in this exchange
			}

			outcome, err := c.policy.Resolve(local, o, ep.minUsn)
			if err != nil {
				return err
			}

			switch outcome {
			case conflict.TakeIncoming:
				o.Usn = ep.usn
				if err := q.PutObject(ctx, o); err != nil {
					return err
				}
				taken[objectKey{o.Table, o.ID}] = struct{}{}
			case conflict.KeepLocal:
				if local == nil {
					continue
				}
				if local.Usn < ep.minUsn {
					local.Usn = ep.usn
					if err := q.PutObject(ctx, *local); err != nil {
						return err
					}
				}
				kept = append(kept, *local)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for k := range taken {
		ep.markPushed(k.table, k.id)
	}
	return taken, kept, nil
}

func (c *collectionOps) sanityCheck(ctx context.Context, env *Env, req SanityRequest) (SanityResult, bool, error) {
	q, err := env.Collection.Queries()
	if err != nil {
		return SanityResult{}, false, err
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		return SanityResult{}, false, err
	}

	status := statusOK
	for tbl, n := range req.Counts {
		if server, ok := counts[tbl]; !ok || server != n {
			status = statusBad
			break
		}
	}
	return SanityResult{Status: status, Counts: counts}, false, nil
}

// finish commits the exchange. It may succeed once per exchange.
func (c *collectionOps) finish(_ context.Context, env *Env, _ Empty) (*FinishResult, bool, error) {
	if env.Epoch.finished {
		return nil, false, common.ErrAlreadyFinished
	}
	if !env.Epoch.open {
		return nil, false, fmt.Errorf("%w: finish", common.ErrNotStarted)
	}
	return &FinishResult{}, true, nil
}

func (c *collectionOps) abort(_ context.Context, env *Env, _ Empty) (Empty, bool, error) {
	env.Epoch.reset()
	return Empty{}, false, nil
}
