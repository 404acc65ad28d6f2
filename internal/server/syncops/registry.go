// Package syncops is the Operation Registry: a static table binding every
// sync protocol operation name to its handler, per protocol domain.
//
// Handlers act on an Env owned by one session worker. They return a result
// value and whether the collection's sync point must advance; the registry
// encodes the result as JSON and performs the advance.
package syncops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
)

type Domain string

const (
	DomainCollection Domain = "collection"
	DomainMedia      Domain = "media"
)

// ParseDomain maps a wire name to a Domain.
func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainCollection, DomainMedia:
		return Domain(s), nil
	}
	return "", fmt.Errorf("%w: unknown domain %q", common.ErrUnknownOperation, s)
}

// Canonical operation order per domain.
var (
	CollectionOperations = []string{
		"meta", "start", "applyGraves", "applyChanges", "chunk", "applyChunk", "sanityCheck", "finish", "abort",
	}
	MediaOperations = []string{
		"mediaChanges", "addFiles", "removeFiles", "downloadFiles", "mediaSanity",
	}
)

func canonical(d Domain) []string {
	switch d {
	case DomainCollection:
		return CollectionOperations
	case DomainMedia:
		return MediaOperations
	}
	return nil
}

// Handler runs one operation. advance reports whether the collection's sync
// point moves up once the handler has succeeded.
type Handler func(ctx context.Context, env *Env, payload []byte) (result any, advance bool, err error)

// committer is implemented by results that report the state after the
// sync point advanced.
type committer interface {
	committed(env *Env, meta collection.Meta)
}

type binding struct {
	domain     Domain
	name       string
	needsEpoch bool
	handler    Handler
}

type Operation struct {
	Domain     Domain
	Name       string
	Ordinal    int
	needsEpoch bool
	handler    Handler
}

type Registry struct {
	ops map[Domain]map[string]Operation
	log logging.Logger
}

type options struct {
	chunkSize        int
	minClientVersion int
	log              logging.Logger
}

type Option func(*options)

// WithChunkSize sets the number of rows per chunk response.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithMinClientVersion sets the lowest protocol version meta accepts.
func WithMinClientVersion(v int) Option {
	return func(o *options) { o.minClientVersion = v }
}

func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.log = l }
}

const (
	DefaultChunkSize        = 250
	DefaultMinClientVersion = 8
)

// NewRegistry builds the registry with every operation bound to its handler
// and validates it.
func NewRegistry(policy conflict.Policy, opts ...Option) (*Registry, error) {
	o := options{
		chunkSize:        DefaultChunkSize,
		minClientVersion: DefaultMinClientVersion,
		log:              logging.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if policy == nil {
		policy = conflict.LastWriterWins{}
	}

	c := &collectionOps{policy: policy, chunkSize: o.chunkSize, minClientVersion: o.minClientVersion}
	m := &mediaOps{}

	bindings := []binding{
		{DomainCollection, "meta", false, op(c.meta)},
		{DomainCollection, "start", false, op(c.start)},
		{DomainCollection, "applyGraves", true, op(c.applyGraves)},
		{DomainCollection, "applyChanges", true, op(c.applyChanges)},
		{DomainCollection, "chunk", true, op(c.chunk)},
		{DomainCollection, "applyChunk", true, op(c.applyChunk)},
		{DomainCollection, "sanityCheck", true, op(c.sanityCheck)},
		{DomainCollection, "finish", false, op(c.finish)},
		{DomainCollection, "abort", false, op(c.abort)},

		{DomainMedia, "mediaChanges", false, op(m.mediaChanges)},
		{DomainMedia, "addFiles", false, op(m.addFiles)},
		{DomainMedia, "removeFiles", false, op(m.removeFiles)},
		{DomainMedia, "downloadFiles", false, op(m.downloadFiles)},
		{DomainMedia, "mediaSanity", false, op(m.mediaSanity)},
	}

	r, err := build(bindings)
	if err != nil {
		return nil, err
	}
	r.log = o.log.With("module", "syncops")
	return r, nil
}

// build checks that every canonical name of every domain is bound exactly
// once and nothing else is bound.
func build(bindings []binding) (*Registry, error) {
	r := &Registry{ops: map[Domain]map[string]Operation{}, log: logging.Nop()}

	for _, b := range bindings {
		names := canonical(b.domain)
		ord := slices.Index(names, b.name)
		if ord < 0 {
			return nil, fmt.Errorf("registry: %s/%s is not a known operation", b.domain, b.name)
		}
		if b.handler == nil {
			return nil, fmt.Errorf("registry: %s/%s has no handler", b.domain, b.name)
		}
		if r.ops[b.domain] == nil {
			r.ops[b.domain] = map[string]Operation{}
		}
		if _, dup := r.ops[b.domain][b.name]; dup {
			return nil, fmt.Errorf("registry: %s/%s bound twice", b.domain, b.name)
		}
		r.ops[b.domain][b.name] = Operation{
			Domain: b.domain, Name: b.name, Ordinal: ord, needsEpoch: b.needsEpoch, handler: b.handler,
		}
	}

	for _, d := range []Domain{DomainCollection, DomainMedia} {
		for _, name := range canonical(d) {
			if _, ok := r.ops[d][name]; !ok {
				return nil, fmt.Errorf("registry: %s/%s is not bound", d, name)
			}
		}
	}
	return r, nil
}

// Names returns the operation names of domain in canonical order.
func (r *Registry) Names(d Domain) []string {
	out := make([]string, 0, len(r.ops[d]))
	for _, name := range canonical(d) {
		if _, ok := r.ops[d][name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Lookup returns the operation bound to domain/name.
func (r *Registry) Lookup(d Domain, name string) (Operation, error) {
	o, ok := r.ops[d][name]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s/%s", common.ErrUnknownOperation, d, name)
	}
	return o, nil
}

// Dispatch runs domain/name against env and returns the JSON-encoded result.
func (r *Registry) Dispatch(ctx context.Context, env *Env, d Domain, name string, payload []byte) ([]byte, error) {
	o, err := r.Lookup(d, name)
	if err != nil {
		return nil, err
	}
	if o.needsEpoch && !env.Epoch.open {
		return nil, fmt.Errorf("%w: %s", common.ErrNotStarted, name)
	}

	result, advance, err := o.handler(ctx, env, payload)
	if err != nil {
		r.log.Debug(ctx, "operation failed", "domain", d, "op", name, "error", err)
		return nil, err
	}

	if advance {
		q, err := env.Collection.Queries()
		if err != nil {
			return nil, err
		}
		meta, err := q.AdvanceSyncPoint(ctx, env.now())
		if err != nil {
			return nil, fmt.Errorf("advance sync point: %w", err)
		}
		if c, ok := result.(committer); ok {
			c.committed(env, meta)
		}
		r.log.Info(ctx, "sync point advanced", "usn", meta.Usn)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	r.log.Debug(ctx, "operation done", "domain", d, "op", name, "bytes", len(out))
	return out, nil
}

// op adapts a typed handler to Handler. An empty payload decodes as the
// zero request.
func op[Req any, Resp any](fn func(ctx context.Context, env *Env, req Req) (Resp, bool, error)) Handler {
	return func(ctx context.Context, env *Env, payload []byte) (any, bool, error) {
		var req Req
		if len(bytes.TrimSpace(payload)) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, false, fmt.Errorf("%w: decode payload: %w", common.ErrorValidation, err)
			}
		}
		return fn(ctx, env, req)
	}
}
