// Package memory provides an in-memory Store implementation. It honors
// unique indexes exactly like store/mongo does, so tests written against it
// exercise the same optimistic-concurrency paths (ErrDuplicateKey on a
// colliding insert or update) that the mongo backend exercises against a
// live cluster. It is the store every other package's tests run against,
// and is suitable for single-process debug deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chronicle.dev/chronicle/store"
)

type indexSpec struct {
	keys   []string
	unique bool
}

type fileRecord struct {
	id       string
	metadata store.Document
	data     []byte
}

// Store is a sync.RWMutex-guarded map-of-slices implementation of
// store.Store.
type Store struct {
	mu          sync.RWMutex
	collections map[string][]store.Document
	indexes     map[string][]indexSpec
	files       map[string][]fileRecord
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string][]store.Document),
		indexes:     make(map[string][]indexSpec),
		files:       make(map[string][]fileRecord),
	}
}

// Name returns the store's name, reported by health checks.
func (s *Store) Name() string { return "chronicle-memory" }

// Ping implements health.Pinger so the in-memory store can stand in for the
// mongo backend in code paths that probe store health.
func (s *Store) Ping(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *Store) EnsureIndex(ctx context.Context, collection string, keys []string, unique bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[collection] = append(s.indexes[collection], indexSpec{keys: append([]string(nil), keys...), unique: unique})
	return nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc store.Document) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneDoc(doc)
	for _, idx := range s.indexes[collection] {
		if !idx.unique {
			continue
		}
		for _, existing := range s.collections[collection] {
			if sameOn(existing, clone, idx.keys) {
				return store.ErrDuplicateKey
			}
		}
	}
	s.collections[collection] = append(s.collections[collection], clone)
	return nil
}

func (s *Store) Read(ctx context.Context, collection string, query store.Query, opts ...store.ReadOption) ([]store.Document, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var ro store.ReadOptions
	for _, o := range opts {
		o(&ro)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []store.Document
	for _, doc := range s.collections[collection] {
		if matches(doc, query) {
			matched = append(matched, cloneDoc(doc))
		}
	}
	if len(ro.Sort) > 0 {
		sortDocs(matched, ro.Sort)
	}
	if ro.Limit > 0 && len(matched) > ro.Limit {
		matched = matched[:ro.Limit]
	}
	if len(ro.Project) > 0 {
		for i, doc := range matched {
			matched[i] = project(doc, ro.Project)
		}
	}
	return matched, nil
}

func (s *Store) ReadAndWrite(ctx context.Context, collection string, query store.Query, update store.Document) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	idx := -1
	for i, doc := range docs {
		if matches(doc, query) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return store.ErrNotFound
	}

	merged := cloneDoc(docs[idx])
	for k, v := range update {
		merged[k] = v
	}
	for _, spec := range s.indexes[collection] {
		if !spec.unique {
			continue
		}
		for i, other := range docs {
			if i == idx {
				continue
			}
			if sameOn(other, merged, spec.keys) {
				return store.ErrDuplicateKey
			}
		}
	}
	docs[idx] = merged
	return nil
}

func (s *Store) WriteFile(ctx context.Context, collection string, blob io.Reader, metadata store.Document) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	data, err := io.ReadAll(blob)
	if err != nil {
		return "", fmt.Errorf("memory: read blob: %w", err)
	}
	id := uuid.NewString()
	md := cloneDoc(metadata)
	md["_id"] = id

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[collection] = append(s.files[collection], fileRecord{id: id, metadata: md, data: data})
	return id, nil
}

func (s *Store) ReadFile(ctx context.Context, collection string, query store.Query) ([]store.FileHandle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var handles []store.FileHandle
	for _, rec := range s.files[collection] {
		if matches(rec.metadata, query) {
			handles = append(handles, &fileHandle{metadata: cloneDoc(rec.metadata), data: rec.data})
		}
	}
	return handles, nil
}

type fileHandle struct {
	metadata store.Document
	data     []byte
}

func (h *fileHandle) Metadata() store.Document { return h.metadata }

func (h *fileHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

func cloneDoc(doc store.Document) store.Document {
	clone := make(store.Document, len(doc))
	for k, v := range doc {
		clone[k] = v
	}
	return clone
}

func sameOn(a, b store.Document, keys []string) bool {
	for _, k := range keys {
		av, aok := lookup(a, k)
		bv, bok := lookup(b, k)
		if !aok || !bok {
			return false
		}
		if fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

func lookup(doc store.Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if d, ok2 := cur.(store.Document); ok2 {
				m = map[string]any(d)
			} else {
				return nil, false
			}
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func matches(doc store.Document, query store.Query) bool {
	for field, want := range query {
		got, ok := lookup(doc, field)
		switch w := want.(type) {
		case store.Query:
			if !matchesOperators(got, ok, w) {
				return false
			}
		default:
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

func matchesOperators(got any, ok bool, ops store.Query) bool {
	for op, v := range ops {
		switch op {
		case "$gt":
			if !ok || !greaterThan(got, v) {
				return false
			}
		case "$in":
			if !ok || !inSet(got, v) {
				return false
			}
		case "$all":
			if !ok || !containsAll(got, v) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func greaterThan(got, want any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g > w
	case int:
		g, ok := asFloat(got)
		return ok && g > float64(w)
	case float64:
		g, ok := asFloat(got)
		return ok && g > w
	default:
		return fmt.Sprint(got) > fmt.Sprint(want)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		f, err := strconv.ParseFloat(fmt.Sprint(v), 64)
		return f, err == nil
	}
}

func inSet(got, set any) bool {
	vals, ok := set.([]any)
	if !ok {
		return false
	}
	for _, v := range vals {
		if fmt.Sprint(v) == fmt.Sprint(got) {
			return true
		}
	}
	return false
}

func containsAll(got, want any) bool {
	haveList, ok := got.([]any)
	if !ok {
		return false
	}
	wantList, ok := want.([]any)
	if !ok {
		return false
	}
	have := make(map[string]struct{}, len(haveList))
	for _, v := range haveList {
		have[fmt.Sprint(v)] = struct{}{}
	}
	for _, v := range wantList {
		if _, ok := have[fmt.Sprint(v)]; !ok {
			return false
		}
	}
	return true
}

func project(doc store.Document, fields []string) store.Document {
	out := make(store.Document, len(fields))
	for _, f := range fields {
		if v, ok := lookup(doc, f); ok {
			out[f] = v
		}
	}
	return out
}

func sortDocs(docs []store.Document, fields []string) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			desc := strings.HasPrefix(f, "-")
			key := strings.TrimPrefix(f, "-")
			vi, _ := lookup(docs[i], key)
			vj, _ := lookup(docs[j], key)
			si, sj := fmt.Sprint(vi), fmt.Sprint(vj)
			if si == sj {
				continue
			}
			if desc {
				return si > sj
			}
			return si < sj
		}
		return false
	})
}
