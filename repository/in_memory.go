// Package repository provides Repository implementations: a process-local
// in-memory store suited to tests and ephemeral demo servers, and (in the
// sqlite subpackage) a durable single-file store. Both present the same
// relation-aware generic CRUD surface defined by core.Repository.
package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/convoloop/core"
)

// Relation declares how child records of another collection attach to records
// of a parent collection when requested through Query.Include.
type Relation struct {
	// Name is the key the included records appear under on the parent.
	Name string
	// Collection is the child collection.
	Collection string
	// LocalField is the parent field matched against ForeignField ("id" usually).
	LocalField string
	// ForeignField is the child field referencing the parent.
	ForeignField string
}

// InMemory is a volatile core.Repository storing records in process-local
// maps. It is safe for concurrent access; returned records are defensive
// copies so callers cannot mutate internal state.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]map[string]core.Record
	relations   map[string][]Relation
	finds       int
}

// NewInMemory constructs an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{
		collections: make(map[string]map[string]core.Record),
		relations:   make(map[string][]Relation),
	}
}

// DefineRelation registers a relation resolvable through Query.Include.
func (s *InMemory) DefineRelation(collection string, rel Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[collection] = append(s.relations[collection], rel)
}

// Finds returns the number of Find calls served, for cache convergence tests.
func (s *InMemory) Finds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finds
}

// Find implements core.Repository.
func (s *InMemory) Find(ctx context.Context, collection string, q core.Query) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.finds++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Record
	for _, rec := range s.collections[collection] {
		if matches(rec, q.Filter) {
			out = append(out, cloneRecord(rec))
		}
	}
	if q.Sort != "" {
		field, desc := q.Sort, false
		if strings.HasPrefix(field, "-") {
			field, desc = field[1:], true
		}
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i][field], out[j][field]) < 0
			if desc {
				return !less
			}
			return less
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for _, rel := range s.relations[collection] {
		if !includes(q.Include, rel.Name) {
			continue
		}
		for _, rec := range out {
			var children []core.Record
			for _, child := range s.collections[rel.Collection] {
				if compareValues(child[rel.ForeignField], rec[rel.LocalField]) == 0 {
					children = append(children, cloneRecord(child))
				}
			}
			rec[rel.Name] = children
		}
	}
	return out, nil
}

// Create implements core.Repository. A missing id field is generated.
func (s *InMemory) Create(ctx context.Context, collection string, rec core.Record) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneRecord(rec)
	if stored.String("id") == "" {
		stored["id"] = core.NewID()
	}
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]core.Record)
		s.collections[collection] = coll
	}
	coll[stored.String("id")] = stored
	return cloneRecord(stored), nil
}

// Update implements core.Repository. Changes merge into the stored record.
func (s *InMemory) Update(ctx context.Context, collection string, id string, changes core.Record) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	rec, ok := coll[id]
	if !ok {
		return nil, core.NewNotFoundError(collection, id)
	}
	for k, v := range changes {
		rec[k] = v
	}
	return cloneRecord(rec), nil
}

// Delete implements core.Repository.
func (s *InMemory) Delete(ctx context.Context, collection string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	if _, ok := coll[id]; !ok {
		return core.NewNotFoundError(collection, id)
	}
	delete(coll, id)
	return nil
}

func matches(rec core.Record, filter map[string]any) bool {
	for k, v := range filter {
		// "field>" means strictly-greater; used for createdAt cutoffs
		if strings.HasSuffix(k, ">") {
			if compareValues(rec[strings.TrimSuffix(k, ">")], v) <= 0 {
				return false
			}
			continue
		}
		if compareValues(rec[k], v) != 0 {
			return false
		}
	}
	return true
}

func includes(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func cloneRecord(rec core.Record) core.Record {
	out := make(core.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// compareValues orders the small set of scalar types stored in records.
// Mismatched types compare as unequal (1).
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case int:
		return compareFloat(float64(av), b)
	case int64:
		return compareFloat(float64(av), b)
	case float64:
		return compareFloat(av, b)
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok && av == bv {
			return 0
		}
	case nil:
		if b == nil {
			return 0
		}
	}
	return 1
}

func compareFloat(a float64, b any) int {
	var bf float64
	switch bv := b.(type) {
	case int:
		bf = float64(bv)
	case int64:
		bf = float64(bv)
	case float64:
		bf = bv
	default:
		return 1
	}
	switch {
	case a < bf:
		return -1
	case a > bf:
		return 1
	}
	return 0
}
