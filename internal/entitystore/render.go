package entitystore

import (
	"sort"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
)

// RenderArgs selects and orders the rendered entity set.
type RenderArgs struct {
	// PKs restricts the render to these primary keys. Nil means all.
	PKs []string

	// Sort orders the result with the caller's comparator (less function).
	// Nil keeps fold order: ground truth in server order, optimistic
	// inserts appended in log order.
	Sort func(a, b model.Entity) bool
}

// foldResult is the memoized output of folding the operation log over
// ground truth. order preserves server order with optimistic inserts at the
// end; entities maps pk to the effective entity.
type foldResult struct {
	order    []string
	entities map[string]model.Entity
}

// Render returns the effective entity list: ground truth with every
// non-rejected operation applied in insertion order.
//
// Render is total - it never fails. Broken instances inside an operation
// are skipped with a warning and do not abort the fold. The fold is a pure
// function of (ground truth, log, args) and is memoized until the next
// mutation.
func (s *Store) Render(args RenderArgs) []model.Entity {
	s.awaitInit()
	s.mu.Lock()
	fold := s.foldLocked()

	var restrict map[string]bool
	if args.PKs != nil {
		restrict = make(map[string]bool, len(args.PKs))
		for _, pk := range args.PKs {
			restrict[pk] = true
		}
	}

	out := make([]model.Entity, 0, len(fold.order))
	for _, pk := range fold.order {
		if restrict != nil && !restrict[pk] {
			continue
		}
		out = append(out, fold.entities[pk].Clone())
	}
	s.mu.Unlock()

	if args.Sort != nil {
		sort.SliceStable(out, func(i, j int) bool { return args.Sort(out[i], out[j]) })
	}
	return out
}

// RenderedPKs returns the effective primary keys in fold order.
func (s *Store) RenderedPKs() []string {
	s.awaitInit()
	s.mu.Lock()
	defer s.mu.Unlock()
	fold := s.foldLocked()
	out := make([]string, len(fold.order))
	copy(out, fold.order)
	return out
}

// foldLocked returns the memoized fold, recomputing it when a mutation has
// invalidated the cache.
func (s *Store) foldLocked() *foldResult {
	if s.fold != nil && s.foldVersion == s.version {
		return s.fold
	}

	fold := &foldResult{
		order:    make([]string, 0, len(s.order)),
		entities: make(map[string]model.Entity, len(s.groundTruth)),
	}
	for _, pk := range s.order {
		fold.order = append(fold.order, pk)
		fold.entities[pk] = s.groundTruth[pk]
	}

	// pks deleted by an earlier non-rejected delete; protects against
	// updates resurrecting locally-deleted rows.
	deleted := make(map[string]bool)

	for _, o := range s.log.Snapshot() {
		if o.Status() == op.StatusRejected {
			continue
		}
		s.applyOperationLocked(fold, o, deleted)
	}

	s.fold = fold
	s.foldVersion = s.version
	return fold
}

func (s *Store) applyOperationLocked(fold *foldResult, o *op.Operation, deleted map[string]bool) {
	for _, inst := range o.Instances() {
		pk, ok := s.md.PK(inst)
		if !ok {
			s.logger.Warn("skipping broken instance in operation",
				zap.String("operation_id", o.ID()),
				zap.String("pk_field", s.md.PKField))
			continue
		}

		switch o.Type() {
		case op.TypeCreate, op.TypeGetOrCreate:
			if _, present := fold.entities[pk]; !present {
				fold.entities[pk] = inst
				fold.order = append(fold.order, pk)
			}

		case op.TypeUpdateOrCreate:
			if existing, present := fold.entities[pk]; present {
				fold.entities[pk] = model.Overlay(existing, inst)
			} else {
				fold.entities[pk] = inst
				fold.order = append(fold.order, pk)
			}

		case op.TypeUpdate:
			if existing, present := fold.entities[pk]; present {
				fold.entities[pk] = model.Overlay(existing, inst)
			} else if !deleted[pk] {
				// Insert only when no earlier non-rejected delete claimed
				// this pk; otherwise the update targets a row the user
				// already removed locally.
				fold.entities[pk] = inst
				fold.order = append(fold.order, pk)
			}

		case op.TypeDelete:
			if _, present := fold.entities[pk]; present {
				delete(fold.entities, pk)
				for i, existing := range fold.order {
					if existing == pk {
						fold.order = append(fold.order[:i], fold.order[i+1:]...)
						break
					}
				}
			}
			deleted[pk] = true

		default:
			s.logger.Warn("skipping operation with unknown type",
				zap.String("operation_id", o.ID()),
				zap.String("type", string(o.Type())))
		}
	}
}
