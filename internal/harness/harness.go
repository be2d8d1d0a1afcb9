// Package harness executes YAML sync-engine scenarios end to end: it stands
// up a registry core with fetchers backed by a simulated server dataset,
// drives the scenario's operation steps through the event router, and records
// the rendered state after every step as a deterministic trace for golden
// comparison.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhq/liveset/internal/entitystore"
	"github.com/meridianhq/liveset/internal/metric"
	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/query"
	"github.com/meridianhq/liveset/internal/queryset"
	"github.com/meridianhq/liveset/internal/registry"
	"github.com/meridianhq/liveset/internal/testutil"
)

// Result holds the trace and the live stores for direct assertions.
type Result struct {
	Scenario  *Scenario
	Trace     []TraceEvent
	Core      *registry.Core
	Entities  *entitystore.Store
	QuerySets map[string]*queryset.Store
	Metrics   map[string]*metric.Store
}

// runner is the mutable execution state for one scenario.
type runner struct {
	scenario *Scenario
	md       model.Descriptor
	clock    *testutil.Clock

	server []model.Entity // simulated authoritative dataset

	core      *registry.Core
	entities  *entitystore.Store
	querySets map[string]*queryset.Store
	qsLabels  []string // declaration order, for deterministic traces
	metrics   map[string]*metric.Store

	ops   map[string]*op.Operation
	trace []TraceEvent
}

// Run executes a scenario and returns its trace.
func Run(scenario *Scenario) (*Result, error) {
	r := &runner{
		scenario:  scenario,
		md:        scenario.Model.Descriptor(),
		clock:     testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		querySets: make(map[string]*queryset.Store),
		metrics:   make(map[string]*metric.Store),
		ops:       make(map[string]*op.Operation),
	}
	r.setServer(scenario.Server)

	if err := r.buildStores(); err != nil {
		return nil, err
	}
	r.core.Router().Attach()
	defer r.core.Router().Detach()

	for i, step := range scenario.Steps {
		if err := r.execute(step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Do, err)
		}
		r.record(i, step)
		r.clock.Advance(time.Second)
	}

	return &Result{
		Scenario:  scenario,
		Trace:     r.trace,
		Core:      r.core,
		Entities:  r.entities,
		QuerySets: r.querySets,
		Metrics:   r.metrics,
	}, nil
}

// buildStores constructs the core and the scenario's stores. Initial sync is
// off: scenarios sync explicitly so the trace stays step-aligned.
func (r *runner) buildStores() error {
	off := false
	r.core = registry.New(registry.Options{InitialSync: &off, Now: r.clock.Now})

	r.entities = r.core.EntityStore(r.md, r.fetchEntities)

	for _, def := range r.scenario.QuerySets {
		q := descriptorFromFilter(def.Filter)
		s, err := r.core.QuerySetStore(r.md, q, r.fetchMembership)
		if err != nil {
			return fmt.Errorf("query set %q: %w", def.Label, err)
		}
		r.querySets[def.Label] = s
		r.qsLabels = append(r.qsLabels, def.Label)
	}

	for _, def := range r.scenario.Metrics {
		m := metric.Metric{Kind: metric.Kind(def.Kind), Field: def.Field}
		s, err := r.core.MetricStore(r.md, descriptorFromFilter(def.Filter), m, r.fetchValue)
		if err != nil {
			return fmt.Errorf("metric %q: %w", def.Label, err)
		}
		r.metrics[def.Label] = s
	}
	return nil
}

func descriptorFromFilter(f *FilterDef) query.Descriptor {
	if f == nil {
		return query.Descriptor{}
	}
	return query.Descriptor{Predicate: query.Filter{
		Field: f.Field,
		Op:    query.FilterOp(f.Op),
		Value: f.Value,
	}}
}

// setServer replaces the simulated dataset.
func (r *runner) setServer(raw []map[string]any) {
	r.server = make([]model.Entity, 0, len(raw))
	for _, e := range raw {
		r.server = append(r.server, model.Entity(e))
	}
}

// fetchEntities serves the entity-store fetcher from the simulated dataset:
// requested pks that exist are returned, the rest are omitted.
func (r *runner) fetchEntities(ctx context.Context, pks []string, md model.Descriptor) ([]model.Entity, error) {
	want := make(map[string]bool, len(pks))
	for _, pk := range pks {
		want[pk] = true
	}
	var out []model.Entity
	for _, e := range r.server {
		if pk, ok := md.PK(e); ok && want[pk] {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// fetchMembership evaluates the query predicate over the simulated dataset.
func (r *runner) fetchMembership(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error) {
	var out []string
	for _, e := range r.server {
		if q.Matches(e) {
			if pk, ok := md.PK(e); ok {
				out = append(out, pk)
			}
		}
	}
	return out, nil
}

// fetchValue computes the authoritative aggregate over the simulated dataset.
func (r *runner) fetchValue(ctx context.Context, q query.Descriptor, m metric.Metric, md model.Descriptor) (float64, error) {
	var count, sum float64
	var minV, maxV float64
	first := true
	for _, e := range r.server {
		if !q.Matches(e) {
			continue
		}
		count++
		n, ok := toFloat(e[m.Field])
		if !ok {
			continue
		}
		sum += n
		if first || n < minV {
			minV = n
		}
		if first || n > maxV {
			maxV = n
		}
		first = false
	}

	switch m.Kind {
	case metric.KindCount:
		return count, nil
	case metric.KindSum:
		return sum, nil
	case metric.KindMin:
		return minV, nil
	case metric.KindMax:
		return maxV, nil
	case metric.KindAvg:
		if count == 0 {
			return 0, nil
		}
		return sum / count, nil
	}
	return 0, fmt.Errorf("unknown metric kind %q", m.Kind)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// execute runs one step.
func (r *runner) execute(step Step) error {
	switch step.Do {
	case StepSetServer:
		r.setServer(step.Entities)
		return nil

	case StepCreate, StepUpdate, StepDelete:
		data := op.Data{
			Type:      op.Type(step.Do),
			Model:     r.md,
			Instances: toEntities(step.Instances),
			Now:       r.clock.Now,
		}
		if step.QuerySet != "" {
			data.QuerySetRef = r.querySets[step.QuerySet].Fingerprint()
		}
		o, err := op.New(data)
		if err != nil {
			return err
		}
		r.core.Register(o)
		if step.As != "" {
			r.ops[step.As] = o
		}
		return nil

	case StepConfirm:
		o := r.ops[step.Ref]
		if !o.UpdateStatus(op.StatusConfirmed, toEntities(step.Instances)...) {
			return fmt.Errorf("operation %q refused the confirm", step.Ref)
		}
		return nil

	case StepReject:
		o := r.ops[step.Ref]
		if !o.UpdateStatus(op.StatusRejected) {
			return fmt.Errorf("operation %q refused the reject", step.Ref)
		}
		return nil

	case StepPush:
		_, err := r.core.Router().RoutePush(op.Data{
			Type:      op.Type(step.Type),
			Model:     r.md,
			Instances: toEntities(step.Instances),
			Now:       r.clock.Now,
		})
		return err

	case StepSync:
		return r.sync(context.Background())
	}
	return fmt.Errorf("unknown step %q", step.Do)
}

// sync runs the full client refresh cycle: query sets first, then the entity
// store is hydrated with the entities the memberships name (the wire client's
// job in production) and synced itself, then the metrics.
func (r *runner) sync(ctx context.Context) error {
	for _, label := range r.qsLabels {
		if err := r.querySets[label].Sync(ctx); err != nil {
			return fmt.Errorf("query set %q: %w", label, err)
		}
	}

	seen := make(map[string]bool)
	var memberPKs []string
	for _, label := range r.qsLabels {
		for _, pk := range r.querySets[label].GroundTruthIDs() {
			if !seen[pk] {
				seen[pk] = true
				memberPKs = append(memberPKs, pk)
			}
		}
	}
	if len(memberPKs) > 0 {
		fetched, err := r.fetchEntities(ctx, memberPKs, r.md)
		if err != nil {
			return err
		}
		r.entities.MergeGroundTruth(fetched)
	}
	if err := r.entities.Sync(ctx); err != nil {
		return err
	}

	for label, s := range r.metrics {
		if err := s.Sync(ctx); err != nil {
			return fmt.Errorf("metric %q: %w", label, err)
		}
	}
	return nil
}

func toEntities(raw []map[string]any) []model.Entity {
	out := make([]model.Entity, 0, len(raw))
	for _, e := range raw {
		out = append(out, model.Entity(e))
	}
	return out
}

// record appends the observable state after a step to the trace.
func (r *runner) record(index int, step Step) {
	ev := TraceEvent{
		Step:     index,
		Do:       step.Do,
		Entities: r.entities.Render(entitystore.RenderArgs{}),
	}
	if step.As != "" {
		ev.Label = step.As
	} else if step.Ref != "" {
		ev.Label = step.Ref
	}
	if len(r.querySets) > 0 {
		ev.QuerySets = make(map[string][]string, len(r.querySets))
		for label, s := range r.querySets {
			ev.QuerySets[label] = s.Slice(queryset.SliceArgs{})
		}
	}
	if len(r.metrics) > 0 {
		ev.Metrics = make(map[string]float64, len(r.metrics))
		for label, s := range r.metrics {
			ev.Metrics[label] = s.Value()
		}
	}
	r.trace = append(r.trace, ev)
}
