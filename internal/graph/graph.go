// Package graph schedules the per-table operations of an object graph.
//
// Schedule walks the navigations of the root entities depth first, groups
// the entities reached by type and orders the types so that every principal
// type precedes its dependents. After a tier has been written, Propagate
// copies the principal keys into the foreign key fields of the dependents
// before their own tier runs.
package graph

import (
	"fmt"
	"reflect"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/correlate"
	"bulkmerge/internal/model"
)

// Tier is the batch of one entity type.
type Tier struct {
	Type     *model.Type
	Entities []any
	// Levels partitions Entities for self-referencing types: the same-type
	// principal of every entity lives in an earlier level. Types without
	// self-references have a single level.
	Levels [][]any
}

// Plan is the ordered list of tiers of one graph.
type Plan struct {
	Tiers []*Tier
	links []*link
}

// link is one principal/dependent pair discovered through a navigation.
type link struct {
	nav       *model.Navigation
	principal any
	dependent any
	pType     *model.Type
	dType     *model.Type
	pk        []*model.Field
	fk        []*model.Field
}

// Schedule builds the plan for roots. Entities appearing more than once,
// by pointer or by a non-default primary key, are scheduled once.
func Schedule(roots []any, provider model.Provider) (*Plan, error) {
	w := &walker{
		provider: provider,
		tiers:    make(map[*model.Type]*Tier),
		seen:     make(map[uintptr]any),
		byKey:    make(map[*model.Type]map[correlate.Key]any),
		edges:    make(map[*model.Type]map[*model.Type]bool),
		linked:   make(map[linkID]bool),
	}
	for _, root := range roots {
		if _, _, err := w.visit(root); err != nil {
			return nil, err
		}
	}

	order, err := w.order()
	if err != nil {
		return nil, err
	}
	plan := &Plan{links: w.links}
	for _, t := range order {
		tier := w.tiers[t]
		if tier.Levels, err = levels(tier, w.links); err != nil {
			return nil, err
		}
		plan.Tiers = append(plan.Tiers, tier)
	}
	return plan, nil
}

// Propagate writes the keys of the written principals into the foreign key
// fields of their dependents. Principals whose key is still unset, because
// their row was skipped, leave their dependents untouched.
func (p *Plan) Propagate(written []any) error {
	done := make(map[uintptr]bool, len(written))
	for _, e := range written {
		done[pointer(e)] = true
	}
	for _, l := range p.links {
		if !done[pointer(l.principal)] {
			continue
		}
		if err := l.propagate(); err != nil {
			return err
		}
	}
	return nil
}

func (l *link) propagate() error {
	values := make([]any, len(l.pk))
	for i, f := range l.pk {
		if l.pType.IsDefault(l.principal, f) {
			return nil
		}
		values[i] = l.pType.Value(l.principal, f)
	}
	for i, f := range l.fk {
		if err := l.dType.Set(l.dependent, f, values[i]); err != nil {
			return fmt.Errorf("failed to propagate %s.%s through %s: %w", l.dType.Name, f.Name, l.nav.Name, err)
		}
	}
	return nil
}

type linkID struct {
	nav                  *model.Navigation
	principal, dependent uintptr
}

type walker struct {
	provider model.Provider
	types    []*model.Type
	tiers    map[*model.Type]*Tier
	seen     map[uintptr]any
	byKey    map[*model.Type]map[correlate.Key]any
	edges    map[*model.Type]map[*model.Type]bool
	links    []*link
	linked   map[linkID]bool
}

// visit returns the canonical entity standing for entity, walking its
// navigations the first time it is reached.
func (w *walker) visit(entity any) (any, *model.Type, error) {
	t, err := w.provider.TypeOf(entity)
	if err != nil {
		return nil, nil, err
	}
	if err := t.Check(entity); err != nil {
		return nil, nil, bulkerr.Configf("IncludeGraph", "%v", err)
	}
	ptr := pointer(entity)
	if canonical, ok := w.seen[ptr]; ok {
		return canonical, t, nil
	}

	canonical := entity
	key, keyed, err := naturalKey(t, entity)
	if err != nil {
		return nil, nil, err
	}
	if keyed {
		if existing, ok := w.byKey[t][key]; ok {
			canonical = existing
		} else {
			if w.byKey[t] == nil {
				w.byKey[t] = make(map[correlate.Key]any)
			}
			w.byKey[t][key] = entity
		}
	}
	w.seen[ptr] = canonical
	if canonical == entity {
		w.tier(t).Entities = append(w.tier(t).Entities, entity)
	}

	for _, nav := range t.Navigations {
		for _, related := range nav.Entities(entity) {
			other, rt, err := w.visit(related)
			if err != nil {
				return nil, nil, err
			}
			if nav.Kind == model.Reference {
				err = w.link(nav, other, rt, canonical, t)
			} else {
				err = w.link(nav, canonical, t, other, rt)
			}
			if err != nil {
				return nil, nil, err
			}
		}
	}
	return canonical, t, nil
}

func (w *walker) tier(t *model.Type) *Tier {
	tier, ok := w.tiers[t]
	if !ok {
		tier = &Tier{Type: t}
		w.tiers[t] = tier
		w.types = append(w.types, t)
	}
	return tier
}

func (w *walker) link(nav *model.Navigation, principal any, pType *model.Type, dependent any, dType *model.Type) error {
	id := linkID{nav: nav, principal: pointer(principal), dependent: pointer(dependent)}
	if w.linked[id] {
		return nil
	}
	w.linked[id] = true
	if id.principal == id.dependent {
		return bulkerr.Configf(nav.Name, "%s references itself", dType.Name)
	}

	l := &link{nav: nav, principal: principal, dependent: dependent, pType: pType, dType: dType}
	var err error
	if l.fk, err = fields(dType, nav.ForeignKey, nav.Name); err != nil {
		return err
	}
	if len(nav.PrincipalKey) > 0 {
		if l.pk, err = fields(pType, nav.PrincipalKey, nav.Name); err != nil {
			return err
		}
	} else {
		l.pk = pType.Keys()
	}
	if len(l.pk) != len(l.fk) {
		return bulkerr.Configf(nav.Name, "foreign key of %s has %d fields but the key of %s has %d",
			dType.Name, len(l.fk), pType.Name, len(l.pk))
	}
	w.links = append(w.links, l)

	if pType != dType {
		if w.edges[pType] == nil {
			w.edges[pType] = make(map[*model.Type]bool)
		}
		w.edges[pType][dType] = true
	}
	return nil
}

// order sorts the types so that principals precede dependents, keeping
// discovery order among independent types.
func (w *walker) order() ([]*model.Type, error) {
	indegree := make(map[*model.Type]int, len(w.types))
	for _, dependents := range w.edges {
		for d := range dependents {
			indegree[d]++
		}
	}
	order := make([]*model.Type, 0, len(w.types))
	placed := make(map[*model.Type]bool, len(w.types))
	for len(order) < len(w.types) {
		var next *model.Type
		for _, t := range w.types {
			if !placed[t] && indegree[t] == 0 {
				next = t
				break
			}
		}
		if next == nil {
			var cyclic []string
			for _, t := range w.types {
				if !placed[t] {
					cyclic = append(cyclic, t.Name)
				}
			}
			return nil, bulkerr.Configf("IncludeGraph", "entity types %v depend on each other in a cycle", cyclic).
				WithHint("write one side of the cycle in a separate call")
		}
		placed[next] = true
		order = append(order, next)
		for d := range w.edges[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// levels partitions a tier by the depth of its same-type references.
func levels(tier *Tier, links []*link) ([][]any, error) {
	principals := make(map[uintptr][]any)
	for _, l := range links {
		if l.pType == tier.Type && l.dType == tier.Type {
			d := pointer(l.dependent)
			principals[d] = append(principals[d], l.principal)
		}
	}
	if len(principals) == 0 {
		return [][]any{tier.Entities}, nil
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[uintptr]int, len(tier.Entities))
	depth := make(map[uintptr]int, len(tier.Entities))
	var walk func(e any) error
	walk = func(e any) error {
		ptr := pointer(e)
		switch state[ptr] {
		case done:
			return nil
		case visiting:
			return bulkerr.Configf("IncludeGraph", "entities of %s reference each other in a loop", tier.Type.Name)
		}
		state[ptr] = visiting
		level := 0
		for _, p := range principals[ptr] {
			if err := walk(p); err != nil {
				return err
			}
			if depth[pointer(p)]+1 > level {
				level = depth[pointer(p)] + 1
			}
		}
		depth[ptr] = level
		state[ptr] = done
		return nil
	}

	var out [][]any
	for _, e := range tier.Entities {
		if err := walk(e); err != nil {
			return nil, err
		}
		level := depth[pointer(e)]
		for len(out) <= level {
			out = append(out, nil)
		}
		out[level] = append(out[level], e)
	}
	return out, nil
}

func fields(t *model.Type, names []string, nav string) ([]*model.Field, error) {
	out := make([]*model.Field, len(names))
	for i, name := range names {
		f := t.Field(name)
		if f == nil {
			return nil, bulkerr.Configf(nav, "field %q is not a mapped column of %s", name, t.Name)
		}
		out[i] = f
	}
	return out, nil
}

// naturalKey returns the correlation key of entity when every key field
// holds a value.
func naturalKey(t *model.Type, entity any) (correlate.Key, bool, error) {
	keys := t.Keys()
	if len(keys) == 0 {
		return "", false, nil
	}
	for _, f := range keys {
		if t.IsDefault(entity, f) {
			return "", false, nil
		}
	}
	key, err := correlate.EntityKey(t, entity, keys)
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func pointer(entity any) uintptr {
	return reflect.ValueOf(entity).Pointer()
}
