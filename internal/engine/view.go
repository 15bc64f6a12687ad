package engine

import (
	"sort"
	"sync"

	"quoteline/internal/domain"
)

// View is the user-visible projection. Optimistic states land here before the
// store confirms them.
type View struct {
	mu    sync.RWMutex
	items map[string]domain.Quotation
}

func NewView() *View {
	return &View{items: map[string]domain.Quotation{}}
}

func (v *View) Get(id string) (domain.Quotation, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	q, ok := v.items[id]
	if !ok {
		return q, false
	}
	return domain.Clone(q), true
}

func (v *View) Put(q domain.Quotation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[q.ID] = domain.Clone(q)
}

// Apply is Put in the shape the coordinator expects.
func (v *View) Apply(q domain.Quotation) error {
	v.Put(q)
	return nil
}

func (v *View) Delete(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.items, id)
}

// List returns every cached quotation ordered by id.
func (v *View) List() []domain.Quotation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.Quotation, 0, len(v.items))
	for _, q := range v.items {
		out = append(out, domain.Clone(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
