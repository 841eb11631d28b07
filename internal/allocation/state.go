package allocation

import (
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stockpool/internal/model"
)

// ErrInvalidTransition is returned for a preview state change the lifecycle forbids.
var ErrInvalidTransition = eris.New("allocation: invalid preview transition")

// defaultTrackedPreviews bounds the tracker's memory.
const defaultTrackedPreviews = 4096

var transitions = map[model.PreviewState][]model.PreviewState{
	model.PreviewGenerated:     {model.PreviewApplied, model.PreviewStaleRejected, model.PreviewSuperseded},
	model.PreviewSuperseded:    {model.PreviewApplied, model.PreviewStaleRejected},
	model.PreviewStaleRejected: {model.PreviewApplied},
	model.PreviewApplied:       {},
}

type poolKey struct {
	component string
	location  string
}

type trackedPreview struct {
	state       model.PreviewState
	key         poolKey
	constraints model.Constraints
}

// Tracker holds the lifecycle state of recently generated previews.
type Tracker struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*trackedPreview
	order   []string
}

// NewTracker creates a Tracker that remembers up to limit previews. A
// non-positive limit uses the default.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = defaultTrackedPreviews
	}
	return &Tracker{limit: limit, entries: make(map[string]*trackedPreview)}
}

// Generate records p as GENERATED. Earlier GENERATED previews for the same
// pool and location with different constraints become SUPERSEDED; their ids
// are returned.
func (t *Tracker) Generate(p *model.Preview) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := poolKey{component: p.PoolComponentSKU, location: p.Location}
	var superseded []string
	for _, id := range t.order {
		e := t.entries[id]
		if e.key == key && e.state == model.PreviewGenerated && e.constraints != p.Constraints {
			e.state = model.PreviewSuperseded
			superseded = append(superseded, id)
		}
	}

	t.entries[p.ID] = &trackedPreview{state: model.PreviewGenerated, key: key, constraints: p.Constraints}
	t.order = append(t.order, p.ID)
	for len(t.order) > t.limit {
		delete(t.entries, t.order[0])
		t.order = t.order[1:]
	}
	return superseded
}

// State returns the state of preview id and whether it is tracked.
func (t *Tracker) State(id string) (model.PreviewState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Apply marks preview id as applied.
func (t *Tracker) Apply(id string) error { return t.move(id, model.PreviewApplied) }

// RejectStale marks preview id as rejected for staleness.
func (t *Tracker) RejectStale(id string) error { return t.move(id, model.PreviewStaleRejected) }

// Supersede marks preview id as replaced by a newer preview.
func (t *Tracker) Supersede(id string) error { return t.move(id, model.PreviewSuperseded) }

func (t *Tracker) move(id string, to model.PreviewState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return eris.Errorf("allocation: preview %s is not tracked", id)
	}
	for _, next := range transitions[e.state] {
		if next == to {
			e.state = to
			return nil
		}
	}
	return eris.Wrapf(ErrInvalidTransition, "%s -> %s", e.state, to)
}
