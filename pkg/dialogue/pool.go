package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// Saver persists a pool snapshot after mutations. Implementations must be
// idempotent and tolerate gaps; the pool never retries a failed save.
type Saver interface {
	Save(ctx context.Context, kind string, snapshot []byte) error
}

// Archiver receives items the maintenance pass removes from the pool, so
// they stay searchable after eviction. Reason is one of "expired", "cold",
// "capacity".
type Archiver interface {
	Archive(ctx context.Context, item *Item, reason string) error
}

// ContentFetcher lazily resolves item content that was admitted without a
// body (the transport may deliver content out of band).
type ContentFetcher interface {
	FetchContent(ctx context.Context, scopeID string, index int) (string, error)
}

// Config holds pool tuning knobs.
type Config struct {
	MaxSize   int           // capacity cap enforced by maintenance (default 100)
	MinHeat   float64       // items below this heat are evicted (default 0.5)
	HeatDecay float64       // heat lost per maintenance cycle (default 0.1)
	MaxAge    time.Duration // items older than this are expired (default 24h)
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxSize == 0 {
		out.MaxSize = 100
	}
	if out.MinHeat == 0 {
		out.MinHeat = 0.5
	}
	if out.HeatDecay == 0 {
		out.HeatDecay = 0.1
	}
	if out.MaxAge == 0 {
		out.MaxAge = 24 * time.Hour
	}
	return out
}

// Pool is the bounded dialogue store. All mutating operations are
// internally synchronized; maintenance runs after every Add and never
// surfaces an error to the caller.
type Pool struct {
	cfg      Config
	saver    Saver
	archiver Archiver
	fetcher  ContentFetcher
	sink     protocol.EventSink

	mu     sync.Mutex
	items  []*Item
	byIdx  map[int]*Item
	counts map[string]int
	seq    int

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Option configures optional pool collaborators.
type Option func(*Pool)

// WithSaver sets the snapshot persistence hook.
func WithSaver(s Saver) Option { return func(p *Pool) { p.saver = s } }

// WithArchiver sets the eviction archive hook.
func WithArchiver(a Archiver) Option { return func(p *Pool) { p.archiver = a } }

// WithContentFetcher sets the lazy content collaborator.
func WithContentFetcher(f ContentFetcher) Option { return func(p *Pool) { p.fetcher = f } }

// WithEventSink sets the lifecycle event recorder.
func WithEventSink(s protocol.EventSink) Option { return func(p *Pool) { p.sink = s } }

// NewPool creates a Pool with the given config and collaborators.
func NewPool(cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:     cfg.withDefaults(),
		byIdx:   make(map[int]*Item),
		counts:  make(map[string]int),
		nowFunc: time.Now,
	}
	for _, s := range protocol.DialogueStatuses() {
		p.counts[s.String()] = 0
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add admits an item, bumps its status counter, and runs a maintenance
// pass. It never fails; a persistence error is recorded and dropped.
func (p *Pool) Add(ctx context.Context, item *Item) {
	p.mu.Lock()
	item.seq = p.seq
	p.seq++
	p.items = append(p.items, item)
	p.byIdx[item.Index] = item
	p.counts[item.Status.String()]++
	removed := p.maintainLocked()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.record(ctx, protocol.EventDialogueAdmitted, item, "")
	p.finishMaintenance(ctx, removed)
	p.persistAsync(ctx, snapshot)
}

// UpdateStatus transitions an item's status and maintains the counters.
// Unknown indices are a silent no-op (late or duplicate events are
// tolerated).
func (p *Pool) UpdateStatus(ctx context.Context, index int, status protocol.DialogueStatus) {
	p.mu.Lock()
	item, ok := p.byIdx[index]
	if !ok {
		p.mu.Unlock()
		return
	}
	old := item.Status
	item.Status = status
	if c := p.counts[old.String()]; c > 0 {
		p.counts[old.String()] = c - 1
	}
	p.counts[status.String()]++
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.persistAsync(ctx, snapshot)
}

// UpdateHeat adjusts an item's heat by delta, clamped at zero. A positive
// delta also counts as a reference. Unknown indices are a no-op.
func (p *Pool) UpdateHeat(index int, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.byIdx[index]; ok {
		item.adjustHeat(delta)
	}
}

// AttachAnalysis stores the reasoner's result on an item.
func (p *Pool) AttachAnalysis(index int, a *Analysis) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.byIdx[index]; ok {
		item.Analysis = a
	}
}

// Get returns a copy of the item at index.
func (p *Pool) Get(index int) (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.byIdx[index]; ok {
		return *item, true
	}
	return Item{}, false
}

// ContentOf returns the item's content, fetching it from the content
// collaborator when the item was admitted without a body.
func (p *Pool) ContentOf(ctx context.Context, index int) (string, error) {
	p.mu.Lock()
	item, ok := p.byIdx[index]
	if !ok {
		p.mu.Unlock()
		return "", &protocol.NotFoundError{Kind: "dialogue", ID: fmt.Sprint(index)}
	}
	if item.Content != "" || p.fetcher == nil {
		content := item.Content
		p.mu.Unlock()
		return content, nil
	}
	scope := item.ScopeID
	p.mu.Unlock()

	content, err := p.fetcher.FetchContent(ctx, scope, index)
	if err != nil {
		return "", &protocol.PersistenceError{Op: "fetch_content", Cause: err}
	}
	p.mu.Lock()
	if item, ok := p.byIdx[index]; ok {
		item.Content = content
	}
	p.mu.Unlock()
	return content, nil
}

// Len returns the number of items currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// StatusCounts returns a copy of the per-status counters.
func (p *Pool) StatusCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}

// Maintain runs the maintenance pass on demand. Add already runs it after
// every admission; this exists for periodic sweeps when the pool is idle.
func (p *Pool) Maintain(ctx context.Context) {
	p.mu.Lock()
	removed := p.maintainLocked()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.finishMaintenance(ctx, removed)
	p.persistAsync(ctx, snapshot)
}

// removal pairs an evicted item with why it left the pool.
type removal struct {
	item   *Item
	reason string
}

// maintainLocked runs the four maintenance phases in fixed order: expiry,
// heat decay, cold eviction, size cap. Expiry runs first so a stale item
// never consumes a kept slot during the heat-based cut. Each phase only
// touches in-memory state; archiving and persistence happen after the lock
// is released.
func (p *Pool) maintainLocked() []removal {
	var removed []removal
	removed = append(removed, p.expireLocked()...)
	p.decayLocked()
	removed = append(removed, p.evictColdLocked()...)
	removed = append(removed, p.enforceSizeLocked()...)
	return removed
}

// expireLocked removes items older than MaxAge, measured from creation
// time, independent of heat.
func (p *Pool) expireLocked() []removal {
	now := p.nowFunc()
	var removed []removal
	kept := p.items[:0]
	for _, it := range p.items {
		if now.Sub(it.CreatedAt) > p.cfg.MaxAge {
			removed = append(removed, removal{it, "expired"})
		} else {
			kept = append(kept, it)
		}
	}
	p.items = kept
	p.dropRemovedLocked(removed)
	return removed
}

// decayLocked applies the per-cycle heat decrement to every survivor.
// Decay is a function of maintenance-cycle count, not wall time.
func (p *Pool) decayLocked() {
	for _, it := range p.items {
		it.adjustHeat(-p.cfg.HeatDecay)
	}
}

// evictColdLocked removes items whose heat fell below MinHeat.
func (p *Pool) evictColdLocked() []removal {
	var removed []removal
	kept := p.items[:0]
	for _, it := range p.items {
		if it.Heat < p.cfg.MinHeat {
			removed = append(removed, removal{it, "cold"})
		} else {
			kept = append(kept, it)
		}
	}
	p.items = kept
	p.dropRemovedLocked(removed)
	return removed
}

// enforceSizeLocked keeps the top MaxSize items by retention score, ties
// broken by insertion order (stable sort on seq).
func (p *Pool) enforceSizeLocked() []removal {
	if len(p.items) <= p.cfg.MaxSize {
		return nil
	}
	ranked := append([]*Item(nil), p.items...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].retentionScore(), ranked[j].retentionScore()
		if si != sj {
			return si > sj
		}
		return ranked[i].seq < ranked[j].seq
	})

	var removed []removal
	for _, it := range ranked[p.cfg.MaxSize:] {
		removed = append(removed, removal{it, "capacity"})
	}
	keepSet := make(map[int]bool, p.cfg.MaxSize)
	for _, it := range ranked[:p.cfg.MaxSize] {
		keepSet[it.Index] = true
	}
	kept := p.items[:0]
	for _, it := range p.items {
		if keepSet[it.Index] {
			kept = append(kept, it)
		}
	}
	p.items = kept
	p.dropRemovedLocked(removed)
	return removed
}

// dropRemovedLocked maintains the index map and counters for removals.
func (p *Pool) dropRemovedLocked(removed []removal) {
	for _, r := range removed {
		delete(p.byIdx, r.item.Index)
		key := r.item.Status.String()
		if c := p.counts[key]; c > 0 {
			p.counts[key] = c - 1
		}
	}
}

// finishMaintenance archives and records removals outside the lock. An
// archive failure for one item must not stop the others.
func (p *Pool) finishMaintenance(ctx context.Context, removed []removal) {
	for _, r := range removed {
		if p.archiver != nil {
			if err := p.archiver.Archive(ctx, r.item, r.reason); err != nil {
				p.recordError(ctx, &protocol.PersistenceError{Op: "archive_dialogue", Cause: err})
			}
		}
		evType := protocol.EventDialogueEvicted
		if r.reason == "expired" {
			evType = protocol.EventDialogueExpired
		}
		p.record(ctx, evType, r.item, r.reason)
	}
}

// poolSnapshot is the persisted shape of the pool.
type poolSnapshot struct {
	Items  []*Item        `json:"items"`
	Counts map[string]int `json:"counts"`
}

func (p *Pool) snapshotLocked() []byte {
	snap := poolSnapshot{Items: p.items, Counts: p.counts}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return data
}

// persistAsync hands the snapshot to the saver without holding the mutex
// and without blocking the caller. Failures are recorded, never retried.
func (p *Pool) persistAsync(ctx context.Context, snapshot []byte) {
	if p.saver == nil || snapshot == nil {
		return
	}
	go func() {
		if err := p.saver.Save(ctx, protocol.SnapshotDialoguePool, snapshot); err != nil {
			p.recordError(ctx, &protocol.PersistenceError{Op: "save_snapshot", Cause: err})
		}
	}()
}

func (p *Pool) record(ctx context.Context, evType string, item *Item, detail string) {
	if p.sink == nil {
		return
	}
	payload := ""
	if detail != "" {
		payload = fmt.Sprintf(`{"reason":%q,"index":%d}`, detail, item.Index)
	} else {
		payload = fmt.Sprintf(`{"index":%d}`, item.Index)
	}
	_ = p.sink.Record(ctx, protocol.Event{
		Type:    evType,
		Source:  "pool",
		TopicID: "",
		TaskID:  "",
		Payload: payload,
	})
}

func (p *Pool) recordError(ctx context.Context, err error) {
	if p.sink == nil {
		return
	}
	_ = p.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventPersistFailed,
		Source:  "pool",
		Payload: fmt.Sprintf(`{"error":%q}`, err.Error()),
	})
}
