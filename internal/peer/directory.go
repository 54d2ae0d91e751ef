package peer

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"prenet/internal/proto"
	"prenet/internal/store"
	"prenet/internal/validate"
)

const (
	DefaultCap       = 512
	DefaultTTL       = 4 * time.Hour
	DefaultLoadLimit = 512
)

// ErrInsufficientCandidates means the directory holds fewer fully-verified
// peers than a sampling request asked for.
var ErrInsufficientCandidates = errors.New("insufficient verified candidates")

// Record is one peer as the directory knows it: its latest signed metadata
// and the verdict the validation chain reached on that metadata.
type Record struct {
	Meta    proto.NodeMetadata
	State   validate.State
	Seen    time.Time
	Visited bool
}

type entry struct {
	key string
	rec Record
}

type diskRecord struct {
	Meta proto.NodeMetadata `json:"meta"`
	Seen int64              `json:"seen"`
}

type Options struct {
	Cap       int
	TTL       time.Duration
	LoadLimit int
	// Self is our own identity key; our own gossip echo is never stored.
	Self string
}

// Directory is the learned view of the network: an LRU of peer records keyed
// by stamp public key, persisted as an append log so a restart does not mean
// re-bootstrapping from seeds. Records load back Unvalidated; verdicts are
// re-earned against live chain state, never trusted from disk.
type Directory struct {
	validator *validate.Validator

	mu    sync.RWMutex
	path  string
	cap   int
	ttl   time.Duration
	self  string
	hot   map[string]*list.Element
	order *list.List
	rng   *mrand.Rand
}

func NewDirectory(path string, v *validate.Validator, opts Options) (*Directory, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = DefaultLoadLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	d := &Directory{
		validator: v,
		path:      path,
		cap:       capacity,
		ttl:       ttl,
		self:      opts.Self,
		hot:       make(map[string]*list.Element),
		order:     list.New(),
		rng:       mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	if err := d.load(loadLimit); err != nil {
		return nil, err
	}
	return d, nil
}

// Remember merges one piece of gossiped metadata. The validation chain runs
// outside the lock (it may hit the staking oracle over the network); the
// verdict is applied under the lock only if no fresher metadata for the same
// identity landed in the meantime. Equal timestamps keep the existing record.
func (d *Directory) Remember(ctx context.Context, meta proto.NodeMetadata) (validate.State, error) {
	key := meta.IdentityKey()
	if key == "" {
		return validate.Unvalidated, fmt.Errorf("metadata without stamp key")
	}
	if key == d.self {
		return validate.Unvalidated, nil
	}

	d.mu.Lock()
	d.pruneLocked()
	if el, ok := d.hot[key]; ok {
		ent := el.Value.(*entry)
		if ent.rec.Meta.Timestamp >= meta.Timestamp {
			ent.rec.Seen = time.Now()
			d.order.MoveToFront(el)
			state := ent.rec.State
			d.mu.Unlock()
			return state, nil
		}
	}
	d.mu.Unlock()

	state, verr := d.validator.Validate(ctx, meta)

	d.mu.Lock()
	if el, ok := d.hot[key]; ok {
		ent := el.Value.(*entry)
		if ent.rec.Meta.Timestamp >= meta.Timestamp {
			d.order.MoveToFront(el)
			state := ent.rec.State
			d.mu.Unlock()
			return state, nil
		}
		ent.rec = Record{Meta: meta, State: state, Seen: time.Now()}
		d.order.MoveToFront(el)
	} else {
		if d.cap > 0 && len(d.hot) >= d.cap {
			d.evictLocked(len(d.hot) - d.cap + 1)
		}
		el := d.order.PushFront(&entry{key: key, rec: Record{Meta: meta, State: state, Seen: time.Now()}})
		d.hot[key] = el
	}
	d.mu.Unlock()

	if err := store.AppendJSONL(d.path, diskRecord{Meta: meta, Seen: time.Now().Unix()}); err != nil {
		return state, fmt.Errorf("persist peer: %w", err)
	}
	return state, verr
}

// Revalidate re-runs the chain on a stored record's metadata, for peers left
// short of WorkerVerified by an oracle outage.
func (d *Directory) Revalidate(ctx context.Context, key string) (validate.State, error) {
	d.mu.RLock()
	el, ok := d.hot[key]
	if !ok {
		d.mu.RUnlock()
		return validate.Unvalidated, fmt.Errorf("unknown peer %s", key)
	}
	meta := el.Value.(*entry).rec.Meta
	d.mu.RUnlock()

	state, verr := d.validator.Validate(ctx, meta)

	d.mu.Lock()
	if el, ok := d.hot[key]; ok {
		ent := el.Value.(*entry)
		if ent.rec.Meta.Timestamp == meta.Timestamp {
			ent.rec.State = state
		}
	}
	d.mu.Unlock()
	return state, verr
}

// RevalidateStale sweeps every record that is neither WorkerVerified nor
// Invalid. Called at startup (disk records load Unvalidated) and after oracle
// outages.
func (d *Directory) RevalidateStale(ctx context.Context) {
	for _, rec := range d.List() {
		if rec.State == validate.WorkerVerified || rec.State == validate.Invalid {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		_, _ = d.Revalidate(ctx, rec.Meta.IdentityKey())
	}
}

func (d *Directory) Get(key string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	el, ok := d.hot[key]
	if !ok || !d.freshLocked(el.Value.(*entry)) {
		return Record{}, false
	}
	return el.Value.(*entry).rec, true
}

func (d *Directory) Forget(key string) {
	d.mu.Lock()
	if el, ok := d.hot[key]; ok {
		delete(d.hot, key)
		d.order.Remove(el)
	}
	d.mu.Unlock()
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for el := d.order.Front(); el != nil; el = el.Next() {
		if d.freshLocked(el.Value.(*entry)) {
			n++
		}
	}
	return n
}

func (d *Directory) List() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.hot))
	for el := d.order.Front(); el != nil; el = el.Next() {
		if ent := el.Value.(*entry); d.freshLocked(ent) {
			out = append(out, ent.rec)
		}
	}
	return out
}

// SelectTeacher picks the next peer to learn from: an unvisited verified peer
// when one exists (lowest identity key first, so every peer gets its turn),
// otherwise a random verified peer. When the whole verified set has been
// visited the cycle resets.
func (d *Directory) SelectTeacher() (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()

	var unvisited []*entry
	var visited []*entry
	for el := d.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if ent.rec.State != validate.WorkerVerified {
			continue
		}
		if ent.rec.Visited {
			visited = append(visited, ent)
		} else {
			unvisited = append(unvisited, ent)
		}
	}
	if len(unvisited) == 0 && len(visited) == 0 {
		return Record{}, false
	}
	if len(unvisited) == 0 {
		for _, ent := range visited {
			ent.rec.Visited = false
		}
		unvisited = visited
	}
	sort.Slice(unvisited, func(i, j int) bool { return unvisited[i].key < unvisited[j].key })
	return unvisited[0].rec, true
}

func (d *Directory) MarkVisited(key string) {
	d.mu.Lock()
	if el, ok := d.hot[key]; ok {
		el.Value.(*entry).rec.Visited = true
	}
	d.mu.Unlock()
}

// VerifiedSample draws n distinct WorkerVerified peers uniformly at random.
func (d *Directory) VerifiedSample(n int) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()

	pool := make([]Record, 0, len(d.hot))
	for el := d.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if ent.rec.State == validate.WorkerVerified {
			pool = append(pool, ent.rec)
		}
	}
	if len(pool) < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCandidates, n, len(pool))
	}
	d.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n], nil
}

// BestPeers answers a peer-exchange request: up to k of the most recently
// seen records that passed at least stamp substantiation. Invalid and
// unvalidated peers never gossip onward through us.
func (d *Directory) BestPeers(k int) []proto.NodeMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]proto.NodeMetadata, 0, k)
	for el := d.order.Front(); el != nil && len(out) < k; el = el.Next() {
		ent := el.Value.(*entry)
		if !d.freshLocked(ent) {
			continue
		}
		switch ent.rec.State {
		case validate.StampSubstantiated, validate.WorkerVerified:
			out = append(out, ent.rec.Meta)
		}
	}
	return out
}

// Exchanger pulls a batch of peer metadata from a remote node.
type Exchanger interface {
	ExchangePeers(ctx context.Context, target proto.NodeMetadata, k int) ([]proto.NodeMetadata, error)
}

// LearnFrom runs one learning round against a teacher peer: mark it visited,
// pull its view, merge every record through the validation chain. The visit
// is recorded before the exchange, so an unreachable teacher loses its turn
// instead of being reselected every round ahead of healthy peers. Returns how
// many records were merged at StampSubstantiated or better.
func (d *Directory) LearnFrom(ctx context.Context, teacher Record, ex Exchanger, k int) (int, error) {
	d.MarkVisited(teacher.Meta.IdentityKey())
	peers, err := ex.ExchangePeers(ctx, teacher.Meta, k)
	if err != nil {
		return 0, fmt.Errorf("exchange with %s: %w", teacher.Meta.NetAddr(), err)
	}

	merged := 0
	for _, meta := range peers {
		state, err := d.Remember(ctx, meta)
		if err != nil && state == validate.Invalid {
			continue
		}
		if state == validate.StampSubstantiated || state == validate.WorkerVerified {
			merged++
		}
	}
	return merged, nil
}

// freshLocked reports whether a record is inside its TTL. Read paths hold
// only the read lock, so they filter on it instead of pruning; expired
// entries are dropped by the write paths' pruneLocked sweeps.
func (d *Directory) freshLocked(ent *entry) bool {
	return d.ttl <= 0 || time.Since(ent.rec.Seen) <= d.ttl
}

func (d *Directory) pruneLocked() {
	if d.ttl <= 0 {
		return
	}
	now := time.Now()
	for el := d.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.rec.Seen.Add(d.ttl).After(now) {
			el = prev
			continue
		}
		delete(d.hot, ent.key)
		d.order.Remove(el)
		el = prev
	}
}

func (d *Directory) evictLocked(n int) {
	for n > 0 {
		el := d.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		delete(d.hot, ent.key)
		d.order.Remove(el)
		n--
	}
}

// load replays the append log, keeping the freshest metadata per identity.
// Verdicts are not persisted; everything loads Unvalidated.
func (d *Directory) load(limit int) error {
	newest := make(map[string]diskRecord)
	err := store.ScanJSONL(d.path, func(line []byte) error {
		var rec diskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		key := rec.Meta.IdentityKey()
		if key == "" || key == d.self {
			return nil
		}
		if prev, ok := newest[key]; ok && prev.Meta.Timestamp >= rec.Meta.Timestamp {
			return nil
		}
		newest[key] = rec
		return nil
	})
	if err != nil {
		return err
	}

	recs := make([]diskRecord, 0, len(newest))
	for _, rec := range newest {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seen < recs[j].Seen })
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}

	d.mu.Lock()
	for _, rec := range recs {
		key := rec.Meta.IdentityKey()
		el := d.order.PushFront(&entry{key: key, rec: Record{
			Meta:  rec.Meta,
			State: validate.Unvalidated,
			Seen:  time.Now(),
		}})
		d.hot[key] = el
	}
	d.mu.Unlock()
	return nil
}
