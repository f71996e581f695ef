// Package metagraph holds the node's authenticated view of reachable neurons.
//
// Every stored Synapse passed signature and registration checks when it was
// inserted, and there is at most one entry per NeuronKey. Newer
// advertisements (higher block hash, then higher version) replace older ones.
// Entries that are not refreshed within the TTL are evicted, except the
// node's own.
package metagraph

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/identity"
	"github.com/pandablue0809/bittensor/neuron/monitoring"
)

// ErrSelfKeyMismatch is returned by Register when the synapse is not signed
// by the node's own key.
var ErrSelfKeyMismatch = errors.New("self synapse key does not match signer")

// Outcome is the result of applying one candidate synapse.
type Outcome int

const (
	Inserted Outcome = iota
	Updated
	Rejected
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Rejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// UpsertResult describes what Upsert did. Reason is set for Rejected.
type UpsertResult struct {
	Outcome Outcome
	Reason  string
}

// MergeReport counts per-record outcomes of a merged batch. Accepted covers
// inserts and updates.
type MergeReport struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Ignored  int `json:"ignored"`
}

// Add accumulates o into r.
func (r *MergeReport) Add(o MergeReport) {
	r.Accepted += o.Accepted
	r.Rejected += o.Rejected
	r.Ignored += o.Ignored
}

func (r *MergeReport) count(o Outcome) {
	switch o {
	case Inserted, Updated:
		r.Accepted++
	case Rejected:
		r.Rejected++
	default:
		r.Ignored++
	}
}

// Config defines metagraph housekeeping.
type Config struct {
	// TTL is how long an entry survives without being refreshed.
	TTL time.Duration `json:"ttl"`
	// PruneInterval is how often expired entries are removed.
	PruneInterval time.Duration `json:"prune_interval"`
	// MinBlockHash rejects registrations older than this block hash.
	MinBlockHash []byte `json:"min_block_hash,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		PruneInterval: 30 * time.Second,
	}
}

// Selector picks up to k peers from candidates. Implementations may weight
// candidates but must not return duplicates.
type Selector func(candidates []*data.Synapse, k int) []*data.Synapse

// UniformSelector picks k candidates uniformly at random.
func UniformSelector(candidates []*data.Synapse, k int) []*data.Synapse {
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]*data.Synapse, 0, k)
	for _, i := range rand.Perm(len(candidates))[:k] {
		out = append(out, candidates[i])
	}
	return out
}

// Entry is a stored synapse with its last refresh time.
type Entry struct {
	Synapse   *data.Synapse `json:"-"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type entry struct {
	syn     *data.Synapse
	updated time.Time
	seq     uint64
}

// Metagraph is the synapse registry. It is safe for concurrent use.
type Metagraph struct {
	config   Config
	verifier identity.Verifier
	signer   identity.Signer
	clock    func() time.Time
	selector Selector
	logger   *slog.Logger
	metrics  *monitoring.Metrics
	onEvict  func(evicted []*data.Synapse)

	entries map[string]*entry
	selfKey string
	seq     uint64
	mu      sync.RWMutex

	// Control
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

// New creates an empty metagraph. signer is used to sign snapshots and must
// be the node's own identity.
func New(config Config, verifier identity.Verifier, signer identity.Signer) *Metagraph {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultConfig().PruneInterval
	}
	return &Metagraph{
		config:   config,
		verifier: verifier,
		signer:   signer,
		clock:    time.Now,
		selector: UniformSelector,
		logger:   slog.Default().With("component", "metagraph"),
		entries:  make(map[string]*entry),
		stopChan: make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (m *Metagraph) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// SetSelector replaces the peer selection policy.
func (m *Metagraph) SetSelector(s Selector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		s = UniformSelector
	}
	m.selector = s
}

// OnEvict registers fn to be called with the synapses each Prune removes.
// fn runs without the metagraph lock held.
func (m *Metagraph) OnEvict(fn func(evicted []*data.Synapse)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// SetLogger sets the logger.
func (m *Metagraph) SetLogger(logger *slog.Logger) {
	m.logger = logger.With("component", "metagraph")
}

// SetMetrics attaches metrics.
func (m *Metagraph) SetMetrics(metrics *monitoring.Metrics) {
	m.metrics = metrics
}

// Start begins periodic eviction.
func (m *Metagraph) Start() {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.runMu.Unlock()

	m.wg.Add(1)
	go m.pruneLoop()
}

// Stop stops periodic eviction.
func (m *Metagraph) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runMu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
}

// Register stores the node's own synapse and pins it against eviction.
func (m *Metagraph) Register(self *data.Synapse) error {
	if m.signer == nil || self == nil || self.NeuronKey != m.signer.NeuronKey() {
		return ErrSelfKeyMismatch
	}
	if res, ok := m.check(self); !ok {
		return fmt.Errorf("self synapse rejected: %s", res.Reason)
	}

	m.mu.Lock()
	m.selfKey = self.NeuronKey
	res := m.applyLocked(self, true)
	size := len(m.entries)
	m.mu.Unlock()

	m.metrics.UpdateMetagraphSize(size)
	m.logger.Info("Registered self synapse", "neuron", self.NeuronKey, "outcome", res.Outcome.String())
	return nil
}

// Upsert applies a single candidate synapse.
func (m *Metagraph) Upsert(candidate *data.Synapse) UpsertResult {
	if res, ok := m.check(candidate); !ok {
		m.logger.Warn("Rejected synapse", "neuron", keyOf(candidate), "reason", res.Reason)
		m.metrics.RecordMerge(0, 1, 0)
		return res
	}

	m.mu.Lock()
	res := m.applyLocked(candidate, false)
	size := len(m.entries)
	m.mu.Unlock()

	var report MergeReport
	report.count(res.Outcome)
	m.metrics.RecordMerge(report.Accepted, report.Rejected, report.Ignored)
	m.metrics.UpdateMetagraphSize(size)
	return res
}

// Merge applies every synapse of a batch after verifying the batch
// signature. An unauthenticated batch changes nothing. The batch is applied
// under a single lock, so readers never observe half of it.
func (m *Metagraph) Merge(batch *data.SynapseBatch) (MergeReport, error) {
	var report MergeReport
	if !m.VerifyBatch(batch) {
		return report, data.Errorf(data.KindUnauthenticated, "batch signature from %q is invalid", keyOfBatch(batch))
	}

	// Signature and proof checks are the expensive part; run them before
	// taking the write lock.
	valid := make([]bool, len(batch.Synapses))
	for i, syn := range batch.Synapses {
		res, ok := m.check(syn)
		valid[i] = ok
		if !ok {
			report.Rejected++
			m.logger.Debug("Rejected synapse in batch", "from", batch.NeuronKey, "neuron", keyOf(syn), "reason", res.Reason)
		}
	}

	m.mu.Lock()
	for i, syn := range batch.Synapses {
		if !valid[i] {
			continue
		}
		res := m.applyLocked(syn, syn.NeuronKey == batch.NeuronKey)
		report.count(res.Outcome)
	}
	size := len(m.entries)
	m.mu.Unlock()

	m.metrics.RecordMerge(report.Accepted, report.Rejected, report.Ignored)
	m.metrics.UpdateMetagraphSize(size)
	return report, nil
}

// VerifyBatch reports whether batch is signed by the key it names.
func (m *Metagraph) VerifyBatch(batch *data.SynapseBatch) bool {
	return batch != nil && identity.VerifyBatch(m.verifier, batch)
}

// check runs the stateless admission checks.
func (m *Metagraph) check(s *data.Synapse) (UpsertResult, bool) {
	reject := func(reason string) (UpsertResult, bool) {
		return UpsertResult{Outcome: Rejected, Reason: reason}, false
	}
	if s == nil || s.NeuronKey == "" {
		return reject("missing neuron key")
	}
	if err := s.InputDef.Validate(); err != nil {
		return reject("invalid input def: " + err.Error())
	}
	if err := s.OutputDef.Validate(); err != nil {
		return reject("invalid output def: " + err.Error())
	}
	if len(m.config.MinBlockHash) > 0 && CompareBlockHash(s.BlockHash, m.config.MinBlockHash) < 0 {
		return reject("block hash below floor")
	}
	if !identity.VerifySynapse(m.verifier, s) {
		return reject("invalid signature")
	}
	if !identity.VerifyRegistrationOf(m.verifier, s) {
		return reject("invalid registration proof")
	}
	return UpsertResult{}, true
}

// applyLocked stores candidate if it is newer than the existing entry. When
// refresh is set, an identical record refreshes the entry's TTL.
func (m *Metagraph) applyLocked(candidate *data.Synapse, refresh bool) UpsertResult {
	now := m.clock()
	m.seq++

	existing, ok := m.entries[candidate.NeuronKey]
	if !ok {
		m.entries[candidate.NeuronKey] = &entry{syn: candidate.Clone(), updated: now, seq: m.seq}
		m.logger.Debug("Inserted synapse", "neuron", candidate.NeuronKey, "endpoint", candidate.Endpoint())
		return UpsertResult{Outcome: Inserted}
	}

	if Newer(candidate, existing.syn) {
		existing.syn = candidate.Clone()
		existing.updated = now
		existing.seq = m.seq
		m.logger.Debug("Updated synapse", "neuron", candidate.NeuronKey, "endpoint", candidate.Endpoint())
		return UpsertResult{Outcome: Updated}
	}

	if refresh && existing.syn.Equal(candidate) {
		existing.updated = now
		existing.seq = m.seq
	}
	return UpsertResult{Outcome: Ignored}
}

// Get returns a copy of the synapse stored for key.
func (m *Metagraph) Get(key string) (*data.Synapse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.syn.Clone(), true
}

// Self returns the node's own synapse, if registered.
func (m *Metagraph) Self() (*data.Synapse, bool) {
	m.mu.RLock()
	key := m.selfKey
	m.mu.RUnlock()
	if key == "" {
		return nil, false
	}
	return m.Get(key)
}

// Len returns the number of stored synapses including self.
func (m *Metagraph) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Peers returns the number of stored synapses excluding self.
func (m *Metagraph) Peers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.entries)
	if _, ok := m.entries[m.selfKey]; ok {
		n--
	}
	return n
}

// Entries returns copies of every entry ordered by NeuronKey.
func (m *Metagraph) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, Entry{Synapse: e.syn.Clone(), UpdatedAt: e.updated})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Synapse.NeuronKey < out[j].Synapse.NeuronKey
	})
	return out
}

// Synapses returns copies of every stored synapse ordered by NeuronKey.
func (m *Metagraph) Synapses() []*data.Synapse {
	entries := m.Entries()
	out := make([]*data.Synapse, len(entries))
	for i, e := range entries {
		out[i] = e.Synapse
	}
	return out
}

// Snapshot returns a signed batch holding the node's own synapse first and
// then up to limit-1 others, most recently updated first. A limit of zero or
// less includes everything.
func (m *Metagraph) Snapshot(limit int) (*data.SynapseBatch, error) {
	m.mu.RLock()
	others := make([]*entry, 0, len(m.entries))
	var self *data.Synapse
	for key, e := range m.entries {
		if key == m.selfKey {
			self = e.syn.Clone()
			continue
		}
		others = append(others, e)
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].seq != others[j].seq {
			return others[i].seq > others[j].seq
		}
		return others[i].syn.NeuronKey < others[j].syn.NeuronKey
	})

	batch := &data.SynapseBatch{Version: 1}
	if self != nil {
		batch.Synapses = append(batch.Synapses, self)
	}
	for _, e := range others {
		if limit > 0 && len(batch.Synapses) >= limit {
			break
		}
		batch.Synapses = append(batch.Synapses, e.syn.Clone())
	}
	m.mu.RUnlock()

	if err := identity.SignBatch(m.signer, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// SelectPeers returns up to k synapses, never the node's own and never one
// whose key is in exclude.
func (m *Metagraph) SelectPeers(k int, exclude []string) []*data.Synapse {
	if k <= 0 {
		return nil
	}
	skip := make(map[string]bool, len(exclude))
	for _, key := range exclude {
		skip[key] = true
	}

	m.mu.RLock()
	candidates := make([]*data.Synapse, 0, len(m.entries))
	for key, e := range m.entries {
		if key == m.selfKey || skip[key] {
			continue
		}
		candidates = append(candidates, e.syn.Clone())
	}
	selector := m.selector
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NeuronKey < candidates[j].NeuronKey
	})
	return selector(candidates, k)
}

// pruneLoop periodically removes expired entries.
func (m *Metagraph) pruneLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}

// Prune removes entries that have not been refreshed within the TTL and
// returns how many were removed. The node's own entry is kept.
func (m *Metagraph) Prune() int {
	m.mu.Lock()
	cutoff := m.clock().Add(-m.config.TTL)
	var evicted []*data.Synapse
	for key, e := range m.entries {
		if key == m.selfKey {
			continue
		}
		if e.updated.Before(cutoff) {
			delete(m.entries, key)
			evicted = append(evicted, e.syn)
		}
	}
	size := len(m.entries)
	onEvict := m.onEvict
	m.mu.Unlock()

	if len(evicted) > 0 {
		m.logger.Info("Evicted stale synapses", "count", len(evicted), "remaining", size)
		if onEvict != nil {
			onEvict(evicted)
		}
	}
	m.metrics.UpdateMetagraphSize(size)
	return len(evicted)
}

// CompareBlockHash compares block hashes as unsigned big-endian integers.
func CompareBlockHash(a, b []byte) int {
	a = bytes.TrimLeft(a, "\x00")
	b = bytes.TrimLeft(b, "\x00")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a, b)
}

// Newer reports whether a supersedes b: higher block hash, then higher
// version. Equal advertisements are not newer.
func Newer(a, b *data.Synapse) bool {
	if c := CompareBlockHash(a.BlockHash, b.BlockHash); c != 0 {
		return c > 0
	}
	return a.Version > b.Version
}

func keyOf(s *data.Synapse) string {
	if s == nil {
		return ""
	}
	return s.NeuronKey
}

func keyOfBatch(b *data.SynapseBatch) string {
	if b == nil {
		return ""
	}
	return b.NeuronKey
}
