package metagraph

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/identity"
)

var (
	inputDef  = data.TensorDef{Shape: []int64{1, 3, 32, 32}, DType: data.DTypeFloat32}
	outputDef = data.TensorDef{Shape: []int64{1, 10}, DType: data.DTypeFloat32}
)

func newKey(t *testing.T) *identity.Keypair {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func blockHash(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func advertise(t *testing.T, kp *identity.Keypair, block uint64, version float32) *data.Synapse {
	t.Helper()
	syn := &data.Synapse{
		Version:       version,
		Address:       "127.0.0.1",
		Port:          "8091",
		MetagraphPort: "8092",
		InputDef:      inputDef,
		OutputDef:     outputDef,
	}
	require.NoError(t, identity.Advertise(context.Background(), kp, syn, blockHash(block), 0))
	return syn
}

func signedBatch(t *testing.T, author *identity.Keypair, synapses ...*data.Synapse) *data.SynapseBatch {
	t.Helper()
	batch := &data.SynapseBatch{Version: 1, Synapses: synapses}
	require.NoError(t, identity.SignBatch(author, batch))
	return batch
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMetagraph(t *testing.T) (*Metagraph, *identity.Keypair) {
	t.Helper()
	self := newKey(t)
	m := New(DefaultConfig(), identity.NewKeyVerifier(0), self)
	require.NoError(t, m.Register(advertise(t, self, 1, 1)))
	return m, self
}

func TestRegisterSelf(t *testing.T) {
	m, self := newMetagraph(t)

	got, ok := m.Self()
	require.True(t, ok)
	assert.Equal(t, self.NeuronKey(), got.NeuronKey)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, m.Peers())

	other := newKey(t)
	assert.ErrorIs(t, m.Register(advertise(t, other, 1, 1)), ErrSelfKeyMismatch)
}

func TestUpsertOutcomes(t *testing.T) {
	m, _ := newMetagraph(t)
	peer := newKey(t)

	assert.Equal(t, Inserted, m.Upsert(advertise(t, peer, 100, 1)).Outcome)
	assert.Equal(t, Ignored, m.Upsert(advertise(t, peer, 100, 1)).Outcome)
	assert.Equal(t, Updated, m.Upsert(advertise(t, peer, 100, 2)).Outcome)
	assert.Equal(t, Updated, m.Upsert(advertise(t, peer, 101, 1)).Outcome)

	got, ok := m.Get(peer.NeuronKey())
	require.True(t, ok)
	assert.Equal(t, blockHash(101), got.BlockHash)
	assert.Equal(t, float32(1), got.Version)
}

func TestUpsertStaleness(t *testing.T) {
	m, _ := newMetagraph(t)
	peer := newKey(t)

	require.Equal(t, Inserted, m.Upsert(advertise(t, peer, 100, 1)).Outcome)

	// A lower block hash loses even with a higher version.
	res := m.Upsert(advertise(t, peer, 90, 5))
	assert.Equal(t, Ignored, res.Outcome)

	got, _ := m.Get(peer.NeuronKey())
	assert.Equal(t, blockHash(100), got.BlockHash)
	assert.Equal(t, float32(1), got.Version)
}

func TestUpsertRejected(t *testing.T) {
	m, _ := newMetagraph(t)
	peer := newKey(t)

	tampered := advertise(t, peer, 100, 1)
	tampered.Port = "9999"
	res := m.Upsert(tampered)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, "invalid signature", res.Reason)

	noKey := advertise(t, peer, 100, 1)
	noKey.NeuronKey = ""
	assert.Equal(t, Rejected, m.Upsert(noKey).Outcome)

	badDef := advertise(t, peer, 100, 1)
	badDef.InputDef.Shape = []int64{0}
	assert.Equal(t, Rejected, m.Upsert(badDef).Outcome)

	assert.Equal(t, 1, m.Len())
}

func TestUpsertRegistrationProof(t *testing.T) {
	self := newKey(t)
	m := New(DefaultConfig(), identity.NewKeyVerifier(12), self)
	peer := newKey(t)

	// Signed correctly but carrying no proof of work.
	unproven := advertise(t, peer, 100, 1)
	unproven.ProofOfWork = []byte("none")
	require.NoError(t, identity.SignSynapse(peer, unproven))
	if identity.CheckWork(peer.NeuronKey(), unproven.BlockHash, unproven.ProofOfWork, 12) {
		t.Skip("random proof happened to satisfy difficulty")
	}
	res := m.Upsert(unproven)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, "invalid registration proof", res.Reason)

	proven := &data.Synapse{InputDef: inputDef, OutputDef: outputDef}
	require.NoError(t, identity.Advertise(context.Background(), peer, proven, blockHash(100), 12))
	assert.Equal(t, Inserted, m.Upsert(proven).Outcome)
}

func TestUpsertBlockFloor(t *testing.T) {
	self := newKey(t)
	cfg := DefaultConfig()
	cfg.MinBlockHash = blockHash(50)
	m := New(cfg, identity.NewKeyVerifier(0), self)

	assert.Equal(t, Rejected, m.Upsert(advertise(t, newKey(t), 49, 1)).Outcome)
	assert.Equal(t, Inserted, m.Upsert(advertise(t, newKey(t), 50, 1)).Outcome)
}

func TestMergeIdempotent(t *testing.T) {
	m, _ := newMetagraph(t)
	author := newKey(t)
	batch := signedBatch(t, author, advertise(t, author, 10, 1), advertise(t, newKey(t), 10, 1))

	first, err := m.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, MergeReport{Accepted: 2}, first)
	state := m.Synapses()

	second, err := m.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, MergeReport{Ignored: 2}, second)
	assert.Equal(t, state, m.Synapses())
}

func TestMergeCommutative(t *testing.T) {
	a, b := newKey(t), newKey(t)
	shared := newKey(t)

	batchA := signedBatch(t, a, advertise(t, a, 10, 1), advertise(t, shared, 10, 1))
	batchB := signedBatch(t, b, advertise(t, b, 10, 1), advertise(t, shared, 12, 1))

	self := newKey(t)
	selfSyn := advertise(t, self, 1, 1)

	m1 := New(DefaultConfig(), identity.NewKeyVerifier(0), self)
	require.NoError(t, m1.Register(selfSyn))
	_, err := m1.Merge(batchA)
	require.NoError(t, err)
	_, err = m1.Merge(batchB)
	require.NoError(t, err)

	m2 := New(DefaultConfig(), identity.NewKeyVerifier(0), self)
	require.NoError(t, m2.Register(selfSyn))
	_, err = m2.Merge(batchB)
	require.NoError(t, err)
	_, err = m2.Merge(batchA)
	require.NoError(t, err)

	assert.Equal(t, m1.Synapses(), m2.Synapses())
	got, _ := m1.Get(shared.NeuronKey())
	assert.Equal(t, blockHash(12), got.BlockHash)
}

func TestMergeUnauthenticated(t *testing.T) {
	m, _ := newMetagraph(t)
	author := newKey(t)
	batch := signedBatch(t, author, advertise(t, author, 10, 1))
	batch.Version = 2

	report, err := m.Merge(batch)
	assert.ErrorIs(t, err, data.ErrUnauthenticated)
	assert.Equal(t, MergeReport{}, report)
	assert.Equal(t, 1, m.Len())

	_, err = m.Merge(nil)
	assert.ErrorIs(t, err, data.ErrUnauthenticated)
}

func TestMergeCannotVouchForOthers(t *testing.T) {
	m, _ := newMetagraph(t)
	author := newKey(t)
	victim := newKey(t)

	forged := advertise(t, victim, 10, 1)
	forged.Address = "6.6.6.6"
	batch := signedBatch(t, author, advertise(t, author, 10, 1), forged)

	report, err := m.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, MergeReport{Accepted: 1, Rejected: 1}, report)
	_, ok := m.Get(victim.NeuronKey())
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	m, self := newMetagraph(t)
	for i := 0; i < 5; i++ {
		m.Upsert(advertise(t, newKey(t), 10, 1))
	}

	snap, err := m.Snapshot(3)
	require.NoError(t, err)
	require.Len(t, snap.Synapses, 3)
	assert.Equal(t, self.NeuronKey(), snap.Synapses[0].NeuronKey)
	assert.Equal(t, self.NeuronKey(), snap.NeuronKey)
	assert.True(t, identity.VerifyBatch(identity.NewKeyVerifier(0), snap))

	all, err := m.Snapshot(0)
	require.NoError(t, err)
	assert.Len(t, all.Synapses, 6)
}

func TestSnapshotMostRecentFirst(t *testing.T) {
	m, _ := newMetagraph(t)
	old, recent := newKey(t), newKey(t)
	m.Upsert(advertise(t, old, 10, 1))
	m.Upsert(advertise(t, recent, 10, 1))

	snap, err := m.Snapshot(2)
	require.NoError(t, err)
	require.Len(t, snap.Synapses, 2)
	assert.Equal(t, recent.NeuronKey(), snap.Synapses[1].NeuronKey)
}

func TestSelectPeers(t *testing.T) {
	m, self := newMetagraph(t)
	keys := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		kp := newKey(t)
		keys = append(keys, kp.NeuronKey())
		m.Upsert(advertise(t, kp, 10, 1))
	}

	peers := m.SelectPeers(10, []string{keys[0]})
	assert.Len(t, peers, 3)
	seen := make(map[string]bool)
	for _, p := range peers {
		assert.NotEqual(t, self.NeuronKey(), p.NeuronKey)
		assert.NotEqual(t, keys[0], p.NeuronKey)
		assert.False(t, seen[p.NeuronKey], "duplicate peer")
		seen[p.NeuronKey] = true
	}

	assert.Len(t, m.SelectPeers(2, nil), 2)
	assert.Empty(t, m.SelectPeers(0, nil))
}

func TestSelectPeersUniform(t *testing.T) {
	m, _ := newMetagraph(t)
	for i := 0; i < 4; i++ {
		m.Upsert(advertise(t, newKey(t), 10, 1))
	}

	counts := make(map[string]int)
	for i := 0; i < 4000; i++ {
		for _, p := range m.SelectPeers(1, nil) {
			counts[p.NeuronKey]++
		}
	}
	require.Len(t, counts, 4)
	for key, n := range counts {
		assert.InDelta(t, 1000, n, 200, "peer %s picked %d times", key, n)
	}
}

func TestCustomSelector(t *testing.T) {
	m, _ := newMetagraph(t)
	m.Upsert(advertise(t, newKey(t), 10, 1))
	m.Upsert(advertise(t, newKey(t), 10, 1))

	m.SetSelector(func(c []*data.Synapse, k int) []*data.Synapse { return c[:1] })
	peers := m.SelectPeers(2, nil)
	require.Len(t, peers, 1)
}

func TestPruneEvictsStaleKeepsSelf(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	m, _ := newMetagraph(t)
	m.SetClock(clock.Now)

	stale, fresh := newKey(t), newKey(t)
	m.Upsert(advertise(t, stale, 10, 1))
	clock.Advance(4 * time.Minute)
	m.Upsert(advertise(t, fresh, 10, 1))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, m.Prune())
	_, ok := m.Get(stale.NeuronKey())
	assert.False(t, ok)
	_, ok = m.Get(fresh.NeuronKey())
	assert.True(t, ok)

	clock.Advance(time.Hour)
	m.Prune()
	_, ok = m.Self()
	assert.True(t, ok, "self entry must never be evicted")
	assert.Equal(t, 1, m.Len())
}

func TestPruneReportsEvicted(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	m, _ := newMetagraph(t)
	m.SetClock(clock.Now)

	var evicted []*data.Synapse
	m.OnEvict(func(s []*data.Synapse) { evicted = append(evicted, s...) })

	stale := newKey(t)
	m.Upsert(advertise(t, stale, 10, 1))
	assert.Equal(t, 0, m.Prune())
	assert.Empty(t, evicted)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.Prune())
	require.Len(t, evicted, 1)
	assert.Equal(t, stale.NeuronKey(), evicted[0].NeuronKey)
	assert.Equal(t, "127.0.0.1:8091", evicted[0].Endpoint())
}

func TestMergeRefreshesOwnRecord(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	m, _ := newMetagraph(t)
	m.SetClock(clock.Now)

	peer, relay := newKey(t), newKey(t)
	syn := advertise(t, peer, 10, 1)
	_, err := m.Merge(signedBatch(t, peer, syn))
	require.NoError(t, err)

	// A relayed copy does not extend liveness.
	clock.Advance(4 * time.Minute)
	_, err = m.Merge(signedBatch(t, relay, syn))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Prune())

	// The author re-announcing does.
	_, err = m.Merge(signedBatch(t, peer, syn))
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = m.Merge(signedBatch(t, peer, syn))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, m.Prune())
}

func TestConcurrentMergeAndRead(t *testing.T) {
	m, _ := newMetagraph(t)
	batches := make([]*data.SynapseBatch, 8)
	for i := range batches {
		author := newKey(t)
		batches[i] = signedBatch(t, author, advertise(t, author, uint64(10+i), 1))
	}

	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(2)
		go func(b *data.SynapseBatch) {
			defer wg.Done()
			_, err := m.Merge(b)
			assert.NoError(t, err)
		}(b)
		go func() {
			defer wg.Done()
			_, _ = m.Snapshot(4)
			_ = m.SelectPeers(3, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, m.Len())
}

func TestCompareBlockHash(t *testing.T) {
	cases := []struct {
		a, b []byte
		want int
	}{
		{[]byte{0, 0, 5}, []byte{5}, 0},
		{[]byte{1, 0}, []byte{0xff}, 1},
		{[]byte{}, []byte{0}, 0},
		{[]byte{2}, []byte{3}, -1},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tc.want, CompareBlockHash(tc.a, tc.b))
		})
	}
}

func TestMetagraphStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneInterval = 10 * time.Millisecond
	cfg.TTL = time.Millisecond
	self := newKey(t)
	m := New(cfg, identity.NewKeyVerifier(0), self)
	require.NoError(t, m.Register(advertise(t, self, 1, 1)))
	m.Upsert(advertise(t, newKey(t), 10, 1))

	m.Start()
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 10*time.Millisecond)
}
