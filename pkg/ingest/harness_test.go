package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
)

// fakeChain is an in-memory node: a deterministic hash chain with
// configurable constants, runtime versions, events and rewards.
type fakeChain struct {
	mu sync.Mutex

	salt       string
	salt2      string
	forkHeight int64
	best       int64
	constants  map[string]uint64
	// versionFrom maps the first height a spec version applies at.
	versionFrom map[int64]int32
	metadata    map[int32][]byte
	events      map[int64][]rpc.Event
	rewards     map[int64]*rpc.BlockReward
	genesis     []rpc.GenesisBalance

	failMetadata bool
	failEventsAt map[int64]bool

	heads chan rpc.Header
	errs  chan error
}

func newFakeChain(best int64) *fakeChain {
	return &fakeChain{
		salt:         "a",
		best:         best,
		constants:    map[string]uint64{},
		versionFrom:  map[int64]int32{0: 1},
		metadata:     map[int32][]byte{1: []byte("metadata-v1")},
		events:       map[int64][]rpc.Event{},
		rewards:      map[int64]*rpc.BlockReward{},
		failEventsAt: map[int64]bool{},
		heads:        make(chan rpc.Header, 256),
		errs:         make(chan error, 1),
	}
}

// forkFrom switches every block at or above height onto a new branch.
func (f *fakeChain) forkFrom(height int64, salt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forkHeight = height
	f.salt2 = salt
}

func (f *fakeChain) hashAt(n int64) []byte {
	salt := f.salt
	if f.salt2 != "" && n >= f.forkHeight {
		salt = f.salt2
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-block-%d", salt, n)))
	return sum[:]
}

func (f *fakeChain) headerAt(n int64) *rpc.Header {
	h := &rpc.Header{Number: rpc.HexUint(n), Hash: f.hashAt(n)}
	if n > 0 {
		h.ParentHash = f.hashAt(n - 1)
	}
	return h
}

func (f *fakeChain) heightOf(hash []byte) (int64, bool) {
	for n := int64(0); n <= f.best; n++ {
		if string(f.hashAt(n)) == string(hash) {
			return n, true
		}
	}
	return 0, false
}

func (f *fakeChain) specAt(n int64) int32 {
	spec := int32(1)
	from := int64(-1)
	for h, s := range f.versionFrom {
		if h <= n && h > from {
			from, spec = h, s
		}
	}
	return spec
}

func (f *fakeChain) BlockHash(_ context.Context, number int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number > f.best {
		return nil, fmt.Errorf("unknown block %d", number)
	}
	return f.hashAt(number), nil
}

func (f *fakeChain) Header(_ context.Context, hash []byte) (*rpc.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.heightOf(hash)
	if !ok {
		return nil, fmt.Errorf("unknown header %x", hash)
	}
	return f.headerAt(n), nil
}

func (f *fakeChain) BestNumber(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.best, nil
}

func (f *fakeChain) RuntimeVersion(_ context.Context, hash []byte) (*rpc.RuntimeVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.best
	if hash != nil {
		var ok bool
		if n, ok = f.heightOf(hash); !ok {
			return nil, fmt.Errorf("unknown block %x", hash)
		}
	}
	return &rpc.RuntimeVersion{SpecName: "fake", SpecVersion: f.specAt(n)}, nil
}

func (f *fakeChain) Metadata(_ context.Context, hash []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMetadata {
		return nil, fmt.Errorf("metadata unavailable")
	}
	n := f.best
	if hash != nil {
		var ok bool
		if n, ok = f.heightOf(hash); !ok {
			return nil, fmt.Errorf("unknown block %x", hash)
		}
	}
	meta, ok := f.metadata[f.specAt(n)]
	if !ok {
		return nil, fmt.Errorf("no metadata for v%d", f.specAt(n))
	}
	return meta, nil
}

func (f *fakeChain) Events(_ context.Context, hash []byte) ([]rpc.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.heightOf(hash)
	if !ok {
		return nil, fmt.Errorf("unknown block %x", hash)
	}
	if f.failEventsAt[n] {
		return nil, fmt.Errorf("events unavailable at %d", n)
	}
	return f.events[n], nil
}

func (f *fakeChain) Constant(_ context.Context, module, name string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.constants[module+"."+name]
	if !ok {
		return 0, fmt.Errorf("constant %s.%s not found", module, name)
	}
	return v, nil
}

func (f *fakeChain) GenesisBalances(context.Context) ([]rpc.GenesisBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.genesis, nil
}

func (f *fakeChain) BlockReward(_ context.Context, hash []byte) (*rpc.BlockReward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.heightOf(hash)
	if !ok {
		return nil, fmt.Errorf("unknown block %x", hash)
	}
	return f.rewards[n], nil
}

func (f *fakeChain) SubscribeNewHeads(context.Context) (*rpc.Subscription, error) {
	return &rpc.Subscription{Headers: f.heads, Err: f.errs}, nil
}

func (f *fakeChain) SubscribeFinalizedHeads(context.Context) (*rpc.Subscription, error) {
	return &rpc.Subscription{Headers: f.heads, Err: f.errs}, nil
}

// fakeStore is an in-memory Store that records commit order.
type fakeStore struct {
	mu sync.Mutex

	progress *models.IndexProgress
	blocks   map[int64]*models.Block
	changes  map[int64][]*models.BalanceChange
	versions map[int32]*models.RuntimeMetadataRecord

	commitOrder []int64
	reorgsFrom  []int64

	failCommit error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		progress: &models.IndexProgress{
			ChainID:         "test",
			LatestBlock:     -1,
			LatestBlockHash: make([]byte, 32),
		},
		blocks:   map[int64]*models.Block{},
		changes:  map[int64][]*models.BalanceChange{},
		versions: map[int32]*models.RuntimeMetadataRecord{},
	}
}

func (s *fakeStore) GetOrCreateProgress(context.Context) (*models.IndexProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.progress
	return &p, nil
}

func (s *fakeStore) CommitBlock(_ context.Context, block *models.Block, changes []*models.BalanceChange, progress *models.IndexProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit != nil {
		return s.failCommit
	}
	b := *block
	s.blocks[block.Number] = &b
	s.changes[block.Number] = append([]*models.BalanceChange(nil), changes...)
	p := *progress
	s.progress = &p
	s.commitOrder = append(s.commitOrder, block.Number)
	return nil
}

func (s *fakeStore) InsertGenesisEndowments(_ context.Context, changes []*models.BalanceChange, progress *models.IndexProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[-1] = append([]*models.BalanceChange(nil), changes...)
	progress.BalanceChangesRecorded += int64(len(changes))
	p := *progress
	s.progress = &p
	return nil
}

func (s *fakeStore) GetBlock(_ context.Context, number int64) (*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[number]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (s *fakeStore) BeginReorg(_ context.Context, fromHeight int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reorgsFrom = append(s.reorgsFrom, fromHeight)
	for n := range s.blocks {
		if n >= fromHeight {
			s.blocks[n].IsCanonical = false
			delete(s.changes, n)
		}
	}
	s.progress.LatestBlock = fromHeight - 1
	if tip, ok := s.blocks[fromHeight-1]; ok {
		s.progress.LatestBlockHash = tip.Hash
	}
	return nil
}

func (s *fakeStore) RuntimeVersionExists(_ context.Context, specVersion int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.versions[specVersion]
	return ok, nil
}

func (s *fakeStore) MetadataHashExists(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.versions {
		if rec.MetadataHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) InsertRuntimeMetadata(_ context.Context, rec *models.RuntimeMetadataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.versions[rec.SpecVersion]; ok {
		if rec.FirstSeenBlock < existing.FirstSeenBlock {
			existing.FirstSeenBlock = rec.FirstSeenBlock
		}
		return nil
	}
	r := *rec
	s.versions[rec.SpecVersion] = &r
	return nil
}

func (s *fakeStore) CloseRuntimeVersion(_ context.Context, specVersion int32, lastSeenBlock int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.versions[specVersion]; ok {
		last := lastSeenBlock
		rec.LastSeenBlock = &last
	}
	return nil
}
