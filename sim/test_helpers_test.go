package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory PlanStore that counts operations and can inject
// failures.
type memStore struct {
	mu      sync.Mutex
	entries map[memKey]*memEntry
	order   map[AgentID][]PlanID
	nextID  PlanID

	gets, puts, metaPuts, deletes int

	failPut error // returned by Put and PutMetadata when set
	failGet error // returned by Get when set
	closed  bool
}

type memKey struct {
	agent AgentID
	plan  PlanID
}

type memEntry struct {
	payload []byte
	meta    PlanMeta
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[memKey]*memEntry), order: make(map[AgentID][]PlanID)}
}

func (s *memStore) NextPlanID(ctx context.Context) (PlanID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *memStore) Put(ctx context.Context, agent AgentID, plan PlanID, payload []byte, meta PlanMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, s.failPut)
	}
	k := memKey{agent, plan}
	if _, ok := s.entries[k]; !ok {
		s.order[agent] = append(s.order[agent], plan)
	}
	s.entries[k] = &memEntry{payload: append([]byte(nil), payload...), meta: meta}
	s.puts++
	return nil
}

func (s *memStore) PutMetadata(ctx context.Context, agent AgentID, plan PlanID, meta PlanMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, s.failPut)
	}
	e, ok := s.entries[memKey{agent, plan}]
	if !ok {
		return ErrNotFound
	}
	e.meta = meta
	s.metaPuts++
	return nil
}

func (s *memStore) Get(ctx context.Context, agent AgentID, plan PlanID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGet != nil {
		return nil, s.failGet
	}
	e, ok := s.entries[memKey{agent, plan}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.payload...), nil
}

func (s *memStore) GetMetadata(ctx context.Context, agent AgentID, plan PlanID) (PlanMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[memKey{agent, plan}]
	if !ok {
		return PlanMeta{}, ErrNotFound
	}
	return e.meta, nil
}

func (s *memStore) ListPlanIDs(ctx context.Context, agent AgentID) ([]PlanID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlanID(nil), s.order[agent]...), nil
}

func (s *memStore) ForEachAgent(ctx context.Context, fn func(AgentID) error) error {
	s.mu.Lock()
	agents := make([]AgentID, 0, len(s.order))
	for a, ids := range s.order {
		if len(ids) > 0 {
			agents = append(agents, a)
		}
	}
	s.mu.Unlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	for _, a := range agents {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, agent AgentID, plan PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{agent, plan}
	if _, ok := s.entries[k]; !ok {
		return ErrNotFound
	}
	delete(s.entries, k)
	ids := s.order[agent]
	for i, id := range ids {
		if id == plan {
			s.order[agent] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	s.deletes++
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) counts() (gets, puts, metaPuts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts, s.metaPuts
}

func (s *memStore) setFailPut(err error) {
	s.mu.Lock()
	s.failPut = err
	s.mu.Unlock()
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var errInjected = errors.New("injected failure")

// newTestCache builds a PlanCache over a fresh memStore and the registered codec.
func newTestCache(t *testing.T, capacity int, opts CacheOptions) (*PlanCache, *memStore) {
	t.Helper()
	require.NotNil(t, NewCodecFunc, "codec registration missing")
	codec, err := NewCodecFunc(CodecConfig{Compression: "none"})
	require.NoError(t, err)
	st := newMemStore()
	return NewPlanCache(st, codec, CacheConfig{Capacity: capacity}, opts), st
}

// testContent returns a valid three-element plan whose activity type is tag.
func testContent(tag string) *PlanContent {
	return &PlanContent{
		Type: "test",
		Elements: []PlanElement{
			{Activity: &Activity{Type: tag, LinkID: "l1", StartTime: UndefinedTime, EndTime: 8 * 3600, MaxDuration: UndefinedTime}},
			{Leg: &Leg{Mode: "car", DepartureTime: UndefinedTime, TravelTime: 600}},
			{Activity: &Activity{Type: "home", LinkID: "l2", StartTime: UndefinedTime, EndTime: UndefinedTime, MaxDuration: UndefinedTime}},
		},
	}
}

// persistProxy writes a plan for agent and returns its proxy.
func persistProxy(t *testing.T, pc *PlanCache, agent AgentID, score float64, selected bool) *PlanProxy {
	t.Helper()
	p, err := pc.Persist(context.Background(), agent, NewPlan(testContent(string(agent))).WithScore(score).WithSelected(selected))
	require.NoError(t, err)
	return p
}
