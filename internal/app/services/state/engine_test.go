package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synthmon/platform/internal/app/domain/alertdom"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/test"
)

type memStateStore struct {
	mu     sync.Mutex
	states map[string]test.State
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]test.State)}
}

func (m *memStateStore) GetState(_ context.Context, subjectID string) (test.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[subjectID]
	if !ok {
		return test.State{}, context.DeadlineExceeded
	}
	return st, nil
}

func (m *memStateStore) PutState(_ context.Context, s test.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.SubjectID] = s
	return nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingSink) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
	return nil
}

func TestEngine_UnknownToDown(t *testing.T) {
	store := newMemStateStore()
	sink := &recordingSink{}
	engine := New(store, store, sink, nil, nil)

	err := engine.Observe(context.Background(), Observation{
		SubjectKind: alertdom.SubjectTest,
		SubjectID:   "t1",
		Status:      run.StatusFail,
		At:          time.Now(),
	})
	require.NoError(t, err)

	st, err := store.GetState(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, test.EffectiveDown, st.EffectiveOK)
	require.Len(t, sink.messages, 1)
}

func TestEngine_DownToUpRequiresThreshold(t *testing.T) {
	store := newMemStateStore()
	sink := &recordingSink{}
	engine := New(store, store, sink, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Observe(ctx, Observation{
			SubjectKind: alertdom.SubjectTest, SubjectID: "t1", Status: run.StatusFail,
		}))
	}
	require.Len(t, sink.messages, 1, "only the first fail should transition unknown->down")

	require.NoError(t, engine.Observe(ctx, Observation{
		SubjectKind: alertdom.SubjectTest, SubjectID: "t1", Status: run.StatusPass, UpAfterSuccesses: 2,
	}))
	st, _ := store.GetState(ctx, "t1")
	require.Equal(t, test.EffectiveDown, st.EffectiveOK, "one success should not yet clear a 2-success-required debounce")
	require.Len(t, sink.messages, 1)

	require.NoError(t, engine.Observe(ctx, Observation{
		SubjectKind: alertdom.SubjectTest, SubjectID: "t1", Status: run.StatusPass, UpAfterSuccesses: 2,
	}))
	st, _ = store.GetState(ctx, "t1")
	require.Equal(t, test.EffectiveUp, st.EffectiveOK)
	require.Len(t, sink.messages, 2)
}

func TestEngine_InfraDegradedIsNeutral(t *testing.T) {
	store := newMemStateStore()
	sink := &recordingSink{}
	engine := New(store, store, sink, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.Observe(ctx, Observation{SubjectKind: alertdom.SubjectTest, SubjectID: "t1", Status: run.StatusFail}))
	require.NoError(t, engine.Observe(ctx, Observation{SubjectKind: alertdom.SubjectTest, SubjectID: "t1", Status: run.StatusInfraDegraded}))

	st, err := store.GetState(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, st.FailStreak, "infra_degraded must not change the fail streak")
	require.Len(t, sink.messages, 1, "infra_degraded must not itself trigger an alert")
}

func TestChunkText_SplitsAtLineBoundaries(t *testing.T) {
	text := "aaaa\nbbbb\ncccc"
	chunks := chunkText(text, 10)
	require.True(t, len(chunks) >= 2)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 10)
	}
}
