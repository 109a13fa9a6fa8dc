package enricher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheJokr/chatload/pkg/eveapi"
	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/runlock"
	"github.com/TheJokr/chatload/pkg/storage"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Mocks
type MockStore struct{ mock.Mock }

func (m *MockStore) ClaimStale(ctx context.Context, staleAfter time.Duration) ([]storage.Character, error) {
	args := m.Called(ctx, staleAfter)
	chars, _ := args.Get(0).([]storage.Character)
	return chars, args.Error(1)
}
func (m *MockStore) Apply(ctx context.Context, invalid []int64, resolved []storage.Resolution) error {
	return m.Called(ctx, invalid, resolved).Error(0)
}

type MockResolver struct{ mock.Mock }

func (m *MockResolver) CharacterIDs(ctx context.Context, names []string) (map[string]int64, error) {
	args := m.Called(ctx, names)
	ids, _ := args.Get(0).(map[string]int64)
	return ids, args.Error(1)
}
func (m *MockResolver) Affiliations(ctx context.Context, ids []int64) (map[int64]eveapi.Affiliation, error) {
	args := m.Called(ctx, ids)
	affs, _ := args.Get(0).(map[int64]eveapi.Affiliation)
	return affs, args.Error(1)
}

const staleAfter = 30 * 24 * time.Hour

func newTestService(store Store, resolver Resolver, chunkSize int) (*Service, *observer.ObservedLogs, *int) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewService(logger.FromZap(zap.New(core)), store, resolver, Options{
		ChunkSize:  chunkSize,
		StaleAfter: staleAfter,
		ChunkDelay: time.Millisecond,
	})
	slept := 0
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		return ctx.Err()
	}
	return s, logs, &slept
}

func chars(names ...string) []storage.Character {
	out := make([]storage.Character, len(names))
	for i, n := range names {
		out[i] = storage.Character{ID: int64(i + 1), Name: n}
	}
	return out
}

func TestRunResolvesAndDeletes(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, logs, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Alice", "Bob"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Alice", "Bob"}).
		Return(map[string]int64{"Alice": 1001, "Bob": 0}, nil)
	mr.On("Affiliations", mock.Anything, []int64{1001}).
		Return(map[int64]eveapi.Affiliation{
			1001: {CharacterID: 1001, CharacterName: "Alice", CorporationID: 500, CorporationName: "Acme"},
		}, nil)
	ms.On("Apply", mock.Anything, []int64{2}, []storage.Resolution{{
		RowID:       1,
		CharacterID: 1001,
		Affiliation: storage.Affiliation{CorporationID: 500, CorporationName: "Acme"},
	}}).Return(nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, 0, report.FailedChunks)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, logs.FilterMessage("invalid character name, pending removal").
		FilterField(zap.String("name", "Bob")).Len())
	ms.AssertExpectations(t)
	mr.AssertExpectations(t)
}

func TestRunNothingDue(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, logs, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(nil, nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Selected)
	assert.Equal(t, 1, logs.FilterMessage("everything is up-to-date").Len())
	ms.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything)
	mr.AssertNotCalled(t, "CharacterIDs", mock.Anything, mock.Anything)
}

func TestRunClaimFailure(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(nil, errors.New("connection refused"))

	_, err := s.Run(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	ms.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunSkipsFailedChunk(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, slept := newTestService(ms, mr, 2)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Alice", "Bob", "Carol"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Alice", "Bob"}).
		Return(nil, eveapi.ErrUnexpectedStatus)
	mr.On("CharacterIDs", mock.Anything, []string{"Carol"}).
		Return(map[string]int64{"Carol": 1003}, nil)
	mr.On("Affiliations", mock.Anything, []int64{1003}).
		Return(map[int64]eveapi.Affiliation{
			1003: {CharacterID: 1003, CorporationID: 501, CorporationName: "Widgets", AllianceID: 99, AllianceName: "Grand Alliance"},
		}, nil)
	ms.On("Apply", mock.Anything, []int64(nil), []storage.Resolution{{
		RowID:       3,
		CharacterID: 1003,
		Affiliation: storage.Affiliation{CorporationID: 501, CorporationName: "Widgets", AllianceID: 99, AllianceName: "Grand Alliance"},
	}}).Return(nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 1, report.FailedChunks)
	assert.Equal(t, 1, report.Resolved)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 1, *slept, "delay only between chunks")
	ms.AssertExpectations(t)
}

func TestRunAffiliationFailureKeepsDeletions(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Alice", "Bob"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Alice", "Bob"}).
		Return(map[string]int64{"Alice": 1001}, nil)
	mr.On("Affiliations", mock.Anything, []int64{1001}).
		Return(nil, context.DeadlineExceeded)
	ms.On("Apply", mock.Anything, []int64{2}, []storage.Resolution(nil)).Return(nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedChunks)
	assert.Equal(t, 1, report.Deleted)
	assert.Zero(t, report.Resolved)
	ms.AssertExpectations(t)
}

func TestRunCountsRefreshesSeparately(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	claimed := chars("Alice", "Bob")
	claimed[0].CharacterID = pgtype.Int8{Int64: 1001, Valid: true}
	ms.On("ClaimStale", mock.Anything, staleAfter).Return(claimed, nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Alice", "Bob"}).
		Return(map[string]int64{}, nil)
	ms.On("Apply", mock.Anything, []int64{1, 2}, []storage.Resolution(nil)).Return(nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 1, report.New)
}

func TestRunMissingAffiliationLeavesRecord(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, logs, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Alice"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Alice"}).
		Return(map[string]int64{"Alice": 1001}, nil)
	mr.On("Affiliations", mock.Anything, []int64{1001}).
		Return(map[int64]eveapi.Affiliation{}, nil)
	ms.On("Apply", mock.Anything, []int64(nil), []storage.Resolution(nil)).Return(nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unaffiliated)
	assert.Zero(t, report.Resolved)
	assert.Zero(t, report.FailedChunks)
	assert.Equal(t, 1, logs.FilterMessage("no affiliation returned").Len())
}

func TestRunSkipsAffiliationsWhenNothingResolved(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Nobody"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Nobody"}).Return(map[string]int64{}, nil)
	ms.On("Apply", mock.Anything, []int64{1}, []storage.Resolution(nil)).Return(nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	mr.AssertNotCalled(t, "Affiliations", mock.Anything, mock.Anything)
}

func TestRunApplyFailure(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Bob"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Bob"}).Return(map[string]int64{"Bob": 0}, nil)
	ms.On("Apply", mock.Anything, []int64{1}, []storage.Resolution(nil)).Return(errors.New("deadlock detected"))

	_, err := s.Run(context.Background())
	assert.ErrorContains(t, err, "deadlock detected")
}

func TestRunCanceledCommitsGathered(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ms.On("ClaimStale", mock.Anything, staleAfter).Return(chars("Alice", "Bob"), nil)
	mr.On("CharacterIDs", mock.Anything, []string{"Alice"}).
		Run(func(mock.Arguments) { cancel() }).
		Return(map[string]int64{"Alice": 0}, nil)
	ms.On("Apply", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }),
		[]int64{1}, []storage.Resolution(nil)).Return(nil)

	report, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Deleted)
	ms.AssertExpectations(t)
	mr.AssertNotCalled(t, "CharacterIDs", mock.Anything, []string{"Bob"})
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (func(context.Context) error, error) {
	return nil, runlock.ErrLocked
}

func TestRunLockedSkipsWhenHeld(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	_, err := s.RunLocked(context.Background(), heldLock{})
	assert.ErrorIs(t, err, runlock.ErrLocked)
	ms.AssertNotCalled(t, "ClaimStale", mock.Anything, mock.Anything)
}

func TestRunLockedReleases(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)
	ms.On("ClaimStale", mock.Anything, staleAfter).Return(nil, nil)

	locker := runlock.NewFileLock(t.TempDir() + "/enricher.lock")
	_, err := s.RunLocked(context.Background(), locker)
	require.NoError(t, err)

	release, err := locker.Acquire(context.Background())
	require.NoError(t, err, "lock must be free after the run")
	assert.NoError(t, release(context.Background()))
}

func TestRunEveryStopsOnCancel(t *testing.T) {
	ms, mr := new(MockStore), new(MockResolver)
	s, _, _ := newTestService(ms, mr, 200)

	ctx, cancel := context.WithCancel(context.Background())
	ms.On("ClaimStale", mock.Anything, staleAfter).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, nil)

	err := s.RunEvery(ctx, time.Hour, runlock.Noop{})
	assert.ErrorIs(t, err, context.Canceled)
	ms.AssertNumberOfCalls(t, "ClaimStale", 1)
}

// invalidResolver knows no character at all.
type invalidResolver struct{ nameCalls, affCalls int }

func (r *invalidResolver) CharacterIDs(context.Context, []string) (map[string]int64, error) {
	r.nameCalls++
	return map[string]int64{}, nil
}
func (r *invalidResolver) Affiliations(context.Context, []int64) (map[int64]eveapi.Affiliation, error) {
	r.affCalls++
	return nil, nil
}

// recordingStore returns a fixed claim and records what is applied.
type recordingStore struct {
	claim   []storage.Character
	invalid []int64
}

func (s *recordingStore) ClaimStale(context.Context, time.Duration) ([]storage.Character, error) {
	return s.claim, nil
}
func (s *recordingStore) Apply(_ context.Context, invalid []int64, _ []storage.Resolution) error {
	s.invalid = invalid
	return nil
}

func TestRunProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every unresolvable name is deleted exactly once", prop.ForAll(
		func(n, size int) bool {
			names := make([]string, n)
			for i := range names {
				names[i] = "pilot"
			}
			store := &recordingStore{claim: chars(names...)}
			resolver := &invalidResolver{}
			s, _, _ := newTestService(store, resolver, size)

			report, err := s.Run(context.Background())
			if err != nil {
				return false
			}
			wantChunks := (n + size - 1) / size
			if report.Chunks != wantChunks || resolver.nameCalls != wantChunks || resolver.affCalls != 0 {
				return false
			}
			if report.Deleted != n || len(store.invalid) != n {
				return false
			}
			for i, id := range store.invalid {
				if id != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 700),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
