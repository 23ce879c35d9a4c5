package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/engine"
)

// fakeStore is an in-memory Store for daemon tests.
type fakeStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	locks     map[string]fakeLock
	dueCalls  int
	updates   int
}

type fakeLock struct {
	token  string
	expiry time.Time
}

func newFakeStore(schedules ...*Schedule) *fakeStore {
	f := &fakeStore{schedules: make(map[string]*Schedule), locks: make(map[string]fakeLock)}
	for _, s := range schedules {
		f.schedules[s.ID] = s
	}
	return f
}

func (f *fakeStore) Initialize(ctx context.Context) error { return nil }
func (f *fakeStore) Shutdown(ctx context.Context) error   { return nil }

func (f *fakeStore) Create(ctx context.Context, s *Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeStore) Import(ctx context.Context, schedules []*Schedule) error {
	for _, s := range schedules {
		if err := f.Create(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) Update(ctx context.Context, s *Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	f.schedules[s.ID] = s
	f.updates++
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}

func (f *fakeStore) ByCreator(ctx context.Context, creator string) ([]*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Schedule
	for _, s := range f.schedules {
		if s.Creator == creator {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ByWorkflow(ctx context.Context, workflow string) ([]*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Schedule
	for _, s := range f.schedules {
		if s.Workflow == workflow {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Active(ctx context.Context) ([]*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Schedule
	for _, s := range f.schedules {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueCalls++
	var out []*Schedule
	for _, s := range f.schedules {
		if s.Due(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Stats(ctx context.Context) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Stats{Total: len(f.schedules)}, nil
}

func (f *fakeStore) TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[name]; ok && l.token != token && time.Now().Before(l.expiry) {
		return false, nil
	}
	f.locks[name] = fakeLock{token: token, expiry: time.Now().Add(ttl)}
	return true, nil
}

func (f *fakeStore) RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[name]
	if !ok || l.token != token {
		return false, nil
	}
	f.locks[name] = fakeLock{token: token, expiry: time.Now().Add(ttl)}
	return true, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, name, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[name]; ok && l.token == token {
		delete(f.locks, name)
	}
	return nil
}

func (f *fakeStore) holder(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[name].token
}

func (f *fakeStore) lock(name, token string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[name] = fakeLock{token: token, expiry: time.Now().Add(ttl)}
}

func (f *fakeStore) dueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueCalls
}

func daemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader(nil).Parse([]byte(`
checks:
  placeholder:
    type: noop
workflows:
  nightly:
    checks:
      ping:
        type: noop
`))
	require.NoError(t, err)
	return cfg
}

func testDaemon(t *testing.T, store Store) *Daemon {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDaemon(store, engine.New(engine.Deps{Logger: logger}), daemonConfig(t), logger, nil)
}

func TestTickSkipsScheduleLockedElsewhere(t *testing.T) {
	locked := &Schedule{
		ID:        "locked",
		Workflow:  "nightly",
		Expr:      "@every 1m",
		Kind:      KindInterval,
		Status:    StatusActive,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	free := &Schedule{
		ID:        "free",
		Workflow:  "nightly",
		Expr:      "@every 1m",
		Kind:      KindInterval,
		Status:    StatusActive,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	store := newFakeStore(locked, free)
	store.lock("locked", "other-replica", time.Hour)

	testDaemon(t, store).Tick(context.Background())

	// The held schedule stays with the other replica; the free one fires.
	got, err := store.Get(context.Background(), "locked")
	require.NoError(t, err)
	assert.Equal(t, 0, got.RunCount)
	assert.Equal(t, "other-replica", store.holder("locked"))

	got, err = store.Get(context.Background(), "free")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, "", store.holder("free"), "lease must be released after the fire")
}

func TestTickFiresDueSchedule(t *testing.T) {
	sched := &Schedule{
		ID:        "s1",
		Workflow:  "nightly",
		Expr:      "@every 1m",
		Kind:      KindInterval,
		Status:    StatusActive,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	store := newFakeStore(sched)

	testDaemon(t, store).Tick(context.Background())

	got, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, 1, store.updates)
	assert.Equal(t, "", store.holder("s1"), "lease must be released after the fire")
}

func TestTickNothingDue(t *testing.T) {
	sched := &Schedule{
		ID:        "s1",
		Workflow:  "nightly",
		Expr:      "@every 1m",
		Kind:      KindInterval,
		Status:    StatusActive,
		NextRunAt: time.Now().UTC().Add(time.Hour),
	}
	store := newFakeStore(sched)

	testDaemon(t, store).Tick(context.Background())
	assert.Equal(t, 1, store.dueCalls)
	assert.Equal(t, 0, store.updates)
}

func TestFailedRunMarksOneTimeFailed(t *testing.T) {
	sched := &Schedule{
		ID:        "s1",
		Workflow:  "missing",
		Expr:      time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		Kind:      KindOneTime,
		Status:    StatusActive,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	store := newFakeStore(sched)

	testDaemon(t, store).Tick(context.Background())

	got, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	assert.True(t, got.NextRunAt.IsZero())
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	d := testDaemon(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return store.dueCount() > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("daemon did not stop")
	}
}
