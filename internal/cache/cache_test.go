package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

var cairo = models.WeatherRecord{Temperature: "30°C", Humidity: "50%", Conditions: "Sunny"}

func TestKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Cairo", "weather_cairo"},
		{"  London ", "weather_london"},
		{"Saudi Arabia", "weather_saudi arabia"},
	}
	for _, tt := range tests {
		if got := Key(tt.in); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestInMemoryStore_GetSet verifies that Set stores values and Get retrieves them.
func TestInMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	entry := Entry{City: "Cairo", Record: cairo, StoredAt: time.Now()}

	if err := s.Set(ctx, Key("Cairo"), entry, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := s.Get(ctx, Key("Cairo"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Record != cairo || got.City != "Cairo" {
		t.Errorf("Get() = %+v, want %+v", got, entry)
	}
}

func TestInMemoryStore_Get_Miss(t *testing.T) {
	s := NewInMemoryStore()
	_, ok, err := s.Get(context.Background(), "weather_nowhere")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryStore_Get_Expired verifies that entries past their ttl are reported
// missing and removed on access.
func TestInMemoryStore_Get_Expired(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	if err := s.Set(ctx, "weather_cairo", Entry{Record: cairo}, time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := s.Get(ctx, "weather_cairo"); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expired access", s.Len())
	}
}

// countingFetch returns a FetchFunc that counts invocations and yields rec or err.
func countingFetch(calls *atomic.Int32, rec models.WeatherRecord, err error) FetchFunc {
	return func(ctx context.Context) (models.WeatherRecord, error) {
		calls.Add(1)
		if err != nil {
			return models.WeatherRecord{}, err
		}
		return rec, nil
	}
}

func TestWeatherCache_MissThenHit(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := NewWeatherCache(store, time.Hour)
	var calls atomic.Int32

	got, err := c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, cairo, nil))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if got != cairo {
		t.Errorf("GetOrFetch() = %+v, want %+v", got, cairo)
	}

	got, err = c.GetOrFetch(ctx, "cairo ", countingFetch(&calls, models.WeatherRecord{}, nil))
	if err != nil {
		t.Fatalf("second GetOrFetch() error = %v", err)
	}
	if got != cairo {
		t.Errorf("second GetOrFetch() = %+v, want cached %+v", got, cairo)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}

	entry, ok, _ := store.Get(ctx, "weather_cairo")
	if !ok {
		t.Fatal("store has no weather_cairo entry")
	}
	if entry.City != "Cairo" {
		t.Errorf("entry.City = %q, want Cairo", entry.City)
	}
}

func TestWeatherCache_ExpiredEntryRefetches(t *testing.T) {
	ctx := context.Background()
	c := NewWeatherCache(NewInMemoryStore(), time.Hour)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	var calls atomic.Int32

	if _, err := c.GetOrFetch(ctx, "London", countingFetch(&calls, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	now = now.Add(59 * time.Minute)
	if _, err := c.GetOrFetch(ctx, "London", countingFetch(&calls, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fetch calls within TTL = %d, want 1", n)
	}

	now = now.Add(time.Minute) // exactly TTL old
	if _, err := c.GetOrFetch(ctx, "London", countingFetch(&calls, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls after TTL = %d, want 2", n)
	}
}

func TestWeatherCache_FailureNotStored(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := NewWeatherCache(store, time.Hour)
	errFetch := errors.New("exhausted")
	var calls atomic.Int32

	_, err := c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, models.WeatherRecord{}, errFetch))
	if !errors.Is(err, errFetch) {
		t.Fatalf("GetOrFetch() error = %v, want %v", err, errFetch)
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0 after failed fetch", store.Len())
	}

	if _, err := c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() after failure error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2 (failure must not be cached)", n)
	}
}

// TestWeatherCache_SingleFlight verifies that concurrent misses on the same city
// share one fetch.
func TestWeatherCache_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := NewWeatherCache(NewInMemoryStore(), time.Hour)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (models.WeatherRecord, error) {
		calls.Add(1)
		<-release
		return cairo, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]models.WeatherRecord, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(ctx, "Cairo", fetch)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if results[i] != cairo {
			t.Errorf("caller %d result = %+v, want %+v", i, results[i], cairo)
		}
	}
}

// TestWeatherCache_WaiterContextCanceled verifies that a waiter gives up when its
// own context ends without disturbing the in-flight fetch.
func TestWeatherCache_WaiterContextCanceled(t *testing.T) {
	c := NewWeatherCache(NewInMemoryStore(), time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (models.WeatherRecord, error) {
		close(started)
		<-release
		return cairo, nil
	}

	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), "Cairo", fetch)
		leaderDone <- err
	}()
	<-started

	waiterCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrFetch(waiterCtx, "Cairo", fetch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiter error = %v, want context.DeadlineExceeded", err)
	}

	close(release)
	if err := <-leaderDone; err != nil {
		t.Errorf("leader error = %v, want nil", err)
	}
}

// TestWeatherCache_LeaderCanceledWaiterRefetches verifies that a waiter whose own
// context is live does not inherit the cancellation of the caller that started
// the shared fetch.
func TestWeatherCache_LeaderCanceledWaiterRefetches(t *testing.T) {
	c := NewWeatherCache(NewInMemoryStore(), time.Hour)
	var calls atomic.Int32
	started := make(chan struct{})
	fetch := func(ctx context.Context) (models.WeatherRecord, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return models.WeatherRecord{}, fmt.Errorf("fetch weather for Cairo: %w", ctx.Err())
		}
		return cairo, nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(leaderCtx, "Cairo", fetch)
		leaderDone <- err
	}()
	<-started

	type result struct {
		rec models.WeatherRecord
		err error
	}
	waiterDone := make(chan result, 1)
	go func() {
		rec, err := c.GetOrFetch(context.Background(), "Cairo", fetch)
		waiterDone <- result{rec, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for c.misses.inProgress(Key("Cairo")) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	if err := <-leaderDone; !errors.Is(err, context.Canceled) {
		t.Errorf("leader error = %v, want context.Canceled", err)
	}
	select {
	case res := <-waiterDone:
		if res.err != nil {
			t.Fatalf("waiter error = %v, want nil", res.err)
		}
		if res.rec != cairo {
			t.Errorf("waiter result = %+v, want %+v", res.rec, cairo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}

	var again atomic.Int32
	if _, err := c.GetOrFetch(context.Background(), "Cairo", countingFetch(&again, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() after refetch error = %v", err)
	}
	if again.Load() != 0 {
		t.Error("refetched record was not stored")
	}
}

func TestWeatherCache_RefreshReplacesFreshEntry(t *testing.T) {
	ctx := context.Background()
	c := NewWeatherCache(NewInMemoryStore(), time.Hour)
	var calls atomic.Int32
	if _, err := c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	updated := models.WeatherRecord{Temperature: "31°C", Humidity: "45%", Conditions: "Clear sky"}
	got, err := c.Refresh(ctx, "Cairo", countingFetch(&calls, updated, nil))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got != updated {
		t.Errorf("Refresh() = %+v, want %+v", got, updated)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2 (refresh must skip the hit path)", calls.Load())
	}

	got, err = c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, cairo, nil))
	if err != nil || got != updated {
		t.Errorf("GetOrFetch() after refresh = %+v, %v; want %+v", got, err, updated)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2 (refreshed entry must be served)", calls.Load())
	}
}

func TestWeatherCache_RefreshFailureKeepsEntry(t *testing.T) {
	ctx := context.Background()
	c := NewWeatherCache(NewInMemoryStore(), time.Hour)
	var calls atomic.Int32
	if _, err := c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, cairo, nil)); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	errDown := errors.New("upstream down")
	if _, err := c.Refresh(ctx, "Cairo", countingFetch(&calls, models.WeatherRecord{}, errDown)); !errors.Is(err, errDown) {
		t.Errorf("Refresh() error = %v, want %v", err, errDown)
	}
	got, err := c.GetOrFetch(ctx, "Cairo", countingFetch(&calls, models.WeatherRecord{}, errDown))
	if err != nil || got != cairo {
		t.Errorf("GetOrFetch() after failed refresh = %+v, %v; want %+v", got, err, cairo)
	}
}

type failingStore struct {
	getErr error
	setErr error
}

func (s failingStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	return Entry{}, false, s.getErr
}

func (s failingStore) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	return s.setErr
}

func (s failingStore) Name() string { return "failing" }

// TestWeatherCache_StoreErrorsDegrade verifies that a broken store behaves like
// an always-empty cache rather than failing requests.
func TestWeatherCache_StoreErrorsDegrade(t *testing.T) {
	store := failingStore{getErr: errors.New("connection refused"), setErr: errors.New("i/o timeout")}
	c := NewWeatherCache(store, time.Hour)
	var calls atomic.Int32

	got, err := c.GetOrFetch(context.Background(), "Cairo", countingFetch(&calls, cairo, nil))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v, want nil", err)
	}
	if got != cairo {
		t.Errorf("GetOrFetch() = %+v, want %+v", got, cairo)
	}
}

func TestNewWeatherCache_DefaultTTL(t *testing.T) {
	c := NewWeatherCache(NewInMemoryStore(), 0)
	if c.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", c.TTL(), DefaultTTL)
	}
}

func TestCategorizeStoreError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("dial tcp: connection refused"), "connection"},
		{errors.New("decode entry: bad json"), "decode"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeStoreError(tt.err); got != tt.want {
			t.Errorf("categorizeStoreError(%q) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
