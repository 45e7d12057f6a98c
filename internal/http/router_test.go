package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/auth"
	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/fetch"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/retry"
	"github.com/kjstillabower/city-weather-service/internal/service"
)

const testToken = "test-token"

// countingSource wraps a DataSource and counts calls.
type countingSource struct {
	next  client.DataSource
	calls atomic.Int32
}

func (c *countingSource) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	c.calls.Add(1)
	return c.next.Fetch(ctx, city)
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// newTestRouter wires the full request path over a simulated source with the given
// failure rate. Retry delays are skipped.
func newTestRouter(t *testing.T, failureRate float64, limiter *rate.Limiter) (http.Handler, *countingSource) {
	t.Helper()
	source := &countingSource{next: client.NewSimulatedSource(failureRate, 1, 0)}
	orch := fetch.NewOrchestrator(source, retry.DefaultPolicy(), nil).WithSleeper(noSleep)
	wc := cache.NewWeatherCache(cache.NewInMemoryStore(), time.Hour)
	svc := service.NewWeatherService(wc, orch, 0, 0)
	tokens, err := auth.NewStaticTokens([]string{testToken})
	if err != nil {
		t.Fatalf("NewStaticTokens() error = %v", err)
	}
	h := NewHandler(svc, nil, nil, HealthConfig{}, nil)
	return NewRouter(h, RouterConfig{
		Tokens:         tokens,
		Limiter:        limiter,
		RequestTimeout: time.Minute,
		InFlight:       &InFlightTracker{},
	}), source
}

func doGet(router http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_WeatherRequiresToken(t *testing.T) {
	router, source := newTestRouter(t, 0, nil)

	for _, token := range []string{"", "wrong"} {
		w := doGet(router, "/weather?city=Cairo", token)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, w.Code)
		}
		if body := strings.TrimSpace(w.Body.String()); body != `{"error":"Unauthorized"}` {
			t.Errorf("token %q: body = %s", token, body)
		}
	}
	if n := source.calls.Load(); n != 0 {
		t.Errorf("data source calls = %d, want 0 for unauthenticated requests", n)
	}
}

func TestRouter_WeatherKnownCityThenCached(t *testing.T) {
	router, source := newTestRouter(t, 0, nil)

	for i := 0; i < 2; i++ {
		w := doGet(router, "/weather?city=Cairo", testToken)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200; body %s", i, w.Code, w.Body.String())
		}
		var resp models.WeatherResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := models.WeatherResponse{City: "Cairo", Temperature: "30°C", Humidity: "50%", Conditions: "Clear sky"}
		if resp != want {
			t.Errorf("request %d: response = %+v, want %+v", i, resp, want)
		}
		if w.Header().Get("X-Correlation-ID") == "" {
			t.Errorf("request %d: X-Correlation-ID missing", i)
		}
	}
	if n := source.calls.Load(); n != 1 {
		t.Errorf("data source calls = %d, want 1", n)
	}
}

func TestRouter_WeatherUnknownCity(t *testing.T) {
	router, _ := newTestRouter(t, 0, nil)

	w := doGet(router, "/weather?city=Atlantis", testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp models.WeatherResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.City != "Atlantis" || resp.Temperature != "Unknown" || resp.Conditions != "Unknown" {
		t.Errorf("response = %+v, want Unknown placeholders", resp)
	}
}

func TestRouter_WeatherMissingCity(t *testing.T) {
	router, source := newTestRouter(t, 0, nil)

	for _, target := range []string{"/weather", "/weather?city=", "/weather?city=%20%20"} {
		w := doGet(router, target, testToken)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
	if n := source.calls.Load(); n != 0 {
		t.Errorf("data source calls = %d, want 0", n)
	}
}

func TestRouter_WeatherAlwaysFailing(t *testing.T) {
	router, source := newTestRouter(t, 1, nil)

	w := doGet(router, "/weather?city=London", testToken)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	want := "Failed to fetch weather data for city: London after 3 attempts, please try again later."
	if got := decodeError(t, w); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	if n := source.calls.Load(); n != 3 {
		t.Errorf("data source calls = %d, want 3", n)
	}
}

func TestRouter_RateLimited(t *testing.T) {
	router, _ := newTestRouter(t, 0, rate.NewLimiter(rate.Every(time.Hour), 1))

	if w := doGet(router, "/weather?city=Cairo", testToken); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := doGet(router, "/weather?city=Cairo", testToken)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
}

func TestRouter_OpenEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, 0, nil)

	if w := doGet(router, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	w := doGet(router, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("/metrics should expose httpRequestsTotal")
	}
}

func TestRouter_WeatherGetOnly(t *testing.T) {
	router, _ := newTestRouter(t, 0, nil)

	req := httptest.NewRequest("POST", "/weather?city=Cairo", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Errorf("POST /weather status = %d, want a method rejection", w.Code)
	}
}
