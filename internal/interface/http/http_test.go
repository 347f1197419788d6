package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/soulpet/companion-hub/config"
	"github.com/soulpet/companion-hub/internal/application/command"
	"github.com/soulpet/companion-hub/internal/application/query"
	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/catalog"
	"github.com/soulpet/companion-hub/internal/infrastructure/outbox"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/memstore"
	"github.com/soulpet/companion-hub/internal/interface/http/handlers"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

type testEnv struct {
	server   *Server
	store    *memstore.Store
	sessions *session.Registry
	flags    *config.FeatureFlags
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat, err := catalog.LoadEmbedded()
	require.NoError(t, err)

	store := memstore.New()
	keyer := challenge.NewPeriodKeyer(time.UTC)
	tracker := challenge.NewTracker(cat.Challenges, keyer)
	calc := evolution.MustCalculator(evolution.DefaultEconomy())
	ob := outbox.New(outbox.Config{Companions: store, Challenges: store})

	sessions := session.NewRegistry(session.RegistryConfig{
		Companions: store,
		Challenges: store,
		Keyer:      keyer,
		Calculator: calc,
		Pending:    ob,
	})
	coord := command.NewProgressionCoordinator(command.ProgressionCoordinatorConfig{
		Tracker:     tracker,
		Calculator:  calc,
		Companions:  store,
		Challenges:  store,
		WriteBehind: ob,
	})

	flags := config.LoadFeatureFlags()
	cfg := DefaultConfig()
	cfg.StreamHeartbeat = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, Dependencies{
		Sessions:    sessions,
		Coordinator: coord,
		Progression: query.NewProgressionQueries(tracker, calc, cat.Companions, shared.SystemClock{}),
		Catalog:     query.NewCatalogQueries(cat.Challenges, cat.Companions),
		Features:    flags,
	})
	require.NoError(t, err)

	return &testEnv{server: srv, store: store, sessions: sessions, flags: flags}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestCatalogEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodGet, "/api/v1/catalog/companions", "")
	require.Equal(t, http.StatusOK, code)
	var infos []query.CompanionInfoView
	require.NoError(t, json.Unmarshal(env.Data, &infos))
	assert.Len(t, infos, 3)

	code, env = e.do(t, http.MethodGet, "/api/v1/catalog/challenges?companion=dog&period=weekly", "")
	require.Equal(t, http.StatusOK, code)
	var defs []challenge.Definition
	require.NoError(t, json.Unmarshal(env.Data, &defs))
	assert.Len(t, defs, 2)

	code, env = e.do(t, http.MethodGet, "/api/v1/catalog/challenges?period=monthly", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestCompleteStep_ProgressThenCompletion(t *testing.T) {
	e := newTestEnv(t, nil)
	path := "/api/v1/users/u1/companions/dog/challenges/dog_breathing_daily/steps"

	code, env := e.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, code, string(env.Data))
	var first stepResponse
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.Equal(t, 1, first.Challenge.Progress)
	assert.False(t, first.JustCompleted)
	assert.Equal(t, 0, first.XPAwarded)

	code, env = e.do(t, http.MethodPost, path, `{"amount":5}`)
	require.Equal(t, http.StatusOK, code)
	var second stepResponse
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.True(t, second.JustCompleted)
	assert.Equal(t, 3, second.Challenge.Progress)
	assert.Equal(t, 15, second.XPAwarded)
	assert.Equal(t, 15, second.Companion.XP)
	assert.Equal(t, 1, second.Companion.ChallengesCompleted)
	assert.True(t, second.Synced)

	// Completed challenges award nothing more in the same window.
	code, env = e.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, code)
	var third stepResponse
	require.NoError(t, json.Unmarshal(env.Data, &third))
	assert.False(t, third.JustCompleted)
	assert.Equal(t, 0, third.XPAwarded)
	assert.Equal(t, 15, third.Companion.XP)

	stored, ok := e.store.Companion("u1", companion.TypeDog)
	require.True(t, ok)
	assert.Equal(t, 15, stored.XP.Int())
}

func TestCompleteStep_Errors(t *testing.T) {
	e := newTestEnv(t, nil)

	cases := []struct {
		name string
		path string
		body string
		code int
		want string
	}{
		{"unknown challenge", "/api/v1/users/u1/companions/dog/challenges/nope/steps", "", http.StatusNotFound, "not_found"},
		{"wrong companion", "/api/v1/users/u1/companions/cat/challenges/dog_breathing_daily/steps", "", http.StatusNotFound, "not_found"},
		{"unknown companion", "/api/v1/users/u1/companions/bird/challenges/dog_breathing_daily/steps", "", http.StatusBadRequest, "validation_error"},
		{"zero amount", "/api/v1/users/u1/companions/dog/challenges/dog_breathing_daily/steps", `{"amount":0}`, http.StatusBadRequest, "validation_error"},
		{"bad body", "/api/v1/users/u1/companions/dog/challenges/dog_breathing_daily/steps", `{"amount":`, http.StatusBadRequest, "invalid_body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := e.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.code, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tc.want, env.Error.Code)
		})
	}
}

func TestCompleteStep_InFlightIsRejected(t *testing.T) {
	e := newTestEnv(t, nil)

	sess, err := e.sessions.Get(context.Background(), "u1")
	require.NoError(t, err)
	op := "step:dog:dog_breathing_daily"
	require.NoError(t, sess.Begin(op))

	code, env := e.do(t, http.MethodPost, "/api/v1/users/u1/companions/dog/challenges/dog_breathing_daily/steps", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "step_in_flight", env.Error.Code)

	sess.End(op)
	code, _ = e.do(t, http.MethodPost, "/api/v1/users/u1/companions/dog/challenges/dog_breathing_daily/steps", "")
	assert.Equal(t, http.StatusOK, code)
}

func seedNearTeen(t *testing.T, e *testEnv) {
	t.Helper()
	require.NoError(t, e.store.UpsertCompanionProgress(context.Background(), companion.Progress{
		UserID: "u1", Companion: companion.TypeCat, XP: 100, ChallengesCompleted: 4, Level: 3, Stage: companion.StageBaby,
	}))
}

func TestEvolution_ListAndAcknowledge(t *testing.T) {
	e := newTestEnv(t, nil)
	seedNearTeen(t, e)

	code, env := e.do(t, http.MethodPost, "/api/v1/users/u1/companions/cat/challenges/cat_focus_daily/steps", `{"amount":2}`)
	require.Equal(t, http.StatusOK, code)
	var res stepResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.NotNil(t, res.Evolution)
	assert.Equal(t, companion.StageTeen, res.Companion.Stage)

	code, env = e.do(t, http.MethodGet, "/api/v1/users/u1/evolutions", "")
	require.Equal(t, http.StatusOK, code)
	var pending []shared.CompanionEvolvedEvent
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, res.Evolution.ID, pending[0].ID)

	code, _ = e.do(t, http.MethodPost, "/api/v1/users/u1/evolutions/"+pending[0].ID+"/ack", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = e.do(t, http.MethodPost, "/api/v1/users/u1/evolutions/"+pending[0].ID+"/ack", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestCompanionCard_FeatureFlags(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodGet, "/api/v1/users/u1/companions/fish", "")
	require.Equal(t, http.StatusOK, code)
	var view query.CompanionView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.NotNil(t, view.Next)
	assert.Len(t, view.Challenges, 5)

	code, env = e.do(t, http.MethodGet, "/api/v1/users/u1/companions/fish?challenges=false", "")
	require.Equal(t, http.StatusOK, code)
	view = query.CompanionView{}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Empty(t, view.Challenges)

	require.NoError(t, e.flags.DisableFeature(config.FeatureNextRequirements))
	require.NoError(t, e.flags.DisableFeature(config.FeatureChallengeBoard))

	code, env = e.do(t, http.MethodGet, "/api/v1/users/u1/companions/fish", "")
	require.Equal(t, http.StatusOK, code)
	view = query.CompanionView{}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Nil(t, view.Next)
	assert.Empty(t, view.Challenges)

	code, env = e.do(t, http.MethodGet, "/api/v1/users/u1/companions/fish/challenges", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "feature_disabled", env.Error.Code)
}

func TestBoard_SplitsByPeriod(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodGet, "/api/v1/users/u1/companions/dog/challenges", "")
	require.Equal(t, http.StatusOK, code)
	var board boardView
	require.NoError(t, json.Unmarshal(env.Data, &board))
	assert.Len(t, board.Daily, 3)
	assert.Len(t, board.Weekly, 2)
}

func TestActiveCompanionAndSync(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodPut, "/api/v1/users/u1/active-companion", `{"companion":"fish"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"active":"fish"}`, string(env.Data))

	code, env = e.do(t, http.MethodPut, "/api/v1/users/u1/active-companion", `{"companion":"bird"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", env.Error.Code)

	code, _ = e.do(t, http.MethodPut, "/api/v1/users/u1/active-companion", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// Progress written elsewhere shows up after a manual sync.
	require.NoError(t, e.store.UpsertCompanionProgress(context.Background(), companion.Progress{
		UserID: "u1", Companion: companion.TypeDog, XP: 60, ChallengesCompleted: 2, Level: 2, Stage: companion.StageBaby,
	}))
	code, env = e.do(t, http.MethodPost, "/api/v1/users/u1/sync", "")
	require.Equal(t, http.StatusOK, code)
	var synced struct {
		Companions []query.CompanionView `json:"companions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &synced))
	require.Len(t, synced.Companions, 3)
	assert.Equal(t, 60, synced.Companions[0].XP)
	assert.True(t, synced.Companions[2].Active)

	require.NoError(t, e.flags.DisableFeature(config.FeatureManualSync))
	code, env = e.do(t, http.MethodPost, "/api/v1/users/u1/sync", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "feature_disabled", env.Error.Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)

	code, _ := e.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, code)

	code, env := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Healthy)
}

func TestAPIKeyProtectsAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("k1"), bcrypt.MinCost)
	require.NoError(t, err)
	e := newTestEnv(t, func(c *Config) { c.APIKeyHashes = []string{string(hash)} })

	code, env := e.do(t, http.MethodGet, "/api/v1/catalog/companions", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/catalog/companions", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open.
	code, _ = e.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"request_id":"req-42"`)
}

func TestEvolutionStream_ReplaysPendingThenLive(t *testing.T) {
	e := newTestEnv(t, nil)
	seedNearTeen(t, e)

	ts := httptest.NewServer(e.server.Handler())
	defer ts.Close()

	// One evolution already pending before the stream opens.
	code, _ := e.do(t, http.MethodPost, "/api/v1/users/u1/companions/cat/challenges/cat_focus_daily/steps", `{"amount":2}`)
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/users/u1/evolutions/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if name, ok := strings.CutPrefix(line, "event:"); ok {
				events <- name
			}
		}
	}()

	next := func() string {
		select {
		case name := <-events:
			return name
		case <-ctx.Done():
			t.Fatal("stream timed out")
			return ""
		}
	}

	assert.Equal(t, "evolution", next())
	assert.Equal(t, "ready", next())

	sess, ok := e.sessions.Lookup("u1")
	require.True(t, ok)
	sess.PushEvolution(shared.NewCompanionEvolvedEvent("live-1", "u1", "dog", "baby", "teen", "xp", time.Now()))

	for {
		name := next()
		if name == "ping" {
			continue
		}
		assert.Equal(t, "evolution", name)
		break
	}
	cancel()
}

func TestEvolutionStream_Disabled(t *testing.T) {
	e := newTestEnv(t, nil)
	require.NoError(t, e.flags.DisableFeature(config.FeatureEvolutionStream))

	code, env := e.do(t, http.MethodGet, "/api/v1/users/u1/evolutions/stream", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "feature_disabled", env.Error.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{shared.ErrForbidden, http.StatusForbidden},
		{shared.ErrStepInFlight, http.StatusTooManyRequests},
		{shared.ErrChallengeNotFound, http.StatusNotFound},
		{shared.ErrNonPositiveAmount, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{shared.ErrRemoteStoreUnhealthy, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.code, got, tc.err.Error())
	}
}

func TestStepRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.StepRate = 0.001
		c.StepBurst = 2
	})
	path := "/api/v1/users/u1/companions/dog/challenges/dog_zen_weekly/steps"

	for i := 0; i < 2; i++ {
		code, _ := e.do(t, http.MethodPost, path, "")
		require.Equal(t, http.StatusOK, code)
	}

	req := httptest.NewRequest(http.MethodPost, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")

	// Other users have their own bucket.
	code, _ := e.do(t, http.MethodPost, "/api/v1/users/u2/companions/dog/challenges/dog_zen_weekly/steps", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, e.server.stepLimiter.len())
}

func TestUserLimiter_PrunesIdleBuckets(t *testing.T) {
	l := newUserLimiter(1, 1)
	now := time.Now()

	ok, _ := l.reserve("a", now)
	assert.True(t, ok)
	ok, wait := l.reserve("a", now)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	later := now.Add(2 * limiterIdleTTL)
	ok, _ = l.reserve("b", later)
	assert.True(t, ok)
	assert.Equal(t, 1, l.len())
}
