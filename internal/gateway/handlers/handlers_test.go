package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/backend"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/policy"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/config"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/database"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-secret"

// fakeStore is an in-memory key store, model registry and admin store
type fakeStore struct {
	mu      sync.Mutex
	byID    map[string]*models.APIKey
	models  map[string]*models.Model
	touched map[string]time.Time
	usage   map[string]*database.UsageSummary
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:    make(map[string]*models.APIKey),
		models:  make(map[string]*models.Model),
		touched: make(map[string]time.Time),
		usage:   make(map[string]*database.UsageSummary),
	}
}

func (s *fakeStore) LookupBySecret(ctx context.Context, secret string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.byID {
		if keys.Matches(k.KeyHash, secret) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) TouchLastUsed(ctx context.Context, keyID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[keyID] = t
	return nil
}

func (s *fakeStore) lastTouched(keyID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.touched[keyID]
	return t, ok
}

func (s *fakeStore) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.byID[k.ID] = &cp
	return nil
}

func (s *fakeStore) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *fakeStore) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return database.ErrNotFound
	}
	k.IsActive = active
	return nil
}

func (s *fakeStore) SummarizeUsage(ctx context.Context, keyID string, from, to time.Time) (*database.UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[keyID]; ok {
		cp := *u
		return &cp, nil
	}
	return &database.UsageSummary{Cost: decimal.Zero}, nil
}

func (s *fakeStore) ResolveAlias(ctx context.Context, alias string) (*models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[alias]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) ListModels(ctx context.Context, offset, limit int) ([]models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aliases := make([]string, 0, len(s.models))
	for a := range s.models {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	var out []models.Model
	for i := offset; i < len(aliases) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, *s.models[aliases[i]])
	}
	return out, nil
}

func (s *fakeStore) CreateModel(ctx context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.Alias]; ok {
		return database.ErrConflict
	}
	m.ID = "model-" + m.Alias
	m.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cp := *m
	s.models[m.Alias] = &cp
	return nil
}

// addKey issues a key and stores it, returning the bearer secret
func (s *fakeStore) addKey(t *testing.T, spec keys.Spec) (*models.APIKey, string) {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "test"
	}
	issued, err := keys.Issue(spec, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateAPIKey(context.Background(), issued.Key))
	return issued.Key, issued.Secret
}

func (s *fakeStore) addModel(m models.Model) *models.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = "model-" + m.Alias
	}
	if m.Name == "" {
		m.Name = m.Alias
	}
	s.models[m.Alias] = &m
	return &m
}

// usageSink collects recorded usage events
type usageSink struct {
	mu     sync.Mutex
	events []models.UsageEvent
}

func (u *usageSink) Record(ctx context.Context, event *models.UsageEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, *event)
}

func (u *usageSink) all() []models.UsageEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]models.UsageEvent(nil), u.events...)
}

// countingPolicy counts calls into the real engine
type countingPolicy struct {
	*policy.Engine
	admits   atomic.Int32
	releases atomic.Int32
}

func (p *countingPolicy) Admit(key *models.APIKey, alias string, est decimal.Decimal) (*policy.Ticket, error) {
	p.admits.Add(1)
	return p.Engine.Admit(key, alias, est)
}

func (p *countingPolicy) Release(t *policy.Ticket, cost decimal.Decimal, ok bool) bool {
	p.releases.Add(1)
	return p.Engine.Release(t, cost, ok)
}

type testGateway struct {
	router  http.Handler
	store   *fakeStore
	usage   *usageSink
	policy  *countingPolicy
	backend *httptest.Server
}

func newTestGateway(t *testing.T, backendHandler http.HandlerFunc) *testGateway {
	t.Helper()

	srv := httptest.NewServer(backendHandler)
	t.Cleanup(srv.Close)

	return newTestGatewayWithBackend(t, testBackendClient(srv), srv)
}

func testBackendClient(srv *httptest.Server) *backend.Client {
	return backend.NewClient(backend.Options{
		BaseURL: srv.URL,
		API:     config.BackendOllama,
		Breaker: backend.BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 100, FailureRatio: 1},
	})
}

func newTestGatewayWithBackend(t *testing.T, be Backend, srv *httptest.Server) *testGateway {
	t.Helper()
	sink := &usageSink{}
	gw := newTestGatewayWithRecorder(t, be, srv, sink)
	gw.usage = sink
	return gw
}

func newTestGatewayWithRecorder(t *testing.T, be Backend, srv *httptest.Server, usage UsageRecorder) *testGateway {
	t.Helper()

	gw := &testGateway{
		store:   newFakeStore(),
		policy:  &countingPolicy{Engine: policy.NewEngine()},
		backend: srv,
	}

	mw := NewMiddleware(gw.store, testAdminToken, nil)
	gw.router = NewRouter(Router{
		Middleware: mw,
		Chat:       NewChatHandler(gw.store, gw.store, gw.policy, be, usage, nil, nil),
		Models:     NewModelsHandler(gw.store, nil),
		Admin:      NewAdminHandler(gw.store, gw.policy, nil),
		Ready:      map[string]Pinger{},
	})
	return gw
}

func (gw *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, req)
	return rec
}

func chatReq(secret, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req
}

func adminReq(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
