package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ideamatrix/api/internal/board"
	"ideamatrix/api/internal/broadcast"
	"ideamatrix/api/internal/config"
	"ideamatrix/api/internal/export"
	"ideamatrix/api/internal/feed"
	"ideamatrix/api/internal/lock"
	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/search"
	authsession "ideamatrix/api/internal/session"
	"ideamatrix/api/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	mem    *store.MemoryStore
	clock  *fakeClock
	locks  *lock.Coordinator
	boards *board.Manager
	svc    *Service
	server *HTTPServer
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		DevLogin:   true,
		LockTTL:    lock.DefaultTTL,
		SplitX:     260,
		SplitY:     260,
		MoveRate:   1000,
		MoveBurst:  1000,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	mem := store.NewMemoryStore()
	clock := &fakeClock{now: time.Now().UTC()}
	hub := broadcast.NewHub(feed.NewMemorySource(mem), mem, logger.Nop(), broadcast.Options{
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	locks := lock.New(mem, cfg.LockTTL, logger.Nop(), lock.WithClock(clock.Now))
	boards := board.NewManager(hub, locks, logger.Nop(), board.Options{})
	svc := NewService(cfg, Deps{
		Store:    mem,
		Locks:    locks,
		Boards:   boards,
		Search:   search.NewService(nil, search.NewStoreFallback(mem), mem, logger.Nop()),
		Export:   export.NewService(mem, nil),
		Sessions: authsession.NewMemoryStore(),
		Log:      logger.Nop(),
	})
	server := NewHTTPServer(svc, "*", logger.Nop())
	server.heartbeat = 50 * time.Millisecond

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = boards.Shutdown(ctx)
		_ = locks.Wait(ctx)
		hub.Close()
	})
	return &testEnv{mem: mem, clock: clock, locks: locks, boards: boards, svc: svc, server: server}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, name, role string) Session {
	t.Helper()
	session, err := e.svc.Login(context.Background(), name, role)
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return session
}

func (e *testEnv) project(t *testing.T, token string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/projects", token, map[string]any{"name": "Roadmap"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Project store.Project `json:"project"`
	}
	decode(t, rr, &payload)
	return payload.Project.ID
}

func (e *testEnv) card(t *testing.T, token, projectID string, x, y float64) CardView {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/projects/"+projectID+"/cards", token, map[string]any{
		"content": "Dark mode",
		"x":       x,
		"y":       y,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create card: status %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Card CardView `json:"card"`
	}
	decode(t, rr, &payload)
	return payload.Card
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	decode(t, rr, &payload)
	return payload.Code
}
