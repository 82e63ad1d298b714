package app

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"ideamatrix/api/internal/config"
	"ideamatrix/api/internal/lock"
	"ideamatrix/api/internal/quadrant"
	"ideamatrix/api/internal/util"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyEndpointReportsStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/api/ready", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	env.mem.FailNext(1)
	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var payload map[string]any
	decode(t, rr, &payload)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/projects/prj_x/cards", "/api/projects/prj_x/stats"} {
		rr := env.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
	rr := env.do(t, http.MethodGet, "/api/projects/prj_x/cards", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestDevLoginCanBeDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.DevLogin = false })
	rr := env.do(t, http.MethodPost, "/api/session/login", "", map[string]any{"name": "Alice"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestSessionLoginRefreshAndInfo(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/session/login", "", map[string]any{"name": "  Avery  "})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d body=%s", rr.Code, rr.Body.String())
	}
	var login map[string]any
	decode(t, rr, &login)
	if login["userName"] != "Avery" || login["userId"] != util.UserIDForName("Avery") || login["role"] != "editor" {
		t.Fatalf("unexpected login payload: %v", login)
	}
	token, _ := login["token"].(string)
	refresh, _ := login["refreshToken"].(string)

	rr = env.do(t, http.MethodGet, "/api/session", token, nil)
	var info map[string]any
	decode(t, rr, &info)
	if info["authenticated"] != true || info["userName"] != "Avery" {
		t.Fatalf("unexpected session info: %v", info)
	}

	rr = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refresh})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body=%s", rr.Code, rr.Body.String())
	}
	var rotated map[string]any
	decode(t, rr, &rotated)
	if rotated["refreshToken"] == refresh || rotated["token"] == "" {
		t.Fatalf("refresh must rotate the token pair: %v", rotated)
	}

	rr = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refresh})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reusing a refresh token: expected 401, got %d", rr.Code)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	rr := env.do(t, http.MethodPost, "/api/session/logout", alice.Token, map[string]any{"refreshToken": alice.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: status %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": alice.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestCreateAndListCards(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)

	card := env.card(t, alice.Token, projectID, 100, 100)
	if card.Quadrant != quadrant.QuickWin || card.SuggestedPriority != quadrant.PriorityHigh {
		t.Fatalf("unexpected classification: %s/%s", card.Quadrant, card.SuggestedPriority)
	}
	if card.Priority != quadrant.PriorityModerate {
		t.Fatalf("new cards default to moderate, got %s", card.Priority)
	}
	if card.Lock.Locked {
		t.Fatal("new cards are unlocked")
	}

	rr := env.do(t, http.MethodGet, "/api/projects/"+projectID+"/cards", alice.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d body=%s", rr.Code, rr.Body.String())
	}
	var view BoardView
	decode(t, rr, &view)
	if len(view.Cards) != 1 || view.Stats.Total != 1 || view.Stats.ByQuadrant[quadrant.QuickWin] != 1 {
		t.Fatalf("unexpected board: %+v", view)
	}
	if view.Stale {
		t.Fatal("a board read from the store is not stale")
	}
}

func TestCreateCardValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)

	cases := []map[string]any{
		{"content": "   ", "x": 1, "y": 1},
		{"content": "ok", "priority": "urgent"},
	}
	for _, body := range cases {
		rr := env.do(t, http.MethodPost, "/api/projects/"+projectID+"/cards", alice.Token, body)
		if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "VALIDATION_ERROR" {
			t.Fatalf("%v: expected 422 VALIDATION_ERROR, got %d %s", body, rr.Code, rr.Body.String())
		}
	}
	rr := env.do(t, http.MethodPost, "/api/projects/prj_missing/cards", alice.Token, map[string]any{"content": "x"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown project: expected 404, got %d", rr.Code)
	}
}

func TestClassifyUsesProjectSplit(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)

	tests := []struct {
		query string
		want  quadrant.Quadrant
	}{
		{"x=100&y=100", quadrant.QuickWin},
		{"x=400&y=100", quadrant.Strategic},
		{"x=100&y=400", quadrant.Reconsider},
		{"x=260&y=260", quadrant.Avoid},
	}
	for _, tt := range tests {
		rr := env.do(t, http.MethodGet, "/api/projects/"+projectID+"/classify?"+tt.query, alice.Token, nil)
		var res Classification
		decode(t, rr, &res)
		if res.Quadrant != tt.want {
			t.Errorf("%s: got %s, want %s", tt.query, res.Quadrant, tt.want)
		}
	}

	rr := env.do(t, http.MethodGet, "/api/projects/"+projectID+"/classify?x=abc&y=1", alice.Token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a bad coordinate, got %d", rr.Code)
	}
}

func TestViewerCanReadButNotMove(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	viewer := env.login(t, "Vera", "viewer")
	if rr := env.do(t, http.MethodGet, "/api/projects/"+projectID+"/cards", viewer.Token, nil); rr.Code != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPatch, "/api/cards/"+card.ID+"/position", viewer.Token, map[string]any{"x": 1, "y": 1})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer move: expected 403, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", viewer.Token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer lock: expected 403, got %d", rr.Code)
	}
}

func TestLockConflictThenSaveReleases(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	bob := env.login(t, "Bob", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	rr := env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", alice.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("alice lock: status %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", bob.Token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("bob lock: expected 409, got %d", rr.Code)
	}
	var conflict struct {
		Code    string         `json:"code"`
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	decode(t, rr, &conflict)
	if conflict.Code != "LOCK_CONFLICT" || conflict.Details["holderId"] != alice.UserID {
		t.Fatalf("unexpected conflict payload: %+v", conflict)
	}

	rr = env.do(t, http.MethodGet, "/api/projects/"+projectID+"/cards", bob.Token, nil)
	var view BoardView
	decode(t, rr, &view)
	if !view.Cards[0].Lock.Locked || !view.Cards[0].Lock.ByOther {
		t.Fatalf("bob should see alice's lock: %+v", view.Cards[0].Lock)
	}

	rr = env.do(t, http.MethodPut, "/api/cards/"+card.ID, bob.Token, map[string]any{"content": "hijack"})
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "STALE_WRITE" {
		t.Fatalf("bob save without lock: expected STALE_WRITE, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPut, "/api/cards/"+card.ID, alice.Token, map[string]any{"content": "Dark mode v2", "priority": "high"})
	if rr.Code != http.StatusOK {
		t.Fatalf("alice save: status %d body=%s", rr.Code, rr.Body.String())
	}
	var saved WriteResult
	decode(t, rr, &saved)
	if !saved.Applied || saved.Card.Content != "Dark mode v2" || saved.Card.Lock.Locked {
		t.Fatalf("save must apply and release: %+v", saved)
	}

	rr = env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", bob.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("bob lock after save: expected 200, got %d", rr.Code)
	}
}

func TestSaveAfterLockExpiredIsStale(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	bob := env.login(t, "Bob", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	if rr := env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", alice.Token, nil); rr.Code != http.StatusOK {
		t.Fatalf("alice lock: %d", rr.Code)
	}
	env.clock.Advance(60 * time.Second)
	if rr := env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", bob.Token, nil); rr.Code != http.StatusConflict {
		t.Fatalf("bob at 60s: expected 409, got %d", rr.Code)
	}
	env.clock.Advance(lock.DefaultTTL - 60*time.Second + time.Second)
	if rr := env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", bob.Token, nil); rr.Code != http.StatusOK {
		t.Fatalf("bob at 301s: expected 200, got %d", rr.Code)
	}
	env.clock.Advance(time.Second)
	rr := env.do(t, http.MethodPut, "/api/cards/"+card.ID, alice.Token, map[string]any{"content": "late"})
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "STALE_WRITE" {
		t.Fatalf("alice at 302s: expected STALE_WRITE, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestReleaseLockIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", alice.Token, nil)
	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodDelete, "/api/cards/"+card.ID+"/lock", alice.Token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("release %d: status %d", i, rr.Code)
		}
	}
	rr := env.do(t, http.MethodDelete, "/api/cards/missing/lock", alice.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("release on a missing card: status %d", rr.Code)
	}
}

func TestDeleteRespectsOtherUsersLock(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	bob := env.login(t, "Bob", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", alice.Token, nil)
	rr := env.do(t, http.MethodDelete, "/api/cards/"+card.ID, bob.Token, nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "LOCK_CONFLICT" {
		t.Fatalf("bob delete: expected LOCK_CONFLICT, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodDelete, "/api/cards/"+card.ID, alice.Token, nil)
	var res map[string]any
	decode(t, rr, &res)
	if rr.Code != http.StatusOK || res["deleted"] != true {
		t.Fatalf("alice delete: %d %v", rr.Code, res)
	}

	rr = env.do(t, http.MethodDelete, "/api/cards/"+card.ID, alice.Token, nil)
	decode(t, rr, &res)
	if rr.Code != http.StatusOK || res["deleted"] != false {
		t.Fatalf("second delete: %d %v", rr.Code, res)
	}
}

func TestMoveIgnoresLocksAndDeletedCards(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	bob := env.login(t, "Bob", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	env.do(t, http.MethodPost, "/api/cards/"+card.ID+"/lock", alice.Token, nil)
	rr := env.do(t, http.MethodPatch, "/api/cards/"+card.ID+"/position", bob.Token, map[string]any{"x": 400, "y": 20})
	if rr.Code != http.StatusOK {
		t.Fatalf("move under another user's lock: status %d body=%s", rr.Code, rr.Body.String())
	}
	var moved WriteResult
	decode(t, rr, &moved)
	if !moved.Applied || moved.Card.X != 400 || moved.Card.Quadrant != quadrant.Strategic {
		t.Fatalf("unexpected move result: %+v", moved)
	}

	rr = env.do(t, http.MethodPatch, "/api/cards/"+card.ID+"/collapse", bob.Token, map[string]any{"is_collapsed": true})
	decode(t, rr, &moved)
	if rr.Code != http.StatusOK || !moved.Card.IsCollapsed {
		t.Fatalf("collapse: %d %+v", rr.Code, moved)
	}

	rr = env.do(t, http.MethodPatch, "/api/cards/gone/position", bob.Token, map[string]any{"x": 1, "y": 1})
	var noop WriteResult
	decode(t, rr, &noop)
	if rr.Code != http.StatusOK || noop.Applied {
		t.Fatalf("moving a deleted card is a no-op: %d %+v", rr.Code, noop)
	}

	rr = env.do(t, http.MethodPatch, "/api/cards/"+card.ID+"/position", bob.Token, map[string]any{"x": 1})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing y: expected 422, got %d", rr.Code)
	}
}

func TestMoveRetriesOnceWhenStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	env.mem.FailNext(1)
	rr := env.do(t, http.MethodPatch, "/api/cards/"+card.ID+"/position", alice.Token, map[string]any{"x": 50, "y": 50})
	if rr.Code != http.StatusOK {
		t.Fatalf("one failure is retried: status %d body=%s", rr.Code, rr.Body.String())
	}

	env.mem.FailNext(2)
	rr = env.do(t, http.MethodPatch, "/api/cards/"+card.ID+"/position", alice.Token, map[string]any{"x": 60, "y": 60})
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "STORE_UNAVAILABLE" {
		t.Fatalf("two failures surface: got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMoveIsRateLimitedPerUser(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.MoveRate = 0.001
		c.MoveBurst = 1
	})
	alice := env.login(t, "Alice", "")
	bob := env.login(t, "Bob", "")
	projectID := env.project(t, alice.Token)
	card := env.card(t, alice.Token, projectID, 10, 10)

	path := "/api/cards/" + card.ID + "/position"
	if rr := env.do(t, http.MethodPatch, path, alice.Token, map[string]any{"x": 1, "y": 1}); rr.Code != http.StatusOK {
		t.Fatalf("first move: %d", rr.Code)
	}
	rr := env.do(t, http.MethodPatch, path, alice.Token, map[string]any{"x": 2, "y": 2})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second move: expected 429, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPatch, path, bob.Token, map[string]any{"x": 3, "y": 3}); rr.Code != http.StatusOK {
		t.Fatalf("bob has his own budget: %d", rr.Code)
	}
}

func TestSearchFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)
	env.card(t, alice.Token, projectID, 10, 10)

	rr := env.do(t, http.MethodGet, "/api/projects/"+projectID+"/search?q=dark", alice.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: status %d", rr.Code)
	}
	var res struct {
		Results []map[string]any `json:"results"`
		Source  string           `json:"source"`
	}
	decode(t, rr, &res)
	if res.Source != "store" || len(res.Results) != 1 {
		t.Fatalf("unexpected search response: %+v", res)
	}
}

func TestSnapshotWithoutArchiveReturnsBody(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "Alice", "")
	projectID := env.project(t, alice.Token)
	env.card(t, alice.Token, projectID, 400, 400)

	rr := env.do(t, http.MethodPost, "/api/projects/"+projectID+"/snapshots", alice.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshot: status %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"quadrant": "avoid"`) {
		t.Fatalf("snapshot should classify cards: %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/projects/"+projectID+"/snapshots", alice.Token, map[string]any{"format": "pdf"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unsupported format: expected 422, got %d", rr.Code)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("expected JSON 404, got %d %s", rr.Code, rr.Body.String())
	}
}
