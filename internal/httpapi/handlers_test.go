package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"pathwell.org/internal/auth"
	"pathwell.org/internal/engine"
	"pathwell.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("PATHWELL_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	eng, err := engine.New(engine.NewInMemory())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	api := New(ReadyProbe{}, "test", eng, stream.New())
	api.rateBurst = 200
	api.ratePerSec = 200

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := c.client.Get(u.String())
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(caller string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"caller": caller,
		"roles":  roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	return payload.Token
}

func authz(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	info := decodeBody[map[string]any](t, c.get("/v1/info", nil))
	if info["name"] != "pathwell-engine" {
		t.Fatalf("unexpected service name: %v", info["name"])
	}
}

func TestRecordActionRequiresAuth(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/actions", map[string]any{
		"user_id":     "u1",
		"action_type": "task_completed",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = c.post("/v1/actions", nil, authz("not-a-token"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestRecordActionFlow(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("tasks", []string{"service"})

	resp := c.post("/v1/actions", map[string]any{
		"user_id":     "u1",
		"action_type": "task_completed",
	}, authz(token))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("record action status = %d", resp.StatusCode)
	}
	res := decodeBody[engine.ActionResult](t, resp)
	if res.PointsAwarded != 10 {
		t.Fatalf("points = %d, want 10", res.PointsAwarded)
	}
	if res.Replayed {
		t.Fatal("first submission must not be a replay")
	}

	card := decodeBody[engine.ScoreCard](t, c.get("/v1/users/u1/progress", nil))
	if card.TotalPoints != 10 || card.Level != 1 {
		t.Fatalf("card = %+v", card)
	}

	streaks := decodeBody[struct {
		Items []engine.StreakRecord `json:"items"`
	}](t, c.get("/v1/users/u1/streaks", nil))
	if len(streaks.Items) != 1 || streaks.Items[0].Current != 1 {
		t.Fatalf("streaks = %+v", streaks.Items)
	}
}

func TestRecordActionIdempotencyKeyReplay(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("tasks", []string{"service"})

	body := map[string]any{"user_id": "u1", "action_type": "task_completed"}
	headers := authz(token)
	headers["Idempotency-Key"] = "key-1"

	first := c.post("/v1/actions", body, headers)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	firstRes := decodeBody[engine.ActionResult](t, first)

	second := c.post("/v1/actions", body, headers)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", second.StatusCode)
	}
	secondRes := decodeBody[engine.ActionResult](t, second)
	if !secondRes.Replayed {
		t.Fatal("expected replayed result")
	}
	if secondRes.Event.ID != firstRes.Event.ID {
		t.Fatalf("replay returned a different event: %s vs %s", secondRes.Event.ID, firstRes.Event.ID)
	}

	card := decodeBody[engine.ScoreCard](t, c.get("/v1/users/u1/progress", nil))
	if card.TotalPoints != 10 {
		t.Fatalf("replay credited points twice: total = %d", card.TotalPoints)
	}
}

func TestRecordActionValidation(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("tasks", []string{"service"})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing user", map[string]any{"action_type": "task_completed"}},
		{"missing action type", map[string]any{"user_id": "u1"}},
		{"unknown action type", map[string]any{"user_id": "u1", "action_type": "bogus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.post("/v1/actions", tc.body, authz(token))
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	headers := authz(token)
	headers["Idempotency-Key"] = "header-key"
	resp := c.post("/v1/actions", map[string]any{
		"user_id":         "u1",
		"action_type":     "task_completed",
		"idempotency_key": "body-key",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched keys: status = %d, want 400", resp.StatusCode)
	}
}

func TestClaimAchievementOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("tasks", []string{"service"})

	resp := c.post("/v1/actions", map[string]any{
		"user_id":     "u1",
		"action_type": "symptom_logged",
	}, authz(token))
	resp.Body.Close()

	claim := c.post("/v1/users/u1/achievements/first_log/claim", nil, authz(token))
	if claim.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d", claim.StatusCode)
	}
	res := decodeBody[engine.ClaimResult](t, claim)
	if res.AlreadyClaimed || res.PointsAwarded != 10 {
		t.Fatalf("claim result = %+v", res)
	}

	replay := c.post("/v1/users/u1/achievements/first_log/claim", nil, authz(token))
	if replay.StatusCode != http.StatusOK {
		t.Fatalf("claim replay status = %d", replay.StatusCode)
	}
	replayRes := decodeBody[engine.ClaimResult](t, replay)
	if !replayRes.AlreadyClaimed || replayRes.PointsAwarded != 0 {
		t.Fatalf("claim replay result = %+v", replayRes)
	}

	unearned := c.post("/v1/users/u1/achievements/pathfinder/claim", nil, authz(token))
	defer unearned.Body.Close()
	if unearned.StatusCode != http.StatusConflict {
		t.Fatalf("unearned claim status = %d, want 409", unearned.StatusCode)
	}

	unknown := c.post("/v1/users/u1/achievements/no_such_badge/claim", nil, authz(token))
	defer unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown achievement status = %d, want 404", unknown.StatusCode)
	}
}

func TestAchievementsEndpointIncludesUnstarted(t *testing.T) {
	c := newTestAPI(t)

	payload := decodeBody[struct {
		Items []engine.AchievementStatus `json:"items"`
	}](t, c.get("/v1/users/fresh/achievements", nil))
	if len(payload.Items) == 0 {
		t.Fatal("expected the full definition set for a fresh user")
	}
	for _, st := range payload.Items {
		if st.Earned || st.Claimed {
			t.Fatalf("fresh user must not have earned anything: %+v", st)
		}
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("tasks", []string{"service"})

	for _, user := range []string{"u1", "u2"} {
		resp := c.post("/v1/actions", map[string]any{
			"user_id":     user,
			"action_type": "helpful_reply",
		}, authz(token))
		resp.Body.Close()
	}

	payload := decodeBody[leaderboardResponse](t, c.get("/v1/leaderboard", url.Values{"window": {"week"}, "limit": {"10"}}))
	if payload.Window != engine.WindowWeek {
		t.Fatalf("window = %q", payload.Window)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(payload.Items))
	}

	bad := c.get("/v1/leaderboard", url.Values{"window": {"decade"}})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad window status = %d", bad.StatusCode)
	}

	bad = c.get("/v1/leaderboard", url.Values{"limit": {"0"}})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", bad.StatusCode)
	}
}

func TestDefinitionsEndpoint(t *testing.T) {
	c := newTestAPI(t)

	payload := decodeBody[struct {
		Items []engine.AchievementDefinition `json:"items"`
	}](t, c.get("/v1/achievements", nil))
	if len(payload.Items) == 0 {
		t.Fatal("expected a non-empty achievement catalog")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/token", map[string]any{"roles": []string{"service"}}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing caller status = %d", resp.StatusCode)
	}

	resp = c.post("/v1/auth/token", map[string]any{"caller": "tasks"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing roles status = %d", resp.StatusCode)
	}
}

func TestUnknownRoutes(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/users/u1/unknown", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp = c.get("/nope", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("root fallback status = %d, want 404", resp.StatusCode)
	}
}
