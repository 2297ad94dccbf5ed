package discordbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	testFeedSecret = "feed-secret"
	testAPISecret  = "api-secret"
)

type testAPIOptions struct {
	feedSecret        string
	apiSecret         string
	requestsPerSecond float64
	burst             int
	reconciler        commissionReconciler
	bindings          BindingStore
}

func newTestAPI(t testing.TB, opts testAPIOptions) (*API, *database) {
	t.Helper()
	db := setupTestDB(t)

	reconciler := opts.reconciler
	if reconciler == nil {
		reconciler = &fakeReconciler{outcome: OutcomeAnnounced}
	}
	bindings := opts.bindings
	if bindings == nil {
		bindings = newDBBindingStore(db)
	}

	apiConfig := DefaultConfig().API
	apiConfig.Listen = "127.0.0.1:0"
	apiConfig.Secret = opts.apiSecret

	api, err := newAPI(
		apiConfig,
		&FeedConfig{
			Secret:            opts.feedSecret,
			RequestsPerSecond: opts.requestsPerSecond,
			Burst:             opts.burst,
		},
		false,
		&APIHandlers{
			feed:       newCommissionFeed(reconciler, db, testLogger(t)),
			db:         db,
			bindings:   bindings,
			connected:  func() bool { return true },
			feedSecret: opts.feedSecret,
		},
		testLogger(t),
	)
	require.NoError(t, err)
	return api, db
}

func doRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	body []byte,
	headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func feedHeaders() map[string]string {
	return map[string]string{xFeedSecretHeader: testFeedSecret}
}

func bearer(t testing.TB, secret string) map[string]string {
	t.Helper()
	token, err := GenerateAPIToken(secret, "tester", time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func commissionJSON(t testing.TB, c Commission) []byte {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return data
}

func TestAPI_HealthCheck(t *testing.T) {
	api, _ := newTestAPI(t, testAPIOptions{})

	w := doRequest(t, api, http.MethodGet, apiHealthCheck, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DiscordGatewayConnected)
}

func TestAPI_FeedWebhook(t *testing.T) {
	reconciler := &fakeReconciler{outcome: OutcomeAnnounced}
	api, db := newTestAPI(
		t,
		testAPIOptions{feedSecret: testFeedSecret, reconciler: reconciler},
	)
	c := testCommission("-Mwebhook")

	w := doRequest(
		t,
		api,
		http.MethodPost,
		"/feed/commissions/created",
		commissionJSON(t, c),
		feedHeaders(),
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp commissionEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OutcomeAnnounced, resp.Outcome)
	assert.Empty(t, resp.Error)

	assert.Equal(
		t,
		[]reconcilerCall{{event: CommissionEventCreated, key: c.Key}},
		reconciler.recorded(),
	)

	events, err := db.CommissionEvents(context.Background(), c.Key, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, feedSourceWebhook, events[0].Source)
}

func TestAPI_FeedWebhook_Rejected(t *testing.T) {
	reconciler := &fakeReconciler{outcome: OutcomeAnnounced}
	api, _ := newTestAPI(
		t,
		testAPIOptions{feedSecret: testFeedSecret, reconciler: reconciler},
	)
	body := commissionJSON(t, testCommission("k"))

	tests := []struct {
		name    string
		path    string
		body    []byte
		headers map[string]string
		status  int
	}{
		{
			name:   "no secret",
			path:   "/feed/commissions/created",
			body:   body,
			status: http.StatusUnauthorized,
		},
		{
			name:    "wrong secret",
			path:    "/feed/commissions/created",
			body:    body,
			headers: map[string]string{xFeedSecretHeader: "nope"},
			status:  http.StatusUnauthorized,
		},
		{
			name:    "unknown event",
			path:    "/feed/commissions/exploded",
			body:    body,
			headers: feedHeaders(),
			status:  http.StatusBadRequest,
		},
		{
			name:    "invalid json",
			path:    "/feed/commissions/created",
			body:    []byte(`{"$key":`),
			headers: feedHeaders(),
			status:  http.StatusBadRequest,
		},
		{
			name:    "missing key",
			path:    "/feed/commissions/updated",
			body:    []byte(`{"totalItems": 3}`),
			headers: feedHeaders(),
			status:  http.StatusBadRequest,
		},
		{
			name: "too large",
			path: "/feed/commissions/created",
			body: []byte(
				fmt.Sprintf(
					`{"$key": "k", "description": %q}`,
					strings.Repeat("x", maxFeedRequestBodyBytes),
				),
			),
			headers: feedHeaders(),
			status:  http.StatusRequestEntityTooLarge,
		},
	}

	for _, tc := range tests {
		w := doRequest(t, api, http.MethodPost, tc.path, tc.body, tc.headers)
		assert.Equal(t, tc.status, w.Code, "%s: %s", tc.name, w.Body.String())

		var resp httpError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), tc.name)
		assert.NotEmpty(t, resp.Error, tc.name)
	}
	assert.Empty(t, reconciler.recorded())
}

func TestAPI_FeedWebhook_ReconcileError(t *testing.T) {
	reconciler := &fakeReconciler{outcome: OutcomeFailed, err: errMockDiscord}
	api, _ := newTestAPI(
		t,
		testAPIOptions{feedSecret: testFeedSecret, reconciler: reconciler},
	)

	w := doRequest(
		t,
		api,
		http.MethodPost,
		"/feed/commissions/deleted",
		commissionJSON(t, testCommission("k")),
		feedHeaders(),
	)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp commissionEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OutcomeFailed, resp.Outcome)
	assert.Contains(t, resp.Error, errMockDiscord.Error())
}

func TestAPI_FeedWebhook_RateLimited(t *testing.T) {
	api, _ := newTestAPI(
		t,
		testAPIOptions{feedSecret: testFeedSecret, requestsPerSecond: 0.001, burst: 1},
	)
	body := commissionJSON(t, testCommission("k"))

	w := doRequest(t, api, http.MethodPost, "/feed/commissions/created", body, feedHeaders())
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, api, http.MethodPost, "/feed/commissions/created", body, feedHeaders())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_FeedWebhook_Disabled(t *testing.T) {
	api, _ := newTestAPI(t, testAPIOptions{})

	w := doRequest(
		t,
		api,
		http.MethodPost,
		"/feed/commissions/created",
		commissionJSON(t, testCommission("k")),
		nil,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestAPI_FeedWebhook_Reconciles runs webhook events through a real
// CommissionSub
func TestAPI_FeedWebhook_Reconciles(t *testing.T) {
	db := setupTestDB(t)
	session := newMockDiscordSession(t)
	bindings := newDBBindingStore(db)
	sub := NewCommissionSub(
		session,
		bindings,
		testItemCatalog(),
		testCommissionConfig(),
		testLogger(t),
	)
	api, _ := newTestAPI(
		t,
		testAPIOptions{
			feedSecret: testFeedSecret,
			apiSecret:  testAPISecret,
			reconciler: sub,
			bindings:   bindings,
		},
	)
	c := testCommission("-Mfull")

	post := func(event string, c Commission) commissionEventResponse {
		t.Helper()
		w := doRequest(
			t,
			api,
			http.MethodPost,
			"/feed/commissions/"+event,
			commissionJSON(t, c),
			feedHeaders(),
		)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp commissionEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	assert.Equal(t, OutcomeAnnounced, post("created", c).Outcome)
	assert.Equal(t, OutcomeNoop, post("created", c).Outcome)
	assert.Equal(t, OutcomeEdited, post("updated", c).Outcome)

	w := doRequest(
		t,
		api,
		http.MethodGet,
		apiPrefix+apiPathBindings,
		nil,
		bearer(t, testAPISecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []MessageBinding
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, c.Key, listed[0].CommissionKey)

	c.Status = CommissionStarted
	assert.Equal(t, OutcomeRetired, post("updated", c).Outcome)
	assert.Equal(t, OutcomeNoop, post("deleted", c).Outcome)

	assert.Len(t, session.sentMessages(), 1)
	requireNoBinding(t, bindings, c.Key)
}

func TestAPI_Admin(t *testing.T) {
	api, db := newTestAPI(t, testAPIOptions{apiSecret: testAPISecret})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		db.RecordCommissionEvent(
			ctx,
			&CommissionEvent{
				Event:         CommissionEventCreated,
				Source:        feedSourceWebhook,
				CommissionKey: fmt.Sprintf("key_%d", i%2),
				Outcome:       OutcomeAnnounced,
			},
		)
	}

	w := doRequest(
		t,
		api,
		http.MethodGet,
		apiPrefix+apiPathCommissionEvents+"?key=key_0",
		nil,
		bearer(t, testAPISecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var events []CommissionEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	w = doRequest(
		t,
		api,
		http.MethodGet,
		apiPrefix+apiPathCommissionEvents+"?limit=1",
		nil,
		bearer(t, testAPISecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 1)

	for _, limit := range []string{"0", "-1", "abc", "1001"} {
		w = doRequest(
			t,
			api,
			http.MethodGet,
			apiPrefix+apiPathCommissionEvents+"?limit="+limit,
			nil,
			bearer(t, testAPISecret),
		)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestAPI_Admin_Unauthorized(t *testing.T) {
	api, _ := newTestAPI(t, testAPIOptions{apiSecret: testAPISecret})

	for name, headers := range map[string]map[string]string{
		"no header":    nil,
		"not bearer":   {"Authorization": "Basic dXNlcjpwYXNz"},
		"empty bearer": {"Authorization": "Bearer "},
		"wrong secret": bearer(t, "some-other-secret"),
		"garbage":      {"Authorization": "Bearer not.a.jwt"},
	} {
		w := doRequest(t, api, http.MethodGet, apiPrefix+apiPathBindings, nil, headers)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestAPI_Admin_Disabled(t *testing.T) {
	api, _ := newTestAPI(t, testAPIOptions{})

	w := doRequest(
		t,
		api,
		http.MethodGet,
		apiPrefix+apiPathBindings,
		nil,
		bearer(t, testAPISecret),
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Admin_BindingsNotListable(t *testing.T) {
	api, _ := newTestAPI(
		t,
		testAPIOptions{apiSecret: testAPISecret, bindings: newTestSKVStore(t)},
	)

	w := doRequest(
		t,
		api,
		http.MethodGet,
		apiPrefix+apiPathBindings,
		nil,
		bearer(t, testAPISecret),
	)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
