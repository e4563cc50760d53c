package returns

import (
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

	"IRIS-lending/internal/asset_mgmt/borrows"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/auth"
	"IRIS-lending/internal/platform/ratelimit"
)

var secret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(f *fixture, statusMW ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	pub := r.Group("/api/v2")
	admin := pub.Group("", auth.RequireAuth(secret), auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))
	RegisterRoutes(pub, admin, f.wf, NewPoller(f.store, 10, time.Second), statusMW...)
	return r
}

func call(r http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.Sign(secret, "admin-7", auth.RoleAdmin, nil)
	require.NoError(t, err)
	return tok
}

func TestHandler_ReturnFlow(t *testing.T) {
	f := newFixture(t)
	f.item(t, "X", 2)
	bt := f.borrow(t, borrows.LineRequest{ItemID: "X", Quantity: 2})
	r := newRouter(f)

	// empty body selects every line
	w := call(r, http.MethodPost, "/api/v2/borrows/"+bt.TransactionID+"/returns", "", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sub SubmitReturnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	require.Len(t, sub.VerificationIDs, 1)

	w = call(r, http.MethodPost, "/api/v2/borrows/"+bt.TransactionID+"/returns", `{}`, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), string(apierr.CodeVerificationAlreadyPending))

	w = call(r, http.MethodGet, "/api/v2/verifications/pending", "", adminToken(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sub.VerificationIDs[0])

	path := "/api/v2/verifications/" + sub.VerificationIDs[0] + "/resolve"
	w = call(r, http.MethodPost, path, `{"outcome":"verified"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(r, http.MethodPost, path, `{"outcome":"verified","condition_notes":"fine"}`, adminToken(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res ResolveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "returned", res.TransactionStatus)
	assert.Equal(t, "admin-7", res.Verification.ResolvedBy)

	w = call(r, http.MethodGet, "/api/v2/verifications/status?ids="+sub.VerificationIDs[0], "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"all_verified":true`)

	w = call(r, http.MethodGet, "/api/v2/borrows/"+bt.TransactionID+"/verifications", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"verified"`)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f)

	w := call(r, http.MethodPost, "/api/v2/borrows/nope/returns", `{"line_item_ids":`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPost, "/api/v2/borrows/nope/returns", `{}`, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodPost, "/api/v2/verifications/v1/resolve", `{"outcome":"lost"}`, adminToken(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodGet, "/api/v2/verifications/status", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_StatusRateLimited(t *testing.T) {
	f := newFixture(t)
	lim := ratelimit.New(0.001, 1)
	r := newRouter(f, lim.Middleware(nil))

	w := call(r, http.MethodGet, "/api/v2/verifications/status?ids=a", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = call(r, http.MethodGet, "/api/v2/verifications/status?ids=a", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestClient_AgainstServer(t *testing.T) {
	f := newFixture(t)
	f.item(t, "X", 1)
	bt := f.borrow(t, borrows.LineRequest{ItemID: "X", Quantity: 1})
	ctx := context.Background()
	sub, err := f.wf.SubmitReturn(ctx, bt.TransactionID, SubmitReturnRequest{})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(f))
	defer srv.Close()
	c := NewClient(srv.URL+"/api/v2/", 2*time.Second)

	res, err := c.CheckStatus(ctx, sub.VerificationIDs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PendingCount)
	assert.False(t, res.Terminal)

	_, err = c.CheckStatus(ctx, []string{"ghost"})
	assert.True(t, apierr.Is(err, apierr.CodeNotFound))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = f.wf.Resolve(ctx, sub.VerificationIDs[0], ResolveRequest{Outcome: "verified"}, "admin")
	}()
	res, err = PollUntilTerminal(ctx, c, sub.VerificationIDs, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.AllVerified)
}
