package inventory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	c, _ := newCatalog(t)
	r := gin.New()
	g := r.Group("/api/v2")
	RegisterRoutes(g, g, c)
	return r
}

func call(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateThenAvailability(t *testing.T) {
	r := newRouter(t)

	w := call(r, http.MethodPost, "/api/v2/items", `{"item_id":"CAM-01","name":"Camera","total_quantity":4}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/items/CAM-01", w.Header().Get("Location"))

	w = call(r, http.MethodGet, "/api/v2/items/CAM-01/availability", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, StatusResponse{ItemID: "CAM-01", Total: 4, Available: 4, Status: "active"}, st)

	w = call(r, http.MethodPatch, "/api/v2/items/CAM-01", `{"status":"maintenance"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"maintenance"`)
}

func TestHandler_Errors(t *testing.T) {
	r := newRouter(t)

	w := call(r, http.MethodGet, "/api/v2/items/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"NOT_FOUND"`)

	w = call(r, http.MethodPost, "/api/v2/items", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodGet, "/api/v2/items?status=stolen", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodGet, "/api/v2/items?status=active", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[],"total":0}`, w.Body.String())
}
