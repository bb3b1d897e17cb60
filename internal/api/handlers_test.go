package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBareServer wires a server with no backends; only handler paths
// that fail before touching a dependency are exercised here.
func newBareServer() *Server {
	gin.SetMode(gin.TestMode)
	return NewServer(Config{Host: "127.0.0.1", Port: 0})
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestHandleRoot(t *testing.T) {
	resp := doRequest(t, newBareServer(), http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "coinpilot")
}

func TestCreateBot_RejectsMissingFields(t *testing.T) {
	resp := doRequest(t, newBareServer(), http.MethodPost, "/api/v1/bots",
		`{"name": "b1"}`)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateBot_RejectsOverweightSignals(t *testing.T) {
	resp := doRequest(t, newBareServer(), http.MethodPost, "/api/v1/bots", `{
		"name": "b1",
		"pair": "BTC-USD",
		"position_size_usd": 10,
		"signals": {
			"RSI": {"enabled": true, "weight": 0.7},
			"MA": {"enabled": true, "weight": 0.7}
		}
	}`)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "weights")
}

func TestCreateBot_RejectsMalformedJSON(t *testing.T) {
	resp := doRequest(t, newBareServer(), http.MethodPost, "/api/v1/bots", `{not json`)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestBotEndpoints_RejectInvalidID(t *testing.T) {
	s := newBareServer()

	for _, path := range []string{
		"/api/v1/bots/not-a-uuid",
		"/api/v1/bots/not-a-uuid/status",
		"/api/v1/bots/not-a-uuid/history",
	} {
		resp := doRequest(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, resp.Code, path)
	}

	resp := doRequest(t, s, http.MethodPost, "/api/v1/bots/not-a-uuid/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestImportBots_RejectsBadSchema(t *testing.T) {
	resp := doRequest(t, newBareServer(), http.MethodPost, "/api/v1/bots/import",
		"schema_version: \"9.0.0\"\nbots: []\n")

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "unsupported schema_version")
}

func TestValidatePortfolio_RequiresDeposits(t *testing.T) {
	resp := doRequest(t, newBareServer(), http.MethodGet, "/api/v1/portfolio/validate", "")

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "known_deposits_usd")
}
