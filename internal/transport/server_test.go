package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Mryrghb/todosWithLesan/internal/docstore/memory"
	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/todo"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	log := logger.NewNoopLogger()
	app, err := todo.New(memory.New(), todo.Options{JWTSecret: "test-secret"}, log)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	return New(Options{
		Actions:      app.Actions,
		Instrumenter: instrument.NewRecorder(reg, log),
		Gatherer:     reg,
		Log:          log,
	})
}

type response struct {
	Data  json.RawMessage  `json:"data"`
	Error *engine.AppError `json:"error"`
}

func post(t *testing.T, app *fiber.App, path, token, body string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func TestActionsOverHTTP(t *testing.T) {
	app := newTestApp(t)

	status, res := post(t, app, "/api/user/addUser", "",
		`{"set": {"fullName": "Ada", "email": "ada@example.com", "password": "secret1", "level": "admin"}, "get": {"level": 1}}`)
	require.Equal(t, http.StatusOK, status)
	var user map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &user))
	require.Equal(t, "normal", user["level"])

	status, res = post(t, app, "/api/user/login", "", `{"set": {"email": "ada@example.com", "password": "secret1"}}`)
	require.Equal(t, http.StatusOK, status)
	var tok struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &tok))
	require.NotEmpty(t, tok.AccessToken)

	status, res = post(t, app, "/api/category/addCategory", "", `{"set": {"name": "Work"}}`)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, engine.CodeUnauthenticated, res.Error.Code)

	status, res = post(t, app, "/api/category/addCategory", tok.AccessToken, `{"set": {"name": "Work"}, "get": {"name": 1}}`)
	require.Equal(t, http.StatusOK, status)
	var cat map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &cat))
	require.Equal(t, "Work", cat["name"])

	status, res = post(t, app, "/api/todo/addTodo", tok.AccessToken, `{"set": {"title": 5}}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, engine.CodeValidationFailed, res.Error.Code)
	require.NotEmpty(t, res.Error.Details)
}

func TestRequestErrors(t *testing.T) {
	app := newTestApp(t)

	status, res := post(t, app, "/api/todo/fly", "", `{}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, engine.CodeUnknownAction, res.Error.Code)

	status, res = post(t, app, "/api/todo/getAllTodos", "", `{"set": `)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_PAYLOAD", res.Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptestRequest(t, "/health"), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(traceHeader))

	post(t, app, "/api/todo/getAllTodos", "", `{"set": {}}`)

	resp, err = app.Test(httptestRequest(t, "/metrics"), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `todos_spans_total{action="getAllTodos",component="todo",source="action",status="ok"} 1`)
}

func httptestRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	return req
}
