package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid != "req-abc" {
			t.Errorf("expected caller's request id, got %q", rid)
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := RequestID()(handler)(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "req-abc" {
		t.Errorf("response header = %q", got)
	}
}

func TestRecovery_TurnsPanicInto500(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("boom")
	}
	err := Recovery(zerolog.Nop())(handler)(c)

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500", err)
	}
}

func TestRecovery_RepanicsOnAbortHandler(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic(http.ErrAbortHandler)
	}

	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Error("aborted responses must stay aborted, not turn into 500s")
		}
	}()
	_ = Recovery(zerolog.Nop())(handler)(c)
	t.Fatal("expected the abort panic to propagate")
}

func TestLogger_QuietsHealthAndMetricsOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()

	do := func(path string, handler echo.HandlerFunc) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath(path)
		if err := Logger(logger)(handler)(c); err != nil {
			t.Fatal(err)
		}
	}

	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	do("/healthz", ok)
	do("/metrics", ok)
	if buf.Len() != 0 {
		t.Fatalf("successful health checks must not log, got %s", buf.String())
	}

	do("/api/v1/timeline/p1", ok)
	if !strings.Contains(buf.String(), `"path":"/api/v1/timeline/p1"`) {
		t.Errorf("timeline request missing from log: %s", buf.String())
	}
}

func TestLogger_LevelsByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "db down")
	}
	_ = Logger(logger)(handler)(c)

	line := buf.String()
	if !strings.Contains(line, `"level":"error"`) || !strings.Contains(line, `"status":503`) {
		t.Errorf("5xx must log at error level with the status it will send: %s", line)
	}
}

func TestLogger_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/timeline/p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}
	if err := Logger(zerolog.Nop())(handler)(c); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("handler not called")
	}
}
