package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"mailadmin/backend/internal/storage/memory"
)

type pinger struct {
	err error
}

func (p pinger) Ping(context.Context) error { return p.err }

func TestChecker(t *testing.T) {
	c := NewChecker(memory.NewStore(), nil)
	c.AddLiveness("redis", PingCheck(pinger{}))

	results := c.CheckHealth()
	assert.Equal(t, "OK", results["database"])
	assert.Equal(t, "OK", results["redis"])
	assert.NotEmpty(t, results["timestamp"])

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("失败的检查", func(t *testing.T) {
		c.AddReadiness("postgres", PingCheck(pinger{err: errors.New("connection refused")}))

		results := c.CheckHealth()
		assert.Equal(t, "ERROR: connection refused", results["postgres"])

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
