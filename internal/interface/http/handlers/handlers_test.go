package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/soulpet/companion-hub/pkg/circuitbreaker"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type backlog int

func (b backlog) Len() int { return int(b) }

func TestCompositeHealthChecker(t *testing.T) {
	c := NewCompositeHealthChecker("test")
	c.AddCheck("store", NewPingCheck(pinger{}))
	c.AddReadinessCheck("outbox", NewBacklogCheck(backlog(3), 10))

	status := c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, "All checks passed", status.Message)

	c.AddReadinessCheck("outbox", NewBacklogCheck(backlog(30), 10))
	status = c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.False(t, status.Ready)
	assert.Contains(t, status.Checks["outbox"].Message, "30 writes pending")

	c.AddCheck("store", NewPingCheck(pinger{err: errors.New("connection refused")}))
	status = c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "Some checks failed: outbox, store", status.Message)

	c.RemoveCheck("store")
	c.RemoveCheck("outbox")
	assert.Equal(t, "No health checks registered", c.Check(context.Background()).Message)
}

func TestFreshnessCheck(t *testing.T) {
	var at time.Time
	check := NewFreshnessCheck(func() (time.Time, string) { return at, "timeout" }, time.Minute)

	assert.NoError(t, check(context.Background()))

	at = time.Now().Add(-10 * time.Second)
	assert.ErrorContains(t, check(context.Background()), "timeout")

	at = time.Now().Add(-2 * time.Minute)
	assert.NoError(t, check(context.Background()))
}

func TestBreakerCheck(t *testing.T) {
	cb := circuitbreaker.New("remote-store", circuitbreaker.WithFailureThreshold(1), circuitbreaker.WithTimeout(time.Hour))
	check := NewBreakerCheck(cb.Snapshot)
	require.NoError(t, check(context.Background()))

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	err := check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote-store breaker open")
	assert.Contains(t, err.Error(), "after 1 failures")
}

func TestAPIKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	auth, err := NewAPIKeyAuth("", []string{string(hash)})
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "X-API-Key", "nope", http.StatusUnauthorized},
		{"header", "X-API-Key", "s3cret", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	assert.True(t, auth.IsValid("s3cret"))
	assert.False(t, auth.IsValid(""))
}

func TestNewAPIKeyAuth_Rejects(t *testing.T) {
	_, err := NewAPIKeyAuth("X-API-Key", nil)
	assert.ErrorIs(t, err, ErrNoAPIKeyHashes)

	_, err = NewAPIKeyAuth("X-API-Key", []string{"not-a-hash"})
	assert.Error(t, err)
}
