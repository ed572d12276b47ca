package health

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/chatstream-gateway/internal/testutil"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckAllHealthy(t *testing.T) {
	c := New(Config{MaxLatency: 1 << 62})
	c.Register("store", "database", true, DatabaseCheck(pinger{}))
	c.Register("circuit", "circuit", false, func(context.Context) (Status, string, error) {
		return StatusHealthy, "closed", nil
	})

	status := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	require.Len(t, status.Components, 2)
	assert.Equal(t, "circuit", status.Components[0].Name)
	assert.Equal(t, http.StatusOK, status.HTTPStatus())
}

func TestCheckCriticalFailureIsUnhealthy(t *testing.T) {
	c := New(Config{})
	c.Register("store", "database", true, DatabaseCheck(pinger{err: errors.New("disk gone")}))

	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "disk gone", status.Components[0].Error)
	assert.Equal(t, http.StatusServiceUnavailable, status.HTTPStatus())
	assert.Equal(t, StatusUnhealthy, c.GetLastStatus().Status)
}

func TestCheckNonCriticalDegrades(t *testing.T) {
	c := New(Config{})
	c.Register("circuit", "circuit", false, func(context.Context) (Status, string, error) {
		return StatusDegraded, "open", nil
	})
	c.Register("upstream", "http", false, func(context.Context) (Status, string, error) {
		return "", "", errors.New("refused")
	})

	status := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
}

func TestHTTPCheckReachable(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	status, msg, err := HTTPCheck(nil, srv.URL)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
	assert.Contains(t, msg, "404")
}

func TestGetLastStatusBeforeCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, New(Config{}).GetLastStatus().Status)
}
