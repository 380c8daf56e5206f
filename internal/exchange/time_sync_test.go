package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSync(t *testing.T) {
	// 服务器时间比本地快 5 秒
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/time", r.URL.Path)
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().Add(5*time.Second).UnixMilli())
	}))
	defer srv.Close()

	ts := NewTimeSync(srv.URL, srv.Client())
	require.NoError(t, ts.Sync(context.Background()))

	offset := ts.Offset()
	assert.InDelta(t, 5000, offset, 1000)
	assert.InDelta(t, time.Now().UnixMilli()+5000, ts.ServerTime(), 1000)
}

func TestTimeSyncServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ts := NewTimeSync(srv.URL, srv.Client())
	err := ts.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Zero(t, ts.Offset())
}
