package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRejection(t *testing.T) {
	before := testutil.ToFloat64(Rejections.WithLabelValues("cooldown"))
	RecordRejection("cooldown")
	RecordRejection("cooldown")
	assert.Equal(t, before+2, testutil.ToFloat64(Rejections.WithLabelValues("cooldown")))
}

func TestUpdatePoolMetrics(t *testing.T) {
	UpdatePoolMetrics(3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(FreeUnits))
	assert.Equal(t, 1.0, testutil.ToFloat64(ActivePositions))
}

func TestRecordExitClearsPositionGauge(t *testing.T) {
	PositionProfit.WithLabelValues("ETHUSDT").Set(1.25)
	assert.Equal(t, 1, testutil.CollectAndCount(PositionProfit))

	before := testutil.ToFloat64(Exits.WithLabelValues("good_profit"))
	RecordExit("ETHUSDT", "good_profit")
	assert.Equal(t, before+1, testutil.ToFloat64(Exits.WithLabelValues("good_profit")))
	assert.Equal(t, 0, testutil.CollectAndCount(PositionProfit))
}

func TestConcurrentMetricsUpdate(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				TickerUpdates.Inc()
				RecordError("test", fmt.Sprintf("SYM%d", id))
				UpdatePoolMetrics(id, 10-id)
			}
		}(i)
	}
	wg.Wait()
}

func TestMetricsServerStart(t *testing.T) {
	port, err := StartMetricsServer(0)
	require.NoError(t, err)
	require.NotZero(t, port)

	CandidatesEmitted.Inc()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "hunter_candidates_emitted_total"))
}
