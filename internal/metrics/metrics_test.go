package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveFetchIncrements(t *testing.T) {
	before := testutil.ToFloat64(feedFetchesTotal.WithLabelValues("gone"))
	ObserveFetch("gone")
	require.Equal(t, before+1, testutil.ToFloat64(feedFetchesTotal.WithLabelValues("gone")))
}

func TestObserveIngestSkipsZero(t *testing.T) {
	before := testutil.ToFloat64(itemsIngestedTotal.WithLabelValues("new"))
	ObserveIngest("new", 0)
	ObserveIngest("new", 3)
	require.Equal(t, before+3, testutil.ToFloat64(itemsIngestedTotal.WithLabelValues("new")))
}

func TestFetchInFlightGauge(t *testing.T) {
	before := testutil.ToFloat64(fetchesInFlight)
	FetchStarted()
	require.Equal(t, before+1, testutil.ToFloat64(fetchesInFlight))
	FetchDone()
	require.Equal(t, before, testutil.ToFloat64(fetchesInFlight))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveCycle(true, 10*time.Millisecond)
	ObserveStoreRetry("update feed")
	SetFailureScore(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "feedreader_refresh_cycles_total")
	require.Contains(t, body, "feedreader_store_retries_total")
	require.Contains(t, body, "feedreader_supervisor_failure_score 3")
}
