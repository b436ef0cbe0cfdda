package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddleware_UsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(HTTPMiddleware)
	router.HandleFunc("/license/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}).Methods("POST")

	counter := RequestsTotal.WithLabelValues("POST", "/license/{kind}", "202")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/license/verify", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, float64(0), testutil.ToFloat64(ActiveConnections))
}

func TestRecorders(t *testing.T) {
	hits := CacheLookupsTotal.WithLabelValues("memo", "hit")
	before := testutil.ToFloat64(hits)
	RecordCacheLookup("memo", true)
	assert.Equal(t, before+1, testutil.ToFloat64(hits))

	valid := ValidationsTotal.WithLabelValues("grace", "true")
	before = testutil.ToFloat64(valid)
	RecordValidation("grace", true)
	assert.Equal(t, before+1, testutil.ToFloat64(valid))

	SetGraceRemaining("seo-pro", -time.Minute)
	assert.Equal(t, float64(0), testutil.ToFloat64(GraceRemainingSeconds.WithLabelValues("seo-pro")))
	SetGraceRemaining("seo-pro", 90*time.Second)
	assert.Equal(t, float64(90), testutil.ToFloat64(GraceRemainingSeconds.WithLabelValues("seo-pro")))

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	SetHeartbeatLastRun(at)
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(HeartbeatLastRun))
}

func TestServerEndpoints(t *testing.T) {
	srv := NewServer(&Config{BindAddress: "127.0.0.1:0"})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var info map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "plugin-license-manager", info["service"])

	RecordTokenIssued()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plm_tokens_issued_total")
}
