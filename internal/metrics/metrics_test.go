package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAutosaveCycle_Counts(t *testing.T) {
	before := testutil.ToFloat64(autosaveCycles.WithLabelValues("pushed"))
	AutosaveCycle("pushed", 20*time.Millisecond)
	AutosaveCycle("pushed", 0)
	assert.Equal(t, before+2, testutil.ToFloat64(autosaveCycles.WithLabelValues("pushed")))
}

func TestAttachAndHydration_Count(t *testing.T) {
	beforeA := testutil.ToFloat64(attachAttempts.WithLabelValues("attached"))
	beforeH := testutil.ToFloat64(hydrations.WithLabelValues("profile"))

	Attach("attached")
	Hydration("profile")

	assert.Equal(t, beforeA+1, testutil.ToFloat64(attachAttempts.WithLabelValues("attached")))
	assert.Equal(t, beforeH+1, testutil.ToFloat64(hydrations.WithLabelValues("profile")))
}

func TestMiddleware_CountsByRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/things/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(Handler()))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("/v1/things/:id", "GET", "204"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("/v1/things/:id", "GET", "204")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "questflow_http_requests_total"))
}
