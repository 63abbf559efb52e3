package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesJobMetrics(t *testing.T) {
	JobsClaimed.WithLabelValues("transcode_post").Inc()
	JobsReaped.WithLabelValues("requeued").Inc()

	// a second call must not re-register
	_ = Handler()
	h := Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`media_jobs_claimed_total{type="transcode_post"}`,
		`media_jobs_reaped_total{outcome="requeued"}`,
		"media_jobs_inflight",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
