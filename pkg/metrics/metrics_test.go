package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var testGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "marketwatch_metrics_test_gauge",
	Help: "Gauge registered by the metrics tests",
})

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Error("Registry should not be nil")
	}

	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}

	if Gatherer != prometheus.DefaultGatherer {
		t.Error("Gatherer should be the default Prometheus gatherer")
	}
}

func TestHandler(t *testing.T) {
	testGauge.Set(42)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "marketwatch_metrics_test_gauge 42") {
		t.Errorf("exposition missing test gauge:\n%s", body)
	}
}

func TestRegistered(t *testing.T) {
	got, err := Registered("marketwatch_metrics_test_gauge", "marketwatch_does_not_exist")
	if err != nil {
		t.Fatalf("Registered() error = %v", err)
	}
	if !got["marketwatch_metrics_test_gauge"] {
		t.Error("test gauge not reported as registered")
	}
	if got["marketwatch_does_not_exist"] {
		t.Error("unknown metric reported as registered")
	}
}
