package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cellarsight/internal/storage"
	"cellarsight/pkg/logx"
)

type stubHealth struct {
	h storage.Health
}

func (s *stubHealth) Health() storage.Health { return s.h }

type stubJobs struct {
	jobs []string
}

func (s *stubJobs) Running() []string { return append([]string(nil), s.jobs...) }

func startTestService(t *testing.T, cfg Config, store StorageHealth, jobs JobLister) *Service {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Enabled = true
	svc := New(cfg, logx.Nop(), store, jobs, nil, prometheus.NewRegistry())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	if svc.Addr() == "" {
		t.Fatal("service did not bind a listener")
	}
	return svc
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHealthzReportsState(t *testing.T) {
	store := &stubHealth{h: storage.Health{
		Status:          "ok",
		ConnectionState: storage.StatusConnected,
		Uptime:          "1m0s",
	}}
	jobs := &stubJobs{jobs: []string{"dashboard_generation"}}
	svc := startTestService(t, Config{}, store, jobs)

	resp, body := get(t, "http://"+svc.Addr()+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var rep Report
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("decode: %v\n%s", err, body)
	}
	if rep.Status != "ok" || rep.ConnectionState != storage.StatusConnected {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.RunningJobs) != 1 || rep.RunningJobs[0] != "dashboard_generation" {
		t.Fatalf("running jobs = %v", rep.RunningJobs)
	}
}

func TestHealthzUnhealthyIs503(t *testing.T) {
	store := &stubHealth{h: storage.Health{
		Status:          "unhealthy",
		ConnectionState: storage.StatusDisconnected,
		LastError:       "disk full",
	}}
	svc := startTestService(t, Config{}, store, &stubJobs{})

	resp, body := get(t, "http://"+svc.Addr()+"/healthz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503\n%s", resp.StatusCode, body)
	}
}

func TestTokenAuth(t *testing.T) {
	svc := startTestService(t, Config{Token: "s3cret"}, &stubHealth{h: storage.Health{Status: "ok"}}, &stubJobs{})
	base := "http://" + svc.Addr()

	resp, _ := get(t, base+"/healthz", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-auth status = %d, want 401", resp.StatusCode)
	}
	resp, _ = get(t, base+"/healthz", map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad-token status = %d, want 401", resp.StatusCode)
	}
	resp, _ = get(t, base+"/healthz", map[string]string{"Authorization": "Bearer s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good-token status = %d, want 200", resp.StatusCode)
	}
	resp, _ = get(t, base+"/healthz?token=s3cret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query-token status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svc := startTestService(t, Config{}, &stubHealth{h: storage.Health{Status: "ok"}}, &stubJobs{})

	resp, _ := get(t, "http://"+svc.Addr()+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestRefusesNonLoopbackWithoutToken(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil, nil, nil, nil)
	svc.Start(context.Background())
	if addr := svc.Addr(); addr != "" {
		t.Cleanup(func() { svc.Stop(context.Background()) })
		t.Fatalf("server started on %s without auth", addr)
	}
}

func TestReconfigureDisableStopsServer(t *testing.T) {
	svc := startTestService(t, Config{}, &stubHealth{h: storage.Health{Status: "ok"}}, &stubJobs{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Reconfigure(ctx, Config{Enabled: false})
	if addr := svc.Addr(); addr != "" {
		t.Fatalf("server still bound to %s after disable", addr)
	}
}
