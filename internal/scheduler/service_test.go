package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestDailySpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "06:00", want: "0 6 * * *"},
		{in: "18:30", want: "30 18 * * *"},
		{in: "00:00", want: "0 0 * * *"},
		{in: "24:00", wantErr: true},
		{in: "6am", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := dailySpec(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("dailySpec(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("dailySpec(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dailySpec(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	fx := newTickFixture(t)
	svc := New(Config{Enabled: false}, fx.svc.deps)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.mu.Lock()
	running := svc.stopCh != nil
	svc.mu.Unlock()
	if running {
		t.Fatal("disabled service should not start triggers")
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped service: %v", err)
	}
}

func TestStartRejectsBadTimezone(t *testing.T) {
	t.Parallel()
	fx := newTickFixture(t)
	svc := New(Config{Enabled: true, Timezone: "Mars/Olympus"}, fx.svc.deps)
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestStartRejectsBadJobTime(t *testing.T) {
	t.Parallel()
	fx := newTickFixture(t)
	svc := New(Config{
		Enabled: true,
		Jobs:    []FixedJob{{Name: "dashboard_generation", Time: "25:99"}},
	}, fx.svc.deps)
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected job time error")
	}
	// A failed start leaves the service stoppable and restartable.
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed start: %v", err)
	}
}

func TestStartStopCycle(t *testing.T) {
	t.Parallel()
	fx := newTickFixture(t)
	svc := New(Config{Enabled: true, Timezone: "America/Los_Angeles", TickInterval: time.Hour}, fx.svc.deps)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Second Start is a no-op while running.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestApplySwapsConfig(t *testing.T) {
	t.Parallel()
	fx := newTickFixture(t)
	svc := New(Config{Enabled: true, TickInterval: time.Hour}, fx.svc.deps)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	if err := svc.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("Enabled() should reflect the applied config")
	}
	svc.mu.Lock()
	running := svc.stopCh != nil
	svc.mu.Unlock()
	if running {
		t.Fatal("Apply to disabled config should leave triggers stopped")
	}
}
