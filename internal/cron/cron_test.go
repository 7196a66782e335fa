package cron

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func okJob(calls *atomic.Int32) JobFunc {
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "done", nil
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s := NewService()
	var calls atomic.Int32

	if err := s.AddJob("b-job", "0 * * * * *", okJob(&calls)); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := s.AddJob("a-job", "0 0 * * * *", okJob(&calls)); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	jobs := s.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "a-job" || jobs[1].Name != "b-job" {
		t.Errorf("jobs = %v, want sorted by name", jobs)
	}
	if jobs[1].Spec != "0 * * * * *" {
		t.Errorf("spec = %q", jobs[1].Spec)
	}
}

func TestService_AddJobValidation(t *testing.T) {
	s := NewService()
	var calls atomic.Int32

	tests := []struct {
		name    string
		job     string
		spec    string
		fn      JobFunc
		wantErr bool
	}{
		{"valid", "ok", "*/5 * * * * *", okJob(&calls), false},
		{"empty name", "", "* * * * * *", okJob(&calls), true},
		{"nil func", "nil", "* * * * * *", nil, true},
		{"bad spec", "bad", "not a cron", okJob(&calls), true},
		{"five fields", "short", "0 * * * *", okJob(&calls), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddJob(tt.job, tt.spec, tt.fn)
			if (err != nil) != tt.wantErr {
				t.Errorf("AddJob err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if n := len(s.ListJobs()); n != 1 {
		t.Errorf("registered jobs = %d, want 1", n)
	}
}

func TestService_AddJobReplaces(t *testing.T) {
	s := NewService()
	var first, second atomic.Int32
	_ = s.AddJob("job", "0 * * * * *", okJob(&first))
	_ = s.AddJob("job", "0 0 * * * *", okJob(&second))

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Spec != "0 0 * * * *" {
		t.Fatalf("jobs = %v, want the replacement only", jobs)
	}
	if err := s.RunNow("job"); err != nil {
		t.Fatal(err)
	}
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("calls = %d/%d, want 0/1", first.Load(), second.Load())
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	s := NewService()
	fail := true
	_ = s.AddJob("flaky", "0 0 * * * *", func(ctx context.Context) (string, error) {
		if fail {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	})

	if err := s.RunNow("flaky"); err != nil {
		t.Fatal(err)
	}
	st := s.ListJobs()[0].State
	if st.Runs != 1 || st.LastStatus != "error" || st.LastError != "boom" {
		t.Errorf("state after failure = %+v", st)
	}
	if st.LastRunAt.IsZero() {
		t.Error("LastRunAt should be set")
	}

	fail = false
	_ = s.RunNow("flaky")
	st = s.ListJobs()[0].State
	if st.Runs != 2 || st.LastStatus != "ok" || st.LastError != "" {
		t.Errorf("state after success = %+v", st)
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow should fail for unknown job")
	}
}

func TestService_StartRunsScheduledJob(t *testing.T) {
	s := NewService()
	ran := make(chan struct{}, 10)
	_ = s.AddJob("tick", "* * * * * *", func(ctx context.Context) (string, error) {
		ran <- struct{}{}
		return "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}
}

func TestService_JobReceivesCancellableContext(t *testing.T) {
	s := NewService()
	seen := make(chan context.Context, 1)
	_ = s.AddJob("ctx", "* * * * * *", func(ctx context.Context) (string, error) {
		select {
		case seen <- ctx:
		default:
		}
		return "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_ = s.Start(ctx)

	var jobCtx context.Context
	select {
	case jobCtx = <-seen:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}

	cancel()
	select {
	case <-jobCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job context not cancelled with the service context")
	}
	s.Stop()
}

func TestService_StopWithoutStart(t *testing.T) {
	s := NewService()
	s.Stop()
	s.Stop()
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("a long result", 6); got != "a long..." {
		t.Errorf("truncate = %q", got)
	}
}
