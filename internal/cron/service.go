package cron

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

type entry struct {
	job Job
	fn  JobFunc
	id  rcron.EntryID
}

// Service runs named jobs on cron schedules. A run that is still going
// when its next tick fires is skipped rather than overlapped.
type Service struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	cron    *rcron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewService() *Service {
	logger := rcron.PrintfLogger(log.Default())
	return &Service{
		jobs: make(map[string]*entry),
		cron: rcron.New(
			rcron.WithSeconds(),
			rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
		),
	}
}

// AddJob registers fn under name. Adding an existing name replaces it.
func (s *Service) AddJob(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.id)
		delete(s.jobs, name)
	}

	e := &entry{job: Job{Name: name, Spec: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, spec, err)
	}
	e.id = id
	s.jobs[name] = e
	return nil
}

// ListJobs returns the registered jobs with their run state, by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		result = append(result, e.job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// RunNow executes name immediately on the calling goroutine.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	s.execute(name)
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("cron already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := e.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.job.State.Runs++
	e.job.State.LastRunAt = time.Now()
	if err != nil {
		e.job.State.LastStatus = "error"
		e.job.State.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
		return
	}
	e.job.State.LastStatus = "ok"
	e.job.State.LastError = ""
	if result != "" {
		log.Printf("[cron] job %s result: %s", name, truncate(result, 100))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
