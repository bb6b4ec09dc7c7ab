// Package scheduler runs the recurring background work: the ingestion
// sync cycle, the daily backup and the maintenance pass. Schedules use
// cron syntax with a seconds field.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one unit of scheduled work
type Job interface {
	Name() string
	Run() error
}

// JobStatus reports one registered job's schedule position. Prev is the
// zero time until the job has run at least once.
type JobStatus struct {
	Name string    `json:"name"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Scheduler manages background jobs
type Scheduler struct {
	cron  *cron.Cron
	mu    sync.Mutex
	names map[cron.EntryID]string
	log   zerolog.Logger
}

// New creates a scheduler. Jobs do not fire until Start is called.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		names: make(map[cron.EntryID]string),
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins firing registered jobs on their schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.names)).Msg("Scheduler started")
}

// Stop halts scheduling and waits for any running job to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job under a cron schedule such as
// "0 */15 * * * *" (every 15 minutes) or "0 10 3 * * *" (03:10 daily)
func (s *Scheduler) AddJob(schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		s.log.Debug().Str("job", job.Name()).Msg("Job starting")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Dur("duration", time.Since(start)).
				Msg("Job failed")
			return
		}

		s.log.Debug().
			Str("job", job.Name()).
			Dur("duration", time.Since(start)).
			Msg("Job completed")
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.names[id] = job.Name()
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}

// Jobs returns the registered jobs with their next and previous fire
// times, sorted by name
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.names))
	for _, entry := range s.cron.Entries() {
		name, ok := s.names[entry.ID]
		if !ok {
			continue
		}
		statuses = append(statuses, JobStatus{
			Name: name,
			Next: entry.Next,
			Prev: entry.Prev,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
