package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-jobqueue/job"
)

// pingJob logs its message.
type pingJob struct {
	Message string `json:"message"`

	logger *slog.Logger
}

func (j *pingJob) Execute(ctx context.Context, h job.Handle) error {
	j.logger.Info("ping", "message", j.Message, "attempts", h.Attempts())
	return nil
}

// sleepJob waits for Seconds, or until its context is done.
type sleepJob struct {
	Seconds float64 `json:"seconds"`
}

func (j *sleepJob) Execute(ctx context.Context, h job.Handle) error {
	timer := time.NewTimer(time.Duration(j.Seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failJob fails every attempt, or escalates when Fatal is set. Useful for
// watching a job walk through the retry queues.
type failJob struct {
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
}

func (j *failJob) Execute(ctx context.Context, h job.Handle) error {
	err := errors.New(j.Reason)
	if j.Reason == "" {
		err = errors.New("job failed on purpose")
	}
	if j.Fatal {
		return job.Fatal(err)
	}
	return err
}

// newRegistry returns the job kinds the example worker executes.
func newRegistry(logger *slog.Logger) *job.Registry {
	r := job.NewRegistry()
	mustRegister(r, "ping", func(props map[string]any) (job.Job, error) {
		j := &pingJob{logger: logger}
		return j, decodeProps(props, j)
	})
	job.MustRegisterType[sleepJob](r, "sleep")
	job.MustRegisterType[failJob](r, "fail")
	return r
}

func mustRegister(r *job.Registry, kind string, factory job.Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

func decodeProps(props map[string]any, v any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
