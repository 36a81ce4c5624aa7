package worker

import (
	"context"

	"batchdriver/internal/batch"
)

// Task is one container run of a job.
type Task struct {
	Key       batch.JobKey
	Name      string
	Image     string
	Command   []string
	Env       map[string]string
	CoresMcpu int64
	Secrets   []batch.Secret
}

// Runtime executes tasks.
type Runtime interface {
	// RunTask blocks until the task exits. When ctx is cancelled the task is
	// stopped and removed, and the returned status carries an error.
	RunTask(ctx context.Context, task Task) *batch.TaskStatus
	// Ready reports whether the runtime can accept work.
	Ready(ctx context.Context) error
	Close() error
}

func taskFor(cfg *batch.JobConfig, name string) Task {
	return Task{
		Key:       cfg.Key(),
		Name:      name,
		Image:     cfg.Spec.Image,
		Command:   cfg.Spec.Command,
		Env:       cfg.Spec.Env,
		CoresMcpu: cfg.CoresMcpu,
		Secrets:   cfg.Secrets,
	}
}
