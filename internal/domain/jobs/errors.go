package jobs

import "errors"

var (
	// ErrJobGone is returned when writing to a job that no longer exists.
	ErrJobGone = errors.New("build job no longer exists")
	// ErrActiveJobExists is returned when a subscription already has a creating job.
	ErrActiveJobExists = errors.New("subscription already has an active build job")
	ErrJobNotFound     = errors.New("build job not found")
)
