package pipeline

import (
	"errors"
	"fmt"
)

// Stage identifies where in the pipeline a failure happened. Callers route on
// it: download failures are re-drivable by the notification source, codec
// failures are terminal, upload failures exhausted the retry budget, and
// inconsistent means the thumbnail is durable but the record update failed.
type Stage int

const (
	StageDownload Stage = iota + 1
	StageCodec
	StageUpload
	StageInconsistent
)

func (s Stage) String() string {
	switch s {
	case StageDownload:
		return "download"
	case StageCodec:
		return "codec"
	case StageUpload:
		return "upload"
	case StageInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// Error wraps a pipeline failure with its stage and the object key involved.
type Error struct {
	Stage Stage
	Key   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("thumbnail pipeline %s failed for %s: %v", e.Stage, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the stage of a pipeline error, or 0 for any other error.
func StageOf(err error) Stage {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Stage
	}
	return 0
}

// IsStage reports whether err is a pipeline error from the given stage.
func IsStage(err error, stage Stage) bool {
	return StageOf(err) == stage
}
