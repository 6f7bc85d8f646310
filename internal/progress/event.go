package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/fetchguard/internal/jobs"
)

// Stage denotes the milestone an Event records.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageItemDone   Stage = "ITEM_DONE"
	StageItemFailed Stage = "ITEM_FAILED"
	StageJobDone    Stage = "JOB_DONE"
)

// Event captures one step of a job's execution.
type Event struct {
	JobID    string        `json:"jobId"`
	Kind     jobs.Kind     `json:"kind"`
	Stage    Stage         `json:"stage"`
	TS       time.Time     `json:"ts"`
	Target   string        `json:"target,omitempty"`
	Host     string        `json:"host,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Dur      time.Duration `json:"durationNs,omitempty"`
	// Note carries low-volume context such as an item error or the final job status.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone:
	case StageItemDone, StageItemFailed:
		if e.Target == "" {
			return fmt.Errorf("%s requires a target", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// HostOf returns the lower-cased host of rawURL, or "" when it does not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
