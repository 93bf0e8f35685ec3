package tracker

import (
	"strconv"
	"time"

	"github.com/trayworks/trayflow/internal/jsonutil"
)

// flowJSON is the on-disk shape of one flow. Main flows appear at the top
// level of "flows"; optional flows appear nested under their parent's
// optional_flows key with the triggering step recorded as "caller".
type flowJSON struct {
	Caller string `json:"caller,omitempty"`

	Status           string `json:"status"`
	CurrentStep      string `json:"current_step"`
	CurrentStepIndex int    `json:"current_step_index"`
	CompletedSteps   int    `json:"completed_steps"`
	TotalSteps       int    `json:"total_steps"`

	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`

	TotalTesttime            float64 `json:"total_testtime"`
	TotalOptionalTesttime    float64 `json:"total_optional_flow_testtime"`
	TotalNonOptionalTesttime float64 `json:"total_non_optional_flow_testtime"`

	RetriesExecuted       int `json:"retries_executed"`
	JumpOnSuccessExecuted int `json:"jump_on_success_executed"`
	JumpOnFailureExecuted int `json:"jump_on_failure_executed"`

	TotalStepDuration      float64 `json:"total_step_duration"`
	TotalRetryAttempts     int     `json:"total_retry_attempts"`
	TotalOptionalTriggered int     `json:"total_optional_flows_triggered"`
	TotalJumpsTaken        int     `json:"total_jumps_taken"`
	FailedStepsCount       int     `json:"failed_steps_count"`
	AverageStepDuration    float64 `json:"average_step_duration"`
	LongestStepDuration    float64 `json:"longest_step_duration"`
	StepWithMostRetries    string  `json:"step_with_most_retries"`

	ErrorMessages []string         `json:"error_messages"`
	StepsExecuted []*StepExecution `json:"steps_executed"`

	OptionalFlows map[string]*flowJSON `json:"optional_flows"`
}

// progressJSON is the root document of the progress file.
type progressJSON struct {
	Timestamp string               `json:"timestamp"`
	Checksum  string               `json:"workflow_checksum,omitempty"`
	Flows     map[string]*flowJSON `json:"flows"`
}

// persistLocked serializes the full record and atomically replaces the
// progress file. The caller must hold t.mu. Write failures are logged; the
// in-memory state is the source of truth and the next mutation retries.
func (t *Tracker) persistLocked() {
	if t.path == "" {
		return
	}
	data, err := t.snapshotLocked()
	if err != nil {
		t.logger.Warn("serializing progress file", "error", err)
		return
	}
	if err := jsonutil.WriteFileAtomic(t.path, data); err != nil {
		t.logger.Warn("writing progress file", "error", err)
	}
}

// Snapshot returns the serialized progress document as it would be written
// to disk. Used by the json-snapshot presenter.
func (t *Tracker) Snapshot() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() ([]byte, error) {
	root := progressJSON{
		Timestamp: t.now().Format("2006-01-02T15:04:05.999999"),
		Flows:     map[string]*flowJSON{},
	}
	if t.checksum != 0 {
		root.Checksum = strconv.FormatUint(t.checksum, 16)
	}

	rendered := map[string]*flowJSON{}
	for _, name := range t.order {
		flow, ok := t.flows[name]
		if !ok {
			continue
		}
		rendered[name] = renderFlow(flow)
	}

	// Nest optional flows under their parents by name; anything whose
	// parent is unknown stays off the top level rather than orphaning the
	// record under a wrong key.
	for _, name := range t.order {
		flow, ok := t.flows[name]
		if !ok {
			continue
		}
		if !flow.IsOptionalFlow {
			root.Flows[name] = rendered[name]
			continue
		}
		if parent, ok := rendered[flow.ParentFlowName]; ok {
			parent.OptionalFlows[name] = rendered[name]
		}
	}
	return jsonutil.Marshal(root)
}

func renderFlow(f *FlowInfo) *flowJSON {
	out := &flowJSON{
		Status:                   f.Status,
		CurrentStep:              f.CurrentStep,
		CurrentStepIndex:         f.CurrentIndex,
		CompletedSteps:           f.CompletedSteps,
		TotalSteps:               f.TotalSteps,
		TotalTesttime:            f.TotalTesttime,
		TotalOptionalTesttime:    f.TotalOptionalTesttime,
		TotalNonOptionalTesttime: f.TotalNonOptionalTesttime,
		RetriesExecuted:          f.RetriesExecuted,
		JumpOnSuccessExecuted:    f.JumpOnSuccessExecuted,
		JumpOnFailureExecuted:    f.JumpOnFailureExecuted,
		TotalStepDuration:        f.TotalStepDuration,
		TotalRetryAttempts:       f.TotalRetryAttempts,
		TotalOptionalTriggered:   f.TotalOptionalTriggered,
		TotalJumpsTaken:          f.TotalJumpsTaken,
		FailedStepsCount:         f.FailedStepsCount,
		AverageStepDuration:      f.AverageStepDuration,
		LongestStepDuration:      f.LongestStepDuration,
		StepWithMostRetries:      f.StepWithMostRetries,
		ErrorMessages:            emptyIfNil(f.ErrorMessages),
		StepsExecuted:            f.StepsExecuted,
		OptionalFlows:            map[string]*flowJSON{},
	}
	if out.StepsExecuted == nil {
		out.StepsExecuted = []*StepExecution{}
	}
	if f.IsOptionalFlow {
		out.Caller = f.TriggeredByStep
		if out.Caller == "" {
			out.Caller = "Unknown"
		}
	}
	if f.StartedAt > 0 {
		out.StartedAt = formatUnix(f.StartedAt)
	}
	if f.CompletedAt > 0 {
		out.CompletedAt = formatUnix(f.CompletedAt)
	}
	return out
}

func formatUnix(sec float64) string {
	return time.Unix(0, int64(sec*float64(time.Second))).Format("2006-01-02T15:04:05.999999")
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
