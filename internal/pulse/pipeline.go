package pulse

import (
	"context"
	"sync/atomic"
	"time"
)

type PipelineOptions struct {
	Broadcaster *Broadcaster
	Conflicts   ConflictOptions
	Expand      ExpandOptions
}

type PipelineStats struct {
	SnapshotsTotal uint64 `json:"snapshotsTotal"`
	DetectedTotal  uint64 `json:"detectedTotal"`
	ConflictsTotal uint64 `json:"conflictsTotal"`
}

// Pipeline ties detection to delivery: one ProcessSnapshot call runs
// recurrence expansion, calendar/mail detection and conflict analysis
// over a snapshot, then broadcasts every resulting event. Detection is
// pure; all side effects happen in the broadcaster.
type Pipeline struct {
	broadcaster *Broadcaster
	conflicts   ConflictOptions
	expand      ExpandOptions

	snapshots     atomic.Uint64
	detected      atomic.Uint64
	conflictCount atomic.Uint64
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{
		broadcaster: opts.Broadcaster,
		conflicts:   opts.Conflicts,
		expand:      opts.Expand,
	}
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		SnapshotsTotal: p.snapshots.Load(),
		DetectedTotal:  p.detected.Load(),
		ConflictsTotal: p.conflictCount.Load(),
	}
}

// ProcessSnapshot runs detection over one snapshot and broadcasts the
// surviving events. It returns the detected events alongside their
// broadcast results; a failed broadcast of one event does not stop the
// rest.
func (p *Pipeline) ProcessSnapshot(ctx context.Context, snap Snapshot) ([]Event, []BroadcastResult) {
	now := snap.CapturedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	expandOpts := p.expand
	if expandOpts.Now.IsZero() {
		expandOpts.Now = now
	}
	items := ExpandRecurringItems(snap.CalendarItems, expandOpts)

	existing := make(map[string]struct{}, len(snap.ExistingEventIDs))
	for _, id := range snap.ExistingEventIDs {
		existing[id] = struct{}{}
	}

	events := DetectCalendarEvents(snap.UserID, items, existing, now)
	events = append(events, DetectImportantMessages(snap.UserID, snap.Messages, now)...)

	conflictOpts := p.conflicts
	if conflictOpts.Now.IsZero() {
		conflictOpts.Now = now
	}
	report := AnalyzeConflicts(snap.UserID, snap.UserEmail, items, conflictOpts)
	for _, conflict := range report.Conflicts {
		events = append(events, ConflictEvent(conflict))
	}

	p.snapshots.Add(1)
	p.detected.Add(uint64(len(events)))
	p.conflictCount.Add(uint64(len(report.Conflicts)))

	results := make([]BroadcastResult, 0, len(events))
	for _, event := range events {
		results = append(results, p.broadcaster.Broadcast(ctx, event))
	}
	return events, results
}
