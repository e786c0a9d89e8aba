package orchestrator

import (
	"github.com/weftio/weft/internal/daemon"
	"github.com/weftio/weft/internal/model"
)

// StatusSnapshot buckets every stage in the graph by status for the
// daemon's periodic broadcast to status subscribers (SPEC_FULL.md §4.11).
// It satisfies daemon.StatusProvider.
func (o *Orchestrator) StatusSnapshot() daemon.StatusUpdate {
	update := daemon.StatusUpdate{}
	for _, st := range o.Graph.Stages() {
		switch st.Status {
		case model.StageExecuting:
			update.Executing = append(update.Executing, st.ID)
		case model.StageCompleted, model.StageCompletedWithFailures:
			update.Completed = append(update.Completed, st.ID)
		case model.StageBlocked:
			update.Blocked = append(update.Blocked, st.ID)
		default:
			update.Pending = append(update.Pending, st.ID)
		}
	}
	return update
}
