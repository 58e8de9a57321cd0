package orchestrator

import (
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

// edges lists the only status changes a task may make.
var edges = map[types.TaskStatus][]types.TaskStatus{
	types.StatusPending:     {types.StatusDownloading},
	types.StatusDownloading: {types.StatusCompleted, types.StatusFailed, types.StatusPaused},
	types.StatusPaused:      {types.StatusPending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to types.TaskStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(task *types.DownloadTask, to types.TaskStatus) error {
	if !CanTransition(task.Status, to) {
		return errors.NewTransitionError(task.ID, string(task.Status), string(to))
	}
	return nil
}
