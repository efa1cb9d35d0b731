package observability

import (
	"time"
)

// taskState is the last known state of one task reconstructed from events.
type taskState struct {
	requestID    string
	status       string
	changedAt    time.Time
	lastActivity time.Time
}

// replayTasks folds events, oldest first, into the current state of every
// task still live in the graph. Deleted and archived tasks drop out.
func replayTasks(events []Event) map[string]*taskState {
	tasks := make(map[string]*taskState)
	touch := func(e Event, id string) *taskState {
		st, ok := tasks[id]
		if !ok {
			st = &taskState{requestID: e.str("request_id")}
			tasks[id] = st
		}
		if e.Time.After(st.lastActivity) {
			st.lastActivity = e.Time
		}
		return st
	}

	for _, e := range events {
		id := e.str("task_id")
		switch e.Type {
		case EventTaskCreated:
			st := touch(e, id)
			st.status = "pending"
			st.changedAt = e.Time
		case EventTaskStatusChanged:
			if to := e.str("to"); to != "" && id != "" {
				st := touch(e, id)
				st.status = to
				st.changedAt = e.Time
			}
		case EventTaskDeleted:
			delete(tasks, id)
		case EventTreeArchived:
			for _, archived := range e.strings("task_ids") {
				delete(tasks, archived)
			}
		default:
			if _, ok := tasks[id]; ok {
				touch(e, id)
			}
		}
	}
	return tasks
}
