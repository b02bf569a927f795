// internal/mission/transitions.go
package mission

var missionTransitions = map[MissionStatus][]MissionStatus{
	MissionPending:   {MissionPlanning, MissionFailed},
	MissionPlanning:  {MissionExecuting, MissionFailed},
	MissionExecuting: {MissionPlanning, MissionCompleted, MissionFailed},
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskSkipped},
	TaskRunning: {TaskSucceeded, TaskFailed},
}

// CanTransitionMission reports whether from -> to is an edge of the mission state machine.
func CanTransitionMission(from, to MissionStatus) bool {
	for _, s := range missionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether from -> to is an edge of the task state machine.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
