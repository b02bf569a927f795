// File: internal/orchestrator/recovery.go
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
)

const interruptedReason = "interrupted"

// Recover fails every mission a previous process left non-terminal. RUNNING
// tasks are failed with CANCELLED first, since their invocations are gone.
// It returns the number of missions recovered and must run before Submit.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	live, err := o.state.ListMissions(ctx, state.ListFilter{Statuses: []mission.MissionStatus{
		mission.MissionPending, mission.MissionPlanning, mission.MissionExecuting,
	}})
	if err != nil {
		return 0, fmt.Errorf("list unfinished missions: %w", err)
	}

	recovered := 0
	for _, m := range live {
		if err := o.recoverMission(ctx, m.ID); err != nil {
			return recovered, fmt.Errorf("recover mission %s: %w", m.ID, err)
		}
		o.state.Forget(m.ID)
		recovered++
	}
	if recovered > 0 {
		o.logger.Warn("Recovered interrupted missions.", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (o *Orchestrator) recoverMission(ctx context.Context, id string) error {
	snap, err := o.state.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	if _, err := o.state.RecordDiagnostic(ctx, id, mission.DiagRecoveryInterrupted,
		fmt.Sprintf("mission was %s when the previous process stopped", snap.Mission.Status)); err != nil {
		return err
	}
	if plan := snap.ActivePlan(); plan != nil && snap.Mission.Status == mission.MissionExecuting {
		for _, t := range plan.Tasks {
			if t.Status != mission.TaskRunning {
				continue
			}
			if _, err := o.state.TransitionTask(ctx, id, state.TaskTransition{
				Key:        t.Key,
				To:         mission.TaskFailed,
				Error:      "invocation interrupted by process restart",
				ErrorCode:  mission.CodeCancelled,
				RetryCount: t.RetryCount,
			}); err != nil {
				return err
			}
		}
	}
	_, err = o.state.TransitionMission(ctx, id, state.MissionTransition{
		To:     mission.MissionFailed,
		Reason: interruptedReason,
	})
	return err
}
