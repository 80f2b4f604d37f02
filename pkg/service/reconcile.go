package service

import (
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// reconcileOrphans requeues every in-progress task left behind by a prior
// incarnation of the service. The previous process may have died mid-run;
// run artifacts stay on disk so the first poll's stale-heartbeat sweep can
// still honor any result the agent managed to write.
func (s *Service) reconcileOrphans(rt *projectRuntime) error {
	orphans, err := rt.store.List(store.Filter{Status: types.StatusInProgress})
	if err != nil {
		return err
	}

	for _, task := range orphans {
		agent := ""
		if task.Lease != nil {
			agent = task.Lease.Agent
		}
		if _, err := rt.store.Transition(task.ID, types.StatusReady,
			store.WithReason("startup_reconciliation")); err != nil {
			s.logger.Error().Err(err).Str("task", task.ID).Msg("orphan requeue failed")
			continue
		}
		rt.events.Emit("task.reclaimed", "system", task.ID, map[string]any{
			"reason": "startup_reconciliation",
			"agent":  agent,
		})
		s.logger.Info().Str("task", task.ID).Str("agent", agent).Msg("orphan reclaimed")
	}
	return nil
}
