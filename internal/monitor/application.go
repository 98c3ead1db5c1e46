package monitor

import (
	"context"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
)

// StatsSource is the store slice the application sampler reads.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (storage.Stats, error)
}

// ApplicationSource joins store counts with event-bus counters.
type ApplicationSource struct {
	store StatsSource
	bus   eventbus.Bus
	clock clock.Clock
}

func NewApplicationSource(store StatsSource, bus eventbus.Bus, c clock.Clock) *ApplicationSource {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if c == nil {
		c = clock.Real()
	}
	return &ApplicationSource{store: store, bus: bus, clock: c}
}

func (a *ApplicationSource) Sample(ctx context.Context) (ApplicationSnapshot, error) {
	now := a.clock.Now()
	st, err := a.store.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		return ApplicationSnapshot{}, err
	}
	bs := a.bus.Stats()
	return ApplicationSnapshot{
		Timestamp: now,
		Agents: AgentCounts{
			Total:  st.AgentsTotal(),
			Active: st.Agents[domain.AgentRunning],
			Idle:   st.Agents[domain.AgentIdle],
			Error:  st.Agents[domain.AgentError],
		},
		Tasks: TaskCounts{
			Total:     st.TasksTotal(),
			Pending:   st.Tasks[domain.TaskPending],
			Running:   st.Tasks[domain.TaskRunning],
			Completed: st.Tasks[domain.TaskCompleted],
			Failed:    st.Tasks[domain.TaskFailed],
		},
		Executions: ExecutionCounts{
			Total:           st.ExecutionsTotal(),
			Running:         st.Executions[domain.ExecutionRunning],
			Completed:       st.Executions[domain.ExecutionCompleted],
			Failed:          st.Executions[domain.ExecutionFailed],
			AverageDuration: st.AverageExecutionMS,
		},
		Messages:      MessageCounts{Total: st.Messages, LastHour: st.MessagesSince},
		Notifications: BusCounts{Subscribers: bs.Subscribers, Published: bs.Published},
	}, nil
}
