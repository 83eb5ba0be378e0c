package live

import (
	"fmt"

	"driftcast/internal/models"
)

// transitionKey tags a state transition with the live's permanence so the
// publish/stop rules live in one table instead of scattered conditionals.
type transitionKey struct {
	From      models.LiveState
	Permanent bool
}

// stopTransitions maps the state a live lands in once its active session
// stops. Permanent lives rewind to waiting and accept the next publisher;
// one-shot lives end for good.
var stopTransitions = map[transitionKey]models.LiveState{
	{From: models.LiveStatePublished, Permanent: true}:  models.LiveStateWaiting,
	{From: models.LiveStatePublished, Permanent: false}: models.LiveStateEnded,
}

// nextStateAfterStop resolves the post-stop state for a live. It only accepts
// lives currently publishing; callers handle idempotent re-stops before
// consulting the table.
func nextStateAfterStop(live models.Live) (models.LiveState, error) {
	next, ok := stopTransitions[transitionKey{From: live.State, Permanent: live.Permanent}]
	if !ok {
		return "", fmt.Errorf("no stop transition from state %q", live.State)
	}
	return next, nil
}

// canPublish reports whether a live in the given state may accept a new
// ingest session.
func canPublish(state models.LiveState) bool {
	return state == models.LiveStateWaiting
}
