package live

import (
	"testing"

	"driftcast/internal/models"
)

func TestNextStateAfterStop(t *testing.T) {
	testCases := []struct {
		name      string
		state     models.LiveState
		permanent bool
		want      models.LiveState
		wantErr   bool
	}{
		{name: "permanent rewinds to waiting", state: models.LiveStatePublished, permanent: true, want: models.LiveStateWaiting},
		{name: "one-shot ends", state: models.LiveStatePublished, permanent: false, want: models.LiveStateEnded},
		{name: "waiting has no stop transition", state: models.LiveStateWaiting, permanent: true, wantErr: true},
		{name: "ended has no stop transition", state: models.LiveStateEnded, permanent: false, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := nextStateAfterStop(models.Live{State: tc.state, Permanent: tc.permanent})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got state %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCanPublish(t *testing.T) {
	if !canPublish(models.LiveStateWaiting) {
		t.Fatalf("waiting lives must accept publishers")
	}
	if canPublish(models.LiveStatePublished) || canPublish(models.LiveStateEnded) {
		t.Fatalf("only waiting lives accept publishers")
	}
}
