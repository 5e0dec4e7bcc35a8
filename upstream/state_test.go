package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	const maxFailures = 3

	tests := []struct {
		name  string
		from  Status
		event Event
		want  Status
		state State
	}{
		{
			name:  "timeout on a live server counts a failure",
			from:  Status{},
			event: EventTimeout,
			want:  Status{Failures: 1},
			state: StateDegraded,
		},
		{
			name:  "timeout below the threshold",
			from:  Status{Failures: 2},
			event: EventTimeout,
			want:  Status{Failures: 3},
			state: StateDegraded,
		},
		{
			name:  "timeout at the threshold goes offline",
			from:  Status{Failures: 3},
			event: EventTimeout,
			want:  Status{Failures: 3, Offline: true},
			state: StateOffline,
		},
		{
			name:  "timeout while offline stays offline",
			from:  Status{Failures: 3, Offline: true},
			event: EventTimeout,
			want:  Status{Failures: 3, Offline: true},
			state: StateOffline,
		},
		{
			// intentional: servers that never went offline also decrement
			name:  "response on a degraded server decrements",
			from:  Status{Failures: 2},
			event: EventResponseReceived,
			want:  Status{Failures: 1},
			state: StateDegraded,
		},
		{
			name:  "response on a live server",
			from:  Status{},
			event: EventResponseReceived,
			want:  Status{},
			state: StateLive,
		},
		{
			name:  "response on an offline server revives it",
			from:  Status{Failures: 3, Offline: true},
			event: EventResponseReceived,
			want:  Status{},
			state: StateLive,
		},
		{
			name:  "health check reply resets",
			from:  Status{Failures: 3, Offline: true},
			event: EventHealthCheckReplied,
			want:  Status{},
			state: StateLive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(tt.from, tt.event, maxFailures)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.state, got.State())
		})
	}
}

func TestIntermittentLossHoversAboveZero(t *testing.T) {
	s := Status{}
	for i := 0; i < 10; i++ {
		s = Transition(s, EventTimeout, 100)
		s = Transition(s, EventTimeout, 100)
		s = Transition(s, EventResponseReceived, 100)
	}
	require.Equal(t, uint32(10), s.Failures)
	require.Equal(t, StateDegraded, s.State())
}
