package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForwardProgression(t *testing.T) {
	require.True(t, CanTransition(StatusQueued, StatusSent))
	require.True(t, CanTransition(StatusSent, StatusDelivered))
	require.True(t, CanTransition(StatusDelivered, StatusClicked))
	require.True(t, CanTransition(StatusClicked, StatusCompleted))

	// Skipping stages forward is allowed (a click webhook can arrive before
	// the delivery webhook).
	require.True(t, CanTransition(StatusSent, StatusClicked))
}

func TestNoRegression(t *testing.T) {
	require.False(t, CanTransition(StatusDelivered, StatusSent))
	require.False(t, CanTransition(StatusClicked, StatusDelivered))
	require.False(t, CanTransition(StatusSent, StatusQueued))
	require.False(t, CanTransition(StatusSent, StatusSent))
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusOptedOut, StatusBounced} {
		for _, to := range []Status{StatusQueued, StatusSent, StatusDelivered, StatusClicked, StatusCompleted, StatusFailed, StatusOptedOut, StatusFollowupSent} {
			require.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestOptOutAlwaysWinsFromNonTerminal(t *testing.T) {
	for _, from := range []Status{StatusQueued, StatusSent, StatusDelivered, StatusClicked, StatusFailed, StatusFollowupSent} {
		require.True(t, CanTransition(from, StatusOptedOut), "%s -> OPTED_OUT", from)
	}
}

func TestSideBranches(t *testing.T) {
	require.True(t, CanTransition(StatusQueued, StatusFailed))
	require.True(t, CanTransition(StatusSent, StatusFailed))
	require.False(t, CanTransition(StatusClicked, StatusFailed))

	require.True(t, CanTransition(StatusSent, StatusBounced))
	require.True(t, CanTransition(StatusDelivered, StatusBounced))
	require.False(t, CanTransition(StatusClicked, StatusBounced))

	// Manual retry path.
	require.True(t, CanTransition(StatusFailed, StatusQueued))
	require.False(t, CanTransition(StatusSent, StatusQueued))
}

func TestFollowupMarker(t *testing.T) {
	require.True(t, CanTransition(StatusSent, StatusFollowupSent))
	require.True(t, CanTransition(StatusClicked, StatusFollowupSent))
	require.False(t, CanTransition(StatusOptedOut, StatusFollowupSent))
	// The marker does not re-enter delivery progression.
	require.False(t, CanTransition(StatusFollowupSent, StatusDelivered))
}
