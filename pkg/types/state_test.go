package types_test

import (
	"testing"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

func TestStateTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to types.State
		want     bool
	}{
		{types.StateActive, types.StateSuperseded, true},
		{types.StateActive, types.StateDeleted, true},
		{types.StateSuperseded, types.StateDeleted, true},
		{types.StateDeleted, types.StateDeleted, true},
		{types.StateSuperseded, types.StateActive, false},
		{types.StateDeleted, types.StateActive, false},
		{types.StateDeleted, types.StateSuperseded, false},
		{types.StateActive, types.State(7), false},
	}

	for _, tc := range cases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			if got := types.IsValidStateTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("IsValidStateTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestNothingReturnsToActive(t *testing.T) {
	for _, s := range []types.State{types.StateSuperseded, types.StateDeleted} {
		if types.IsValidStateTransition(s, types.StateActive) {
			t.Errorf("state %v must never transition back to active", s)
		}
	}
}
