package domain

import (
	"errors"
	"testing"
)

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from DocumentStatus
		to   DocumentStatus
		ok   bool
	}{
		{StatusPending, StatusUploading, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusProcessing, false},
		{StatusPending, StatusCompleted, false},
		{StatusUploading, StatusProcessing, true},
		{StatusUploading, StatusFailed, true},
		{StatusUploading, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestCheckTransitionRejectsWithError(t *testing.T) {
	err := CheckTransition(StatusCompleted, StatusProcessing)
	if err == nil {
		t.Fatal("expected error for completed -> processing")
	}
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %T", err)
	}
	if illegal.From != StatusCompleted || illegal.To != StatusProcessing {
		t.Fatalf("unexpected error payload: %+v", illegal)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []DocumentStatus{StatusPending, StatusUploading, StatusProcessing, StatusCompleted, StatusFailed} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if DocumentStatus("archived").Valid() {
		t.Error("unexpected status accepted")
	}
}

func TestTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Error("completed and failed must be terminal")
	}
	if StatusPending.Terminal() || StatusUploading.Terminal() || StatusProcessing.Terminal() {
		t.Error("non-terminal status reported terminal")
	}
}
