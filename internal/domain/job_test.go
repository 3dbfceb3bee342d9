package domain_test

import (
	"errors"
	"testing"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
)

func TestJobStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status domain.JobStatus
		want   bool
	}{
		{domain.JobQueued, false},
		{domain.JobProcessing, false},
		{domain.JobCompleted, true},
		{domain.JobFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestNextJobStatus_LegalTransitions(t *testing.T) {
	tests := []struct {
		from  domain.JobStatus
		event domain.JobEvent
		want  domain.JobStatus
	}{
		{domain.JobQueued, domain.JobEventClaim, domain.JobProcessing},
		{domain.JobProcessing, domain.JobEventComplete, domain.JobCompleted},
		{domain.JobProcessing, domain.JobEventFail, domain.JobFailed},
		{domain.JobProcessing, domain.JobEventRequeue, domain.JobQueued},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := domain.NextJobStatus(tt.from, tt.event)
			if err != nil {
				t.Fatalf("NextJobStatus(%q, %q) error: %v", tt.from, tt.event, err)
			}
			if got != tt.want {
				t.Errorf("NextJobStatus(%q, %q) = %q, want %q", tt.from, tt.event, got, tt.want)
			}
		})
	}
}

func TestNextJobStatus_IllegalTransitions(t *testing.T) {
	tests := []struct {
		from  domain.JobStatus
		event domain.JobEvent
	}{
		{domain.JobQueued, domain.JobEventComplete},
		{domain.JobQueued, domain.JobEventFail},
		{domain.JobCompleted, domain.JobEventClaim},
		{domain.JobCompleted, domain.JobEventRequeue},
		{domain.JobFailed, domain.JobEventComplete},
		{domain.JobProcessing, domain.JobEventClaim},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			_, err := domain.NextJobStatus(tt.from, tt.event)
			if err == nil {
				t.Fatalf("NextJobStatus(%q, %q) accepted an illegal transition", tt.from, tt.event)
			}
			var ite *domain.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("error type = %T, want *InvalidTransitionError", err)
			}
		})
	}
}
