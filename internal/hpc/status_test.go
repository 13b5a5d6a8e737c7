package hpc

import (
	"testing"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapper_Map(t *testing.T) {
	mapper := NewStatusMapper(map[string]map[string]domain.JobStatus{
		"edison": {"queued": domain.JobStatusPending, "R": domain.JobStatusPending},
	})

	tests := []struct {
		site    string
		code    string
		want    domain.JobStatus
		wantErr bool
	}{
		{site: "cori", code: "PENDING", want: domain.JobStatusPending},
		{site: "cori", code: "running", want: domain.JobStatusRunning},
		{site: "cori", code: "CD", want: domain.JobStatusCompleted},
		{site: "cori", code: "NODE_FAIL", want: domain.JobStatusFailed},
		{site: "cori", code: "TIMEOUT", want: domain.JobStatusTimeout},
		{site: "cori", code: "CANCELLED by 4242", want: domain.JobStatusCancelled},
		{site: "cori", code: "CANCELLED+", want: domain.JobStatusCancelled},
		{site: "edison", code: "Queued", want: domain.JobStatusPending},
		{site: "edison", code: "R", want: domain.JobStatusPending},
		{site: "cori", code: "R", want: domain.JobStatusRunning},
		{site: "cori", code: "", wantErr: true},
		{site: "cori", code: "EXPLODED", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.site+"/"+tt.code, func(t *testing.T) {
			got, err := mapper.Map(tt.site, tt.code)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseElapsed(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "00:10:00", want: 10 * time.Minute},
		{in: "01:02:03", want: time.Hour + 2*time.Minute + 3*time.Second},
		{in: "2-00:00:01", want: 48*time.Hour + time.Second},
		{in: "05:30", want: 5*time.Minute + 30*time.Second},
		{in: "00:00:01.250", want: time.Second},
		{in: "abc", wantErr: true},
		{in: "1:2:3:4", wantErr: true},
		{in: "x-00:00:01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseElapsed(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
