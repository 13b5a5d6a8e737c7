package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &storage.JobCursor{
		CreatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC),
		CorrelationID: "tmpl|1",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, "tmpl|1", out.CorrelationID)
}

func TestDecodeJobCursor(t *testing.T) {
	encode := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name    string
		cursor  string
		wantNil bool
		wantErr bool
	}{
		{name: "empty cursor", cursor: "", wantNil: true},
		{name: "not base64", cursor: "!!!", wantErr: true},
		{name: "missing separator", cursor: encode("12345"), wantErr: true},
		{name: "empty correlation id", cursor: encode("12345|"), wantErr: true},
		{name: "non numeric timestamp", cursor: encode("yesterday|abc"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJobCursor(tt.cursor)
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidCursor)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
			}
		})
	}
}
