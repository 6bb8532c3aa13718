package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/store"
)

func TestJobCursor(t *testing.T) {
	c := &store.Cursor{
		EnqueuedAt: time.Date(2026, 1, 5, 10, 0, 0, 123456789, time.UTC),
		JobID:      "0194f5a2-7c1e-7000-8000-000000000001",
	}
	got, err := DecodeJobCursor(EncodeJobCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	got, err = DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, got)

	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "%%%"},
		{"no separator", base64.URLEncoding.EncodeToString([]byte("12345"))},
		{"empty id", base64.URLEncoding.EncodeToString([]byte("12345|"))},
		{"bad time", base64.URLEncoding.EncodeToString([]byte("abc|id"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}
