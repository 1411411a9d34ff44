package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/syncerr"
)

func TestRawMessageValidate(t *testing.T) {
	valid := func() RawMessage {
		return RawMessage{
			ExternalID: "m1",
			ThreadID:   "T1",
			Timestamp:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			Attachments: []AttachmentMeta{
				{AttachmentID: "att-1", Filename: "report.pdf"},
				{AttachmentID: "att-2", Filename: "report.pdf"},
			},
		}
	}

	tests := []struct {
		name       string
		mutate     func(*RawMessage)
		wantReason string
	}{
		{name: "valid", mutate: func(*RawMessage) {}},
		{name: "missing id", mutate: func(m *RawMessage) { m.ExternalID = "" }, wantReason: "missing external id"},
		{name: "missing thread", mutate: func(m *RawMessage) { m.ThreadID = "" }, wantReason: "missing thread id"},
		{name: "missing timestamp", mutate: func(m *RawMessage) { m.Timestamp = time.Time{} }, wantReason: "missing timestamp"},
		{name: "attachment without id", mutate: func(m *RawMessage) { m.Attachments[0].AttachmentID = "" }, wantReason: "attachment without id"},
		{name: "duplicate attachment id", mutate: func(m *RawMessage) { m.Attachments[1].AttachmentID = "att-1" }, wantReason: "duplicate attachment id att-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantReason == "" {
				assert.NoError(t, err)
				return
			}
			var malformed *syncerr.MalformedMessageError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tt.wantReason, malformed.Reason)
		})
	}
}
