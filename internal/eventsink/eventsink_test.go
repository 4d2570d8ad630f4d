package eventsink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingSinkRecordsEvents(t *testing.T) {
	s := NewRecordingSink()
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, Event{Kind: "regulatory_change", Severity: SeverityInfo, Subject: "doc1"}))
	require.NoError(t, s.Emit(ctx, Event{Kind: "dr_incident", Severity: SeverityCritical, Subject: "db"}))

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "doc1", s.Events[0].Subject)
}
