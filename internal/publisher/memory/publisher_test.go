package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/apply"
)

func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "results", apply.ApplicationResult{WorkItemID: "job-1", Outcome: apply.OutcomeSuccess, Attempts: 1})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	_, err = pub.Publish(context.Background(), "other", map[string]string{"k": "v"})
	require.NoError(t, err)

	require.Len(t, pub.Messages(""), 2)
	msgs := pub.Messages("results")
	require.Len(t, msgs, 1)
	var got apply.ApplicationResult
	require.NoError(t, msgs[0].Decode(&got))
	require.Equal(t, "job-1", got.WorkItemID)
	require.Equal(t, apply.OutcomeSuccess, got.Outcome)

	msgs[0].Topic = "modified"
	require.Equal(t, "results", pub.Messages("results")[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "results", func() {})
	require.Error(t, err)

	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err = pub.Publish(context.Background(), "results", "x")
	require.ErrorIs(t, err, boom)
	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "results", "x")
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}
