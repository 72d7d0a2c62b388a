package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/progress"
)

// ResultMessage is the payload published for every recorded application result.
type ResultMessage struct {
	RunID string `json:"run_id"`
	apply.ApplicationResult
}

// PublishSink forwards APPLY_DONE results to a Publisher (Pub/Sub, NATS, memory).
// AlreadyProcessed results from lost claims are skipped; they carry no new information.
type PublishSink struct {
	publisher apply.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a PublishSink for topic.
func NewPublishSink(publisher apply.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each result in order and returns every publish error joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageApplyDone || evt.Result == nil {
			continue
		}
		if evt.Result.LostClaim() {
			continue
		}
		msg := ResultMessage{RunID: evt.RunUUID().String(), ApplicationResult: *evt.Result}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish result %s: %w", evt.Result.WorkItemID, err))
			continue
		}
		s.logger.Debug("result published", zap.String("message_id", id), zap.String("work_item_id", evt.Result.WorkItemID))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
