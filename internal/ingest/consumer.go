package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/pipeline"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

// Consumer reads log envelopes from Kafka and submits them to the
// pipeline. Each worker holds its own loop; per-log failures are
// logged and the offset is committed anyway, a poison message must not
// wedge the partition.
type Consumer struct {
	reader   *kafka.Reader
	pipeline *pipeline.Pipeline
	workers  int

	wg sync.WaitGroup
}

func NewConsumer(brokers []string, topic, groupID string, workers int, p *pipeline.Pipeline) *Consumer {
	if workers <= 0 {
		workers = 4
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})

	logger.Info("Kafka consumer initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
		zap.String("group_id", groupID),
		zap.Int("workers", workers),
	)

	return &Consumer{
		reader:   reader,
		pipeline: p,
		workers:  workers,
	}
}

// Start launches the worker loops. They exit when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
}

// Close waits for the workers and releases the reader.
func (c *Consumer) Close() error {
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to read from kafka", zap.Int("worker", id), zap.Error(err))
			continue
		}

		envelope := Extract(msg.Value)
		if envelope.Message == "" {
			logger.Debug("Skipping empty envelope",
				zap.Int("worker", id),
				zap.Int64("offset", msg.Offset),
			)
			continue
		}

		if _, err := c.pipeline.Submit(ctx, pipeline.SubmitRequest{
			Message:   envelope.Message,
			Service:   envelope.Service,
			Level:     envelope.Level,
			Timestamp: envelope.Timestamp,
		}); err != nil {
			logger.Error("Failed to process consumed log",
				zap.Int("worker", id),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}
