package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const (
	// DataPointStream holds submitted data points until a cycle fetches them
	DataPointStream = "DATAPOINTS"
	// DataPointSubjectPrefix is followed by a location token
	DataPointSubjectPrefix = "supply.datapoint."

	defaultConsumer  = "medwatch-detector"
	defaultBatchSize = 500
	defaultFetchWait = 500 * time.Millisecond
)

// Config holds the JetStream consumer settings
type Config struct {
	Consumer  string        `mapstructure:"consumer"`
	BatchSize int           `mapstructure:"batch_size"`
	FetchWait time.Duration `mapstructure:"fetch_wait"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// JetStreamSource reads pending data points from a durable pull consumer.
// Fetched messages stay unacknowledged until Commit, so a cycle that does
// not finish leaves its data points for redelivery.
type JetStreamSource struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	sub    *nats.Subscription
	cfg    Config

	mu       sync.Mutex
	inflight []*nats.Msg
}

// NewJetStreamSource ensures the DATAPOINTS stream and the durable consumer
// exist.
func NewJetStreamSource(logger *zap.Logger, js nats.JetStreamContext, cfg Config) (*JetStreamSource, error) {
	if cfg.Consumer == "" {
		cfg.Consumer = defaultConsumer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = defaultFetchWait
	}
	s := &JetStreamSource{
		logger: logger.Named("jetstream-source"),
		js:     js,
		cfg:    cfg,
	}

	if err := s.ensureStream(); err != nil {
		return nil, err
	}

	sub, err := js.PullSubscribe(DataPointSubjectPrefix+">", cfg.Consumer,
		nats.BindStream(DataPointStream),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *JetStreamSource) ensureStream() error {
	_, err := s.js.StreamInfo(DataPointStream)
	if err == nil {
		s.logger.Info("Using existing data point stream", zap.String("name", DataPointStream))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:      DataPointStream,
		Subjects:  []string{DataPointSubjectPrefix + ">"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		MaxAge:    s.cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	s.logger.Info("Created data point stream", zap.String("name", DataPointStream))
	return nil
}

// Publish stores a data point for the next cycle and returns its id
func (s *JetStreamSource) Publish(ctx context.Context, dp model.DataPoint) (string, error) {
	if dp.ID == "" {
		dp.ID = uuid.New().String()
	}
	data, err := json.Marshal(dp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data point: %w", err)
	}
	if _, err := s.js.Publish(Subject(dp.Location), data, nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("failed to publish data point: %w", err)
	}
	return dp.ID, nil
}

// Enqueue is Publish under the name the control surface expects
func (s *JetStreamSource) Enqueue(ctx context.Context, dp model.DataPoint) (string, error) {
	return s.Publish(ctx, dp)
}

// ListPending fetches up to the configured batch size. Messages that do not
// decode are terminated so they are never redelivered; the rest are held
// until Commit.
func (s *JetStreamSource) ListPending(ctx context.Context) ([]model.DataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.sub.Fetch(s.cfg.BatchSize, nats.MaxWait(s.cfg.FetchWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch data points: %w", err)
	}

	points := make([]model.DataPoint, 0, len(msgs))
	for _, msg := range msgs {
		var dp model.DataPoint
		if err := json.Unmarshal(msg.Data, &dp); err != nil {
			s.logger.Warn("Dropping undecodable data point",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			if err := msg.Term(); err != nil {
				s.logger.Error("Failed to terminate message", zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		s.inflight = append(s.inflight, msg)
		s.mu.Unlock()
		points = append(points, dp)
	}

	s.logger.Debug("Fetched data points", zap.Int("count", len(points)))
	return points, nil
}

// Commit settles every message fetched since the last commit. A nil
// cycleErr acknowledges them; otherwise they are negatively acknowledged
// and redelivered to the next fetch.
func (s *JetStreamSource) Commit(cycleErr error) error {
	s.mu.Lock()
	msgs := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	var errs []error
	for _, msg := range msgs {
		var err error
		if cycleErr == nil {
			err = msg.Ack()
		} else {
			err = msg.Nak()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(msgs) > 0 {
		s.logger.Debug("Committed data points",
			zap.Int("count", len(msgs)),
			zap.Bool("redeliver", cycleErr != nil))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to settle %d of %d data points: %w", len(errs), len(msgs), err)
	}
	return nil
}

// Subject maps a location onto a single subject token
func Subject(location string) string {
	token := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return unicode.ToLower(r)
		}
		return '_'
	}, strings.TrimSpace(location))
	if token == "" {
		token = "unknown"
	}
	return DataPointSubjectPrefix + token
}
