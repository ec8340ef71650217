package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/alerting"
	"github.com/riffhi/MedWatch-sub000/internal/detection"
	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/rules"
	"github.com/riffhi/MedWatch-sub000/internal/scoring"
)

const (
	// SubjectPrefix is followed by the operation name
	SubjectPrefix = "medwatch.control."

	queueGroup     = "medwatch-control"
	requestTimeout = 30 * time.Second
)

// ErrUnknownOperation is returned for an op with no handler
var ErrUnknownOperation = errors.New("unknown operation")

// ErrBadRequest is returned when a request payload does not decode
var ErrBadRequest = errors.New("bad request")

// Detector is the part of the orchestrator the control surface drives
type Detector interface {
	Start() error
	Stop()
	Analyze(ctx context.Context, points []model.DataPoint) ([]*model.Anomaly, error)
	Stats() detection.Stats
	UpdateAnomalyStatus(ctx context.Context, id string, status model.AnomalyStatus, reviewedBy string) (*model.Anomaly, error)
	RecentAnomalies(ctx context.Context, limit int) ([]*model.Anomaly, error)
}

// Alerter is the part of the alert manager the control surface drives
type Alerter interface {
	AcknowledgeAlert(ctx context.Context, id, by string) error
	GetStats() alerting.Stats
	ListAlerts(limit int) []*model.Alert
}

// RuleToggler enables and disables rules
type RuleToggler interface {
	EnableRule(id string) bool
	DisableRule(id string) bool
	Rules() []rules.RuleStats
}

// ModelReporter exposes scoring model statistics
type ModelReporter interface {
	ModelStats() map[string]scoring.ModelStats
}

// Enqueuer queues a data point for the next detection cycle
type Enqueuer interface {
	Enqueue(ctx context.Context, dp model.DataPoint) (string, error)
}

// Dependencies are the components behind the control operations. Models
// and Queue are optional.
type Dependencies struct {
	Detector Detector
	Alerts   Alerter
	Rules    RuleToggler
	Models   ModelReporter
	Queue    Enqueuer
}

// Reply is the response envelope for every operation
type Reply struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

type handlerFunc func(ctx context.Context, payload []byte) (interface{}, error)

// ControlService answers request/reply commands on medwatch.control.<op>
type ControlService struct {
	nc       *nats.Conn
	logger   *zap.Logger
	deps     Dependencies
	handlers map[string]handlerFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewControlService creates the service; Start subscribes it
func NewControlService(nc *nats.Conn, logger *zap.Logger, deps Dependencies) *ControlService {
	s := &ControlService{
		nc:     nc,
		logger: logger.Named("control"),
		deps:   deps,
	}
	s.handlers = map[string]handlerFunc{
		"start":          s.start,
		"stop":           s.stop,
		"submit":         s.submit,
		"stats":          s.stats,
		"anomalies":      s.anomalies,
		"anomaly.status": s.anomalyStatus,
		"alerts":         s.alerts,
		"alert.ack":      s.alertAck,
		"rules":          s.rules,
		"rule.enable":    s.ruleEnable,
		"rule.disable":   s.ruleDisable,
	}
	if deps.Queue != nil {
		s.handlers["enqueue"] = s.enqueue
	}
	return s
}

// Operations lists the supported op names
func (s *ControlService) Operations() []string {
	ops := make([]string, 0, len(s.handlers))
	for op := range s.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Start subscribes every operation. Subscriptions end when ctx is done.
func (s *ControlService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.Operations() {
		op := op
		sub, err := s.nc.QueueSubscribe(SubjectPrefix+op, queueGroup, func(msg *nats.Msg) {
			s.serve(ctx, op, msg)
		})
		if err != nil {
			s.drain()
			return fmt.Errorf("failed to subscribe to %s: %w", SubjectPrefix+op, err)
		}
		s.subs = append(s.subs, sub)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("Control service listening", zap.String("prefix", SubjectPrefix), zap.Int("operations", len(s.subs)))
	return nil
}

// Stop drains every subscription
func (s *ControlService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drain()
}

func (s *ControlService) drain() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.logger.Warn("Failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *ControlService) serve(ctx context.Context, op string, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	reply := s.Handle(ctx, op, msg.Data)
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal reply", zap.String("op", op), zap.Error(err))
		data, _ = json.Marshal(Reply{Error: "failed to encode reply"})
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send reply", zap.String("op", op), zap.Error(err))
	}
}

// Handle runs one operation and wraps the outcome in a Reply
func (s *ControlService) Handle(ctx context.Context, op string, payload []byte) Reply {
	h, ok := s.handlers[op]
	if !ok {
		return Reply{Error: fmt.Sprintf("%v: %s", ErrUnknownOperation, op)}
	}

	data, err := h(ctx, payload)
	if err != nil {
		s.logger.Warn("Control operation failed", zap.String("op", op), zap.Error(err))
		return Reply{Error: err.Error()}
	}
	s.logger.Debug("Control operation handled", zap.String("op", op))
	return Reply{OK: true, Data: data}
}

func decode(payload []byte, v interface{}) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (s *ControlService) start(context.Context, []byte) (interface{}, error) {
	if err := s.deps.Detector.Start(); err != nil {
		return nil, err
	}
	return s.deps.Detector.Stats(), nil
}

func (s *ControlService) stop(context.Context, []byte) (interface{}, error) {
	s.deps.Detector.Stop()
	return s.deps.Detector.Stats(), nil
}

// submit accepts a single data point or an array of them and analyzes them
// synchronously
func (s *ControlService) submit(ctx context.Context, payload []byte) (interface{}, error) {
	var points []model.DataPoint
	trimmed := bytes.TrimSpace(payload)
	switch {
	case len(trimmed) == 0:
		return nil, fmt.Errorf("%w: no data points", ErrBadRequest)
	case trimmed[0] == '[':
		if err := decode(trimmed, &points); err != nil {
			return nil, err
		}
	default:
		var dp model.DataPoint
		if err := decode(trimmed, &dp); err != nil {
			return nil, err
		}
		points = []model.DataPoint{dp}
	}

	anomalies, err := s.deps.Detector.Analyze(ctx, points)
	if err != nil {
		return nil, err
	}
	if anomalies == nil {
		anomalies = []*model.Anomaly{}
	}
	return map[string]interface{}{
		"submitted": len(points),
		"anomalies": anomalies,
	}, nil
}

func (s *ControlService) enqueue(ctx context.Context, payload []byte) (interface{}, error) {
	var dp model.DataPoint
	if err := decode(payload, &dp); err != nil {
		return nil, err
	}
	id, err := s.deps.Queue.Enqueue(ctx, dp)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

type statsReply struct {
	Detection detection.Stats               `json:"detection"`
	Alerts    alerting.Stats                `json:"alerts"`
	Rules     []rules.RuleStats             `json:"rules"`
	Models    map[string]scoring.ModelStats `json:"models,omitempty"`
}

func (s *ControlService) stats(context.Context, []byte) (interface{}, error) {
	reply := statsReply{
		Detection: s.deps.Detector.Stats(),
		Alerts:    s.deps.Alerts.GetStats(),
		Rules:     s.deps.Rules.Rules(),
	}
	if s.deps.Models != nil {
		reply.Models = s.deps.Models.ModelStats()
	}
	return reply, nil
}

type listRequest struct {
	Limit int `json:"limit"`
}

func (s *ControlService) anomalies(ctx context.Context, payload []byte) (interface{}, error) {
	req := listRequest{Limit: 50}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.deps.Detector.RecentAnomalies(ctx, req.Limit)
}

type statusRequest struct {
	ID         string              `json:"id"`
	Status     model.AnomalyStatus `json:"status"`
	ReviewedBy string              `json:"reviewed_by"`
}

func (s *ControlService) anomalyStatus(ctx context.Context, payload []byte) (interface{}, error) {
	var req statusRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrBadRequest)
	}
	return s.deps.Detector.UpdateAnomalyStatus(ctx, req.ID, req.Status, req.ReviewedBy)
}

func (s *ControlService) alerts(_ context.Context, payload []byte) (interface{}, error) {
	req := listRequest{Limit: 50}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.deps.Alerts.ListAlerts(req.Limit), nil
}

type ackRequest struct {
	ID             string `json:"id"`
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (s *ControlService) alertAck(ctx context.Context, payload []byte) (interface{}, error) {
	var req ackRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrBadRequest)
	}
	if err := s.deps.Alerts.AcknowledgeAlert(ctx, req.ID, req.AcknowledgedBy); err != nil {
		return nil, err
	}
	return map[string]string{"id": req.ID, "status": string(model.AlertStatusAcknowledged)}, nil
}

func (s *ControlService) rules(context.Context, []byte) (interface{}, error) {
	return s.deps.Rules.Rules(), nil
}

type ruleRequest struct {
	ID string `json:"id"`
}

func (s *ControlService) ruleEnable(_ context.Context, payload []byte) (interface{}, error) {
	return s.toggleRule(payload, s.deps.Rules.EnableRule, true)
}

func (s *ControlService) ruleDisable(_ context.Context, payload []byte) (interface{}, error) {
	return s.toggleRule(payload, s.deps.Rules.DisableRule, false)
}

func (s *ControlService) toggleRule(payload []byte, toggle func(string) bool, enabled bool) (interface{}, error) {
	var req ruleRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if !toggle(req.ID) {
		return nil, fmt.Errorf("rule %q not found", req.ID)
	}
	return map[string]interface{}{"id": req.ID, "enabled": enabled}, nil
}
