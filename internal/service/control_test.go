package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/alerting"
	"github.com/riffhi/MedWatch-sub000/internal/detection"
	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/ingest"
	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/rules"
	"github.com/riffhi/MedWatch-sub000/internal/scoring"
	"github.com/riffhi/MedWatch-sub000/internal/storage"
	"github.com/riffhi/MedWatch-sub000/internal/testutil"
)

type fixture struct {
	svc      *ControlService
	nc       *nats.Conn
	detector *detection.Orchestrator
	alerts   *alerting.Manager
	engine   *rules.Engine
	queue    *ingest.MemorySource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	_, nc, _ := testutil.StartJetStream(t)

	engine := rules.NewEngine(logger)
	require.NoError(t, engine.AddRules(rules.DefaultRules()))
	ensemble := scoring.NewEnsemble(logger, scoring.DefaultModels())

	alerts := alerting.NewManager(logger, nil, map[string]alerting.Channel{
		model.ChannelEmail: alerting.NewLogChannel(logger, model.ChannelEmail),
		model.ChannelSMS:   alerting.NewLogChannel(logger, model.ChannelSMS),
		model.ChannelSlack: alerting.NewLogChannel(logger, model.ChannelSlack),
	}, alerting.WithDebounce(time.Hour))
	t.Cleanup(alerts.Close)

	queue := ingest.NewMemorySource()
	detector := detection.NewOrchestrator(logger, detection.Config{Interval: time.Hour}, queue,
		features.NewProcessor(logger), engine, ensemble, storage.NewMemoryStore(),
		detection.WithAlertSink(alerts))
	t.Cleanup(detector.Stop)

	svc := NewControlService(nc, logger, Dependencies{
		Detector: detector,
		Alerts:   alerts,
		Rules:    engine,
		Models:   ensemble,
		Queue:    queue,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))

	return &fixture{svc: svc, nc: nc, detector: detector, alerts: alerts, engine: engine, queue: queue}
}

func (f *fixture) request(t *testing.T, op string, payload interface{}) replyEnvelope {
	t.Helper()
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	msg, err := f.nc.Request(SubjectPrefix+op, data, 5*time.Second)
	require.NoError(t, err)

	var reply replyEnvelope
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

type replyEnvelope struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func insulinDelhi() model.DataPoint {
	return model.DataPoint{
		ID:                "dp-insulin-delhi",
		MedicineName:      "Insulin",
		Location:          "Delhi",
		CurrentStock:      model.Float(0),
		CriticalThreshold: model.Float(50),
		Timestamp:         "2026-03-09T10:00:00Z",
	}
}

func TestControl_StartStop(t *testing.T) {
	f := newFixture(t)

	reply := f.request(t, "start", nil)
	require.True(t, reply.OK, reply.Error)
	var stats detection.Stats
	require.NoError(t, json.Unmarshal(reply.Data, &stats))
	assert.True(t, stats.Running)
	assert.True(t, f.detector.Running())

	reply = f.request(t, "stop", nil)
	require.True(t, reply.OK, reply.Error)
	assert.False(t, f.detector.Running())
}

func TestControl_SubmitAndReview(t *testing.T) {
	f := newFixture(t)

	reply := f.request(t, "submit", insulinDelhi())
	require.True(t, reply.OK, reply.Error)

	var submitted struct {
		Submitted int              `json:"submitted"`
		Anomalies []*model.Anomaly `json:"anomalies"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &submitted))
	assert.Equal(t, 1, submitted.Submitted)
	require.NotEmpty(t, submitted.Anomalies)

	var shortage *model.Anomaly
	for _, a := range submitted.Anomalies {
		if len(a.RuleIDs) == 1 && a.RuleIDs[0] == "stock-out" {
			shortage = a
		}
	}
	require.NotNil(t, shortage)
	assert.Equal(t, model.SeverityCritical, shortage.Severity)

	reply = f.request(t, "anomaly.status", statusRequest{
		ID:         shortage.ID,
		Status:     model.AnomalyStatusInvestigating,
		ReviewedBy: "pharmacist-7",
	})
	require.True(t, reply.OK, reply.Error)
	var updated model.Anomaly
	require.NoError(t, json.Unmarshal(reply.Data, &updated))
	assert.Equal(t, model.AnomalyStatusInvestigating, updated.Status)

	reply = f.request(t, "anomaly.status", statusRequest{ID: "missing", Status: model.AnomalyStatusResolved})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, detection.ErrAnomalyNotFound.Error())

	reply = f.request(t, "anomaly.status", statusRequest{ID: shortage.ID, Status: "closed"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, detection.ErrInvalidStatus.Error())

	reply = f.request(t, "anomalies", listRequest{Limit: 10})
	require.True(t, reply.OK, reply.Error)
	var recent []*model.Anomaly
	require.NoError(t, json.Unmarshal(reply.Data, &recent))
	assert.Len(t, recent, len(submitted.Anomalies))
}

func TestControl_SubmitBatch(t *testing.T) {
	f := newFixture(t)

	second := insulinDelhi()
	second.ID = "dp-2"
	second.Location = "Mumbai"
	reply := f.request(t, "submit", []model.DataPoint{insulinDelhi(), second})
	require.True(t, reply.OK, reply.Error)

	var submitted struct {
		Submitted int `json:"submitted"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &submitted))
	assert.Equal(t, 2, submitted.Submitted)

	msg, err := f.nc.Request(SubjectPrefix+"submit", []byte("{broken"), 5*time.Second)
	require.NoError(t, err)
	var bad replyEnvelope
	require.NoError(t, json.Unmarshal(msg.Data, &bad))
	assert.False(t, bad.OK)
	assert.Contains(t, bad.Error, ErrBadRequest.Error())
}

func TestControl_AlertAck(t *testing.T) {
	f := newFixture(t)

	id, err := f.alerts.SendAlert(context.Background(), &model.Anomaly{
		ID:         "a1",
		Severity:   model.SeverityLow,
		Confidence: 0.3,
		Message:    "low stock",
	})
	require.NoError(t, err)

	reply := f.request(t, "alert.ack", ackRequest{ID: id, AcknowledgedBy: "ops"})
	require.True(t, reply.OK, reply.Error)

	alert, err := f.alerts.GetAlert(id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, alert.Status)
	assert.Equal(t, "ops", alert.AcknowledgedBy)

	reply = f.request(t, "alert.ack", ackRequest{ID: "missing"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, alerting.ErrAlertNotFound.Error())

	reply = f.request(t, "alerts", nil)
	require.True(t, reply.OK, reply.Error)
	var list []*model.Alert
	require.NoError(t, json.Unmarshal(reply.Data, &list))
	assert.Len(t, list, 1)
}

func TestControl_Rules(t *testing.T) {
	f := newFixture(t)

	reply := f.request(t, "rule.disable", ruleRequest{ID: "stock-out"})
	require.True(t, reply.OK, reply.Error)
	assert.False(t, f.engine.GetRuleStats()["stock-out"].Enabled)

	reply = f.request(t, "rule.enable", ruleRequest{ID: "stock-out"})
	require.True(t, reply.OK, reply.Error)
	assert.True(t, f.engine.GetRuleStats()["stock-out"].Enabled)

	reply = f.request(t, "rule.enable", ruleRequest{ID: "nope"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "not found")

	reply = f.request(t, "rules", nil)
	require.True(t, reply.OK, reply.Error)
	var list []rules.RuleStats
	require.NoError(t, json.Unmarshal(reply.Data, &list))
	assert.Len(t, list, len(rules.DefaultRules()))
}

func TestControl_StatsAndEnqueue(t *testing.T) {
	f := newFixture(t)

	reply := f.request(t, "enqueue", insulinDelhi())
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, 1, f.queue.Len())

	_, err := f.detector.RunCycle(context.Background())
	require.NoError(t, err)

	reply = f.request(t, "stats", nil)
	require.True(t, reply.OK, reply.Error)

	var stats struct {
		Detection detection.Stats               `json:"detection"`
		Alerts    alerting.Stats                `json:"alerts"`
		Rules     []rules.RuleStats             `json:"rules"`
		Models    map[string]scoring.ModelStats `json:"models"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &stats))
	assert.Equal(t, int64(1), stats.Detection.Cycles)
	assert.Equal(t, int64(1), stats.Detection.Processed)
	assert.Positive(t, stats.Alerts.Total)
	assert.NotEmpty(t, stats.Rules)
	assert.Contains(t, stats.Models, scoring.ModelIsolation)
}

func TestControl_UnknownOperation(t *testing.T) {
	f := newFixture(t)

	reply := f.svc.Handle(context.Background(), "reboot", nil)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, ErrUnknownOperation.Error())

	assert.Contains(t, f.svc.Operations(), "anomaly.status")
	assert.Contains(t, f.svc.Operations(), "enqueue")
}
