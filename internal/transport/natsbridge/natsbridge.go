// Package natsbridge is a concrete NATS-backed implementation of the
// core's source/sink interfaces: connection management, retry and
// reconnect handling, subscriptions and publishes wired to the
// detector-network subjects.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cosmicmesh/clustercore/internal/message"
	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/pkg/log"
)

// Config holds NATS connection settings.
type Config struct {
	Address       string `json:"address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CredsFilePath string `json:"creds_file_path"`
	MaxTries      int    `json:"max_tries"`
}

// RawEvent is one parsed pulse event, not yet admitted to a station.
type RawEvent struct {
	User        model.UserInfo
	Data        model.EventData
	ArrivalTime time.Time
}

// RawLog is one parsed detector-info line.
type RawLog struct {
	User   model.UserInfo
	Record message.LogRecord
}

// Bridge is a NATS-backed transport: a source of RawEvent/RawLog and
// a sink for outgoing events, l1data and cluster-log/summary records.
type Bridge struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription

	events pipeline.Source[RawEvent]
	logs   pipeline.Source[RawLog]

	parseErrors int64
}

// Connect dials the NATS server, retrying with a linearly increasing
// delay and giving up after cfg.MaxTries attempts.
func Connect(cfg Config) (*Bridge, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("natsbridge: address is required")
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("natsbridge: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("natsbridge: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Errorf("natsbridge: async error: %v", err)
		}),
	)

	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = 5
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= maxTries; attempt++ {
		nc, err = nats.Connect(cfg.Address, opts...)
		if err == nil {
			break
		}
		log.Warnf("natsbridge: connect attempt %d/%d failed: %v", attempt, maxTries, err)
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("natsbridge: giving up after %d attempts: %w", maxTries, err)
	}

	log.Infof("natsbridge: connected to %s", cfg.Address)
	return &Bridge{conn: nc}, nil
}

// SetEventSink installs the downstream sink for parsed pulse events.
func (b *Bridge) SetEventSink(sink pipeline.Sink[RawEvent]) {
	b.events.SetSink(sink)
}

// SetLogSink installs the downstream sink for parsed detector-info lines.
func (b *Bridge) SetLogSink(sink pipeline.Sink[RawLog]) {
	b.logs.SetSink(sink)
}

// Subscribe registers the two input subjects.
func (b *Bridge) Subscribe() error {
	eventSub, err := b.conn.Subscribe(message.EventTopicPrefix+">", b.handleEvent)
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe to events failed: %w", err)
	}
	logSub, err := b.conn.Subscribe(message.LogTopicPrefix+">", b.handleLog)
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe to logs failed: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, eventSub, logSub)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) handleEvent(msg *nats.Msg) {
	ident, err := message.ParseTopic(msg.Subject, message.EventTopicPrefix)
	if err != nil {
		b.parseErrors++
		log.Warnf("natsbridge: %v", err)
		return
	}
	data, err := message.ParseEventPayload(string(msg.Data))
	if err != nil {
		b.parseErrors++
		log.Warnf("natsbridge: %v", err)
		return
	}
	user := model.UserInfo{Username: ident.Username, StationID: ident.StationID}
	data.User = user
	data.StationID = ident.StationID
	b.events.Put(RawEvent{User: user, Data: data, ArrivalTime: time.Now()})
}

func (b *Bridge) handleLog(msg *nats.Msg) {
	ident, err := message.ParseTopic(msg.Subject, message.LogTopicPrefix)
	if err != nil {
		b.parseErrors++
		log.Warnf("natsbridge: %v", err)
		return
	}
	rec, err := message.ParseLogPayload(string(msg.Data))
	if err != nil {
		b.parseErrors++
		log.Warnf("natsbridge: %v", err)
		return
	}
	user := model.UserInfo{Username: ident.Username, StationID: ident.StationID}
	b.logs.Put(RawLog{User: user, Record: rec})
}

// ParseErrors returns the running count of malformed messages dropped.
func (b *Bridge) ParseErrors() int64 {
	return b.parseErrors
}

func (b *Bridge) publishJSON(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsbridge: encode for %q failed: %w", subject, err)
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("natsbridge: publish to %q failed: %w", subject, err)
	}
	return nil
}

// PublishEvent implements pipeline.Sink[model.Event] semantics for
// the `muonpi/events` output.
func (b *Bridge) PublishEvent(e model.Event) {
	if err := b.publishJSON(message.EventsTopic, e); err != nil {
		log.Warnf("%v", err)
	}
}

// PublishL1Data publishes to the `muonpi/l1data` output.
func (b *Bridge) PublishL1Data(e model.Event) {
	if err := b.publishJSON(message.L1DataTopic, e); err != nil {
		log.Warnf("%v", err)
	}
}

// PublishClusterLog implements pipeline.Sink[model.ClusterLog] for the
// `muonpi/cluster` output.
func (b *Bridge) PublishClusterLog(cl model.ClusterLog) {
	if err := b.publishJSON(message.ClusterTopic, cl); err != nil {
		log.Warnf("%v", err)
	}
}

// PublishSummary implements pipeline.Sink[model.DetectorSummary] for
// the `muonpi/cluster` output, which carries both cluster-log and
// detector-summary records.
func (b *Bridge) PublishSummary(s model.DetectorSummary) {
	if err := b.publishJSON(message.ClusterTopic, s); err != nil {
		log.Warnf("%v", err)
	}
}

// EventSink adapts Bridge to pipeline.Sink[model.Event] for the
// `muonpi/events` output.
type EventSink struct{ b *Bridge }

// Get implements pipeline.Sink[model.Event].
func (s EventSink) Get(e model.Event) { s.b.PublishEvent(e) }

// EventSink returns the outgoing-coincidence sink adapter.
func (b *Bridge) EventSink() EventSink { return EventSink{b} }

// L1DataSink adapts Bridge to pipeline.Sink[model.Event] for the
// `muonpi/l1data` output.
type L1DataSink struct{ b *Bridge }

// Get implements pipeline.Sink[model.Event].
func (s L1DataSink) Get(e model.Event) { s.b.PublishL1Data(e) }

// L1DataSink returns the level-1 stream sink adapter.
func (b *Bridge) L1DataSink() L1DataSink { return L1DataSink{b} }

// ClusterLogSink adapts Bridge to pipeline.Sink[model.ClusterLog].
type ClusterLogSink struct{ b *Bridge }

// Get implements pipeline.Sink[model.ClusterLog].
func (s ClusterLogSink) Get(cl model.ClusterLog) { s.b.PublishClusterLog(cl) }

// ClusterLogSink returns the cluster-log sink adapter.
func (b *Bridge) ClusterLogSink() ClusterLogSink { return ClusterLogSink{b} }

// SummarySink adapts Bridge to pipeline.Sink[model.DetectorSummary].
type SummarySink struct{ b *Bridge }

// Get implements pipeline.Sink[model.DetectorSummary].
func (s SummarySink) Get(d model.DetectorSummary) { s.b.PublishSummary(d) }

// SummarySink returns the detector-summary sink adapter.
func (b *Bridge) SummarySink() SummarySink { return SummarySink{b} }

// Close unsubscribes everything and closes the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("natsbridge: unsubscribe failed: %v", err)
		}
	}
	b.subs = nil
	if b.conn != nil {
		b.conn.Close()
		log.Info("natsbridge: connection closed")
	}
}
