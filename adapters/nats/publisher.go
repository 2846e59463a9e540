package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/ports/kv"
)

const (
	defaultSubjectPrefix   = "escore.events"
	defaultStreamName      = "ESCORE_EVENTS"
	defaultDuplicateWindow = 2 * time.Minute

	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderSeq           = "x-seq"
)

type PublisherConfig struct {
	Connect       Connector     // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger  // Log for diagnostics (optional)
	SubjectPrefix string        // SubjectPrefix of published subjects, "escore.events" by default
	StreamName    string        // StreamName of the JetStream stream capturing the subjects
	Duplicates    time.Duration // Duplicates is the dedupe window for Nats-Msg-Id
}

// Publisher republishes stream events to JetStream. Its Handle method is
// an es.SubscriptionHandler: subscribe it to the streams that should leave
// the process. Events go to <prefix>.<stream>.<type> with the event ID as
// Nats-Msg-Id, so redeliveries inside the dedupe window are dropped by the
// server.
type Publisher struct {
	js            jetstream.JetStream
	stream        jetstream.Stream
	closeNc       closeFunc
	log           *slog.Logger
	subjectPrefix string
}

func NewPublisher(ctx context.Context, cfg PublisherConfig) (*Publisher, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	duplicates := cfg.Duplicates
	if duplicates == 0 {
		duplicates = defaultDuplicateWindow
	}

	log = log.With(
		slog.String("publisher", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: duplicates,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream")

	return &Publisher{
		js:            js,
		stream:        stream,
		closeNc:       closeNc,
		log:           log,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Subject returns the subject ev is published on. Stream and type are
// escaped so that dots and wildcards cannot add subject tokens.
func (p *Publisher) Subject(ev es.Event) string {
	return p.subjectPrefix + "." + kv.Key(ev.StreamName, ev.Type)
}

// Handle publishes ev and waits for the server ack.
func (p *Publisher) Handle(ctx context.Context, ev es.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	msg := natsgo.NewMsg(p.Subject(ev))
	msg.Header.Set(HeaderEventType, ev.Type)
	msg.Header.Set(HeaderAggregateType, ev.AggregateType)
	msg.Header.Set(HeaderAggregateID, ev.AggregateID)
	msg.Header.Set(HeaderSeq, strconv.FormatUint(ev.Seq, 10))
	msg.Data = data

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, msg.Subject, err)
	}
	if ack.Duplicate {
		p.log.Debug("duplicate publish dropped", ev.SlogAttr())
	}
	return nil
}

// Stream returns the JetStream stream the publisher writes to.
func (p *Publisher) Stream() jetstream.Stream { return p.stream }

func (p *Publisher) Close() {
	p.closeNc()
	p.log.Debug("closed publisher")
}

var _ es.SubscriptionHandler = (*Publisher)(nil).Handle
