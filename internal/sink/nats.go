package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/models"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the published message body.
type Envelope struct {
	TraceID string        `json:"traceId"`
	Export  models.Export `json:"export"`
}

type NATSSink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// DialNATS connects to url and publishes on subject.
func DialNATS(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	logger = logging.OrDiscard(logger)
	conn, err := nats.Connect(url,
		nats.Name("domspy-agent"),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("sink: nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("sink: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSink{pub: conn, subject: subject, conn: conn}, nil
}

func (*NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(_ context.Context, traceID string, export models.Export) error {
	data, err := json.Marshal(Envelope{TraceID: traceID, Export: export})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	return nil
}

// Close drains the connection when the sink dialed it.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
