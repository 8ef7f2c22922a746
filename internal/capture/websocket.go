package capture

import (
	"context"
	"fmt"
	"net/url"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/vincentbai/domspy-agent/internal/models"
)

// Socket is an open websocket connection.
type Socket interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string, protocols ...string) (Socket, error)
}

// NetDialer dials with golang.org/x/net/websocket. Origin defaults to the
// dialed URL's scheme-mapped host.
type NetDialer struct {
	Origin string
}

func (d NetDialer) Dial(ctx context.Context, rawURL string, protocols ...string) (Socket, error) {
	origin := d.Origin
	if origin == "" {
		origin = originFor(rawURL)
	}
	cfg, err := websocket.NewConfig(rawURL, origin)
	if err != nil {
		return nil, fmt.Errorf("failed to configure websocket: %w", err)
	}
	cfg.Protocol = protocols
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	return &netSocket{conn: conn}, nil
}

func originFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "http://localhost/"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/"
}

type netSocket struct {
	conn *websocket.Conn
}

// Send writes valid UTF-8 as a text frame and anything else as binary.
func (s *netSocket) Send(data []byte) error {
	if utf8.Valid(data) {
		return websocket.Message.Send(s.conn, string(data))
	}
	return websocket.Message.Send(s.conn, data)
}

func (s *netSocket) Receive() ([]byte, error) {
	var msg []byte
	if err := websocket.Message.Receive(s.conn, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *netSocket) Close() error { return s.conn.Close() }

type instrumentedDialer struct {
	next Dialer
	rec  *Recorder
}

// InstrumentDialer wraps every socket returned by next. Dial errors pass
// through unrecorded.
func InstrumentDialer(next Dialer, rec *Recorder) Dialer {
	return &instrumentedDialer{next: next, rec: rec}
}

func (d *instrumentedDialer) Dial(ctx context.Context, rawURL string, protocols ...string) (Socket, error) {
	sock, err := d.next.Dial(ctx, rawURL, protocols...)
	if err != nil {
		return sock, err
	}
	return &instrumentedSocket{Socket: sock, url: rawURL, rec: d.rec}, nil
}

type instrumentedSocket struct {
	Socket
	url string
	rec *Recorder
}

// Send records the outgoing frame before delegating.
func (s *instrumentedSocket) Send(data []byte) error {
	s.rec.safely(SourceWebSocket, func() {
		s.rec.recordNetwork(models.NetworkRecord{
			Type: models.TransportWSSend,
			URL:  s.url,
			Data: s.rec.payload(data),
		})
	})
	return s.Socket.Send(data)
}

// Receive records a frame only after the delegate returns it.
func (s *instrumentedSocket) Receive() ([]byte, error) {
	msg, err := s.Socket.Receive()
	if err != nil {
		return msg, err
	}
	s.rec.safely(SourceWebSocket, func() {
		s.rec.recordNetwork(models.NetworkRecord{
			Type: models.TransportWSMessage,
			URL:  s.url,
			Data: s.rec.payload(msg),
		})
	})
	return msg, nil
}
