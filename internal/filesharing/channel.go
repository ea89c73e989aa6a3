package filesharing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by a closed channel
var ErrChannelClosed = errors.New("transfer channel closed")

// Channel carries envelopes between a seeder and a receiver
type Channel interface {
	Send(ctx context.Context, e Envelope) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// pipeEnd is one side of an in-memory channel pair
type pipeEnd struct {
	in     <-chan Envelope
	out    chan<- Envelope
	closed chan struct{}
	peer   chan struct{}
	once   sync.Once
}

// Pipe returns two connected in-memory channels
func Pipe(buffer int) (Channel, Channel) {
	ab := make(chan Envelope, buffer)
	ba := make(chan Envelope, buffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &pipeEnd{in: ba, out: ab, closed: aClosed, peer: bClosed}
	b := &pipeEnd{in: ab, out: ba, closed: bClosed, peer: aClosed}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, e Envelope) error {
	select {
	case <-p.closed:
		return ErrChannelClosed
	case <-p.peer:
		return ErrChannelClosed
	default:
	}
	select {
	case p.out <- e:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-p.peer:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (Envelope, error) {
	select {
	case e := <-p.in:
		return e, nil
	default:
	}
	select {
	case e := <-p.in:
		return e, nil
	case <-p.closed:
		return Envelope{}, ErrChannelClosed
	case <-p.peer:
		return Envelope{}, ErrChannelClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

const wsWriteTimeout = 10 * time.Second

// MaxEnvelopeSize bounds one websocket frame: a base64 chunk plus headers
const MaxEnvelopeSize = 4 * ChunkSize

// WSChannel is a Channel over a websocket connection
type WSChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// NewWSChannel wraps an established websocket connection
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	conn.SetReadLimit(MaxEnvelopeSize)
	return &WSChannel{conn: conn}
}

// DialChannel opens a transfer channel to a seeder endpoint
func DialChannel(ctx context.Context, url string, header http.Header) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn), nil
}

// Send implements Channel
func (c *WSChannel) Send(ctx context.Context, e Envelope) error {
	data, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv implements Channel. A cancelled ctx closes the connection.
func (c *WSChannel) Recv(ctx context.Context) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Envelope{}, ErrChannelClosed
		}
		return Envelope{}, err
	}
	return DecodeEnvelope(data)
}

// Close implements Channel
func (c *WSChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
