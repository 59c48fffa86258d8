package exchange

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves frames between two peers. Send may be called from one
// goroutine while another one blocks in Recv. Recv returns io.EOF once the
// peer closed the connection cleanly.
type Transport interface {
	Send(Frame) error
	Recv() (Frame, error)
	Close() error
}

// StreamTransport frames messages over any byte stream, for example a TCP
// connection or one side of net.Pipe.
type StreamTransport struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	mu   sync.Mutex
}

func NewStreamTransport(conn io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (s *StreamTransport) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.conn, f)
}

func (s *StreamTransport) Recv() (Frame, error) {
	f, err := ReadFrame(s.r)
	if err != nil && isClosed(err) {
		return Frame{}, io.EOF
	}
	return f, err
}

func (s *StreamTransport) Close() error {
	return s.conn.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// WebSocketTransport sends every frame as one binary websocket message.
type WebSocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

const closeTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(maxPayload + headerSize)
	return &WebSocketTransport{conn: conn}
}

// Dial opens a websocket connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}

// Upgrade turns an incoming HTTP request into a transport.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}

func (ws *WebSocketTransport) Send(f Frame) error {
	buf, err := SerializeFrame(f)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (ws *WebSocketTransport) Recv() (Frame, error) {
	for {
		messageType, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || isClosed(err) {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return DeserializeFrame(message)
		default:
			// text frames carry nothing in this protocol
		}
	}
}

func (ws *WebSocketTransport) Close() error {
	ws.mu.Lock()
	_ = ws.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout),
	)
	ws.mu.Unlock()
	return ws.conn.Close()
}
