package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MaxMessageBytes bounds a single protocol frame.
const MaxMessageBytes = 4 << 20

var errConnClosed = errors.New("document server connection closed")

// WSRemote talks to a document server over one websocket connection,
// redialled on demand after a failure.
type WSRemote struct {
	url     string
	logger  *log.Logger
	timeout time.Duration

	reqMu sync.Mutex // one request in flight

	mu      sync.Mutex
	conn    *websocket.Conn
	replies chan Message

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func NewWSRemote(url string, logger *log.Logger) *WSRemote {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &WSRemote{
		url:      url,
		logger:   logger,
		timeout:  10 * time.Second,
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (r *WSRemote) Get(ctx context.Context) (*Document, error) {
	reply, err := r.request(ctx, Message{Type: MsgGet})
	if err != nil {
		return nil, err
	}
	if reply.Type != MsgDocument {
		return nil, fmt.Errorf("unexpected reply %q", reply.Type)
	}
	return reply.Document, nil
}

func (r *WSRemote) Set(ctx context.Context, doc Document) error {
	reply, err := r.request(ctx, Message{Type: MsgSet, Document: &doc})
	if err != nil {
		return err
	}
	if reply.Type != MsgAck {
		return fmt.Errorf("unexpected reply %q", reply.Type)
	}
	if !reply.Stored {
		r.logger.Printf("server kept a newer document")
	}
	return nil
}

// Watch forwards the server's change broadcasts. Signals resume after a
// reconnect.
func (r *WSRemote) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	r.watchMu.Lock()
	r.watchers[ch] = struct{}{}
	r.watchMu.Unlock()

	if _, _, err := r.connect(ctx); err != nil {
		r.logger.Printf("connect %s: %v", r.url, err)
	}

	go func() {
		<-ctx.Done()
		r.watchMu.Lock()
		delete(r.watchers, ch)
		close(ch)
		r.watchMu.Unlock()
	}()
	return ch, nil
}

// Close drops the connection.
func (r *WSRemote) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (r *WSRemote) request(ctx context.Context, msg Message) (Message, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, replies, err := r.connect(ctx)
	if err != nil {
		return Message{}, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.drop(conn)
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return Message{}, errConnClosed
		}
		if reply.Type == MsgError {
			return Message{}, fmt.Errorf("document server: %s", reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		r.drop(conn)
		return Message{}, fmt.Errorf("await %s reply: %w", msg.Type, ctx.Err())
	}
}

func (r *WSRemote) connect(ctx context.Context) (*websocket.Conn, chan Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, r.replies, nil
	}

	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", r.url, err)
	}
	conn.SetReadLimit(MaxMessageBytes)
	replies := make(chan Message, 1)
	r.conn = conn
	r.replies = replies
	r.logger.Printf("connected to %s", r.url)

	go r.readLoop(conn, replies)
	return conn, replies, nil
}

func (r *WSRemote) readLoop(conn *websocket.Conn, replies chan Message) {
	defer close(replies)
	defer r.drop(conn)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Printf("decode server message: %v", err)
			continue
		}
		if msg.Type == MsgChanged {
			r.signalWatchers()
			continue
		}
		select {
		case replies <- msg:
		default:
			r.logger.Printf("dropping unsolicited %q reply", msg.Type)
		}
	}
}

func (r *WSRemote) drop(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (r *WSRemote) signalWatchers() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
