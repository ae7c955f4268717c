package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/session"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	outboxSize   = 256
)

// conn is one websocket client. Reads happen on the serve goroutine; all
// writes go through the outbox to a single writer goroutine.
type conn struct {
	s      *Server
	ws     *websocket.Conn
	logger *slog.Logger

	outbox chan Message
	closed chan struct{}
	once   sync.Once

	// runs tracks run goroutines started here. Each run is bound to the
	// serve context, so only a run this connection started is cancelled
	// when it goes away.
	runs sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		s:      s,
		ws:     ws,
		logger: s.logger.With("remote", ws.RemoteAddr().String()),
		outbox: make(chan Message, outboxSize),
		closed: make(chan struct{}),
	}
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop()
	stop := context.AfterFunc(ctx, c.close)
	defer stop()
	unsubscribe := c.s.sess.Subscribe(func(st session.State) {
		c.send(Message{Type: TypeState, State: &st})
	})
	defer func() {
		unsubscribe()
		// a run started here must not outlive its client
		cancel()
		c.runs.Wait()
		c.close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("server: read", "error", err)
			}
			return
		}
		c.handle(ctx, req)
	}
}

func (c *conn) handle(ctx context.Context, req Request) {
	sess := c.s.sess
	switch req.Type {
	case TypeSetStrategy:
		st, err := nexus.ParseStrategy(req.Strategy)
		if err == nil {
			err = sess.SetStrategy(st)
		}
		if err != nil {
			c.fail(req.ID, err, nil)
		}
	case TypeRun:
		c.run(ctx, req)
	case TypeCancel:
		sess.Cancel()
	case TypeGetLast:
		if l := sess.Last(); l != nil {
			c.send(Message{Type: TypeResult, ID: req.ID, Lineage: l})
		} else {
			c.fail(req.ID, errors.New("server: no result yet"), nil)
		}
	case TypeGetState:
		st := sess.State()
		c.send(Message{Type: TypeState, ID: req.ID, State: &st})
	default:
		c.fail(req.ID, errors.New("server: unknown request type "+req.Type), nil)
	}
}

func (c *conn) run(ctx context.Context, req Request) {
	if req.Strategy != "" {
		st, err := nexus.ParseStrategy(req.Strategy)
		if err == nil {
			err = c.s.sess.SetStrategy(st)
		}
		if err != nil {
			c.fail(req.ID, err, nil)
			return
		}
	}

	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		l, err := c.s.sess.Run(ctx, req.Prompt, func(t tokenbus.Token) {
			c.send(Message{Type: TypeToken, ID: req.ID, Token: &t})
		})
		if err != nil {
			c.fail(req.ID, err, l)
			return
		}
		c.send(Message{Type: TypeResult, ID: req.ID, Lineage: l})
	}()
}

func (c *conn) fail(id string, err error, l *nexus.Lineage) {
	c.send(Message{Type: TypeError, ID: id, Error: err.Error(), Lineage: l})
}

// send queues m. It blocks while the outbox is full and drops m once the
// connection is closed.
func (c *conn) send(m Message) {
	select {
	case c.outbox <- m:
	case <-c.closed:
	}
}

func (c *conn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case m := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.logger.Debug("server: write", "error", err)
				c.close()
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}
