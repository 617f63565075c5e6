package handler

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xxxsen/meetnote/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	handshakeWait  = 10 * time.Second
	observerQueue  = 64
	controlMaxSize = 4096
)

var errObserverClosed = errors.New("observer closed")
var errObserverSlow = errors.New("observer queue full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Origins are checked by the CORS middleware and the token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsObserver queues events for one websocket. A single writer goroutine
// owns the connection's write side; Send never blocks. An observer whose
// queue overflows is evicted: it gets an error event and the socket is
// closed, which also ends the handler's read loop.
type wsObserver struct {
	id        string
	meetingID string
	conn      *websocket.Conn
	queue     chan hub.Event
	evicted   atomic.Bool

	once   sync.Once
	closed chan struct{}
	done   chan struct{}
}

func newWSObserver(conn *websocket.Conn, meetingID string, size int) *wsObserver {
	o := buildWSObserver(conn, meetingID, size)
	go o.writeLoop()
	return o
}

func buildWSObserver(conn *websocket.Conn, meetingID string, size int) *wsObserver {
	if size <= 0 {
		size = observerQueue
	}
	return &wsObserver{
		id:        uuid.NewString(),
		meetingID: meetingID,
		conn:      conn,
		queue:     make(chan hub.Event, size),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (o *wsObserver) ID() string {
	return o.id
}

func (o *wsObserver) Send(ev hub.Event) error {
	select {
	case <-o.closed:
		return errObserverClosed
	default:
	}
	select {
	case o.queue <- ev:
		return nil
	default:
		o.evicted.Store(true)
		o.shutdown()
		return errObserverSlow
	}
}

func (o *wsObserver) shutdown() {
	o.once.Do(func() { close(o.closed) })
}

// Close stops the writer after it flushed queued events.
func (o *wsObserver) Close() {
	o.shutdown()
	<-o.done
}

func (o *wsObserver) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		code, reason := websocket.CloseNormalClosure, ""
		if o.evicted.Load() {
			code, reason = websocket.CloseTryAgainLater, errObserverSlow.Error()
		}
		_ = o.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = o.conn.Close()
		close(o.done)
	}()
	for {
		select {
		case ev := <-o.queue:
			if err := o.write(ev); err != nil {
				o.shutdown()
				return
			}
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				o.shutdown()
				return
			}
		case <-o.closed:
			o.flush()
			return
		}
	}
}

// flush writes what is still queued. An evicted observer is told why it is
// being dropped before the close frame goes out.
func (o *wsObserver) flush() {
	for {
		select {
		case ev := <-o.queue:
			if err := o.write(ev); err != nil {
				return
			}
		default:
			if o.evicted.Load() {
				_ = o.write(hub.Error(o.meetingID, "observer too slow, events were dropped; reconnect to resume"))
			}
			return
		}
	}
}

func (o *wsObserver) write(ev hub.Event) error {
	_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return o.conn.WriteJSON(ev)
}
