package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/service"
)

type IngestConfig struct {
	Format        audio.Format
	IdleTimeout   time.Duration
	MaxFrameBytes int64
}

// IngestHandler accepts one recording session per websocket. The first
// text message is the handshake, binary frames carry PCM, and a text
// {"type":"end"} or a close finishes the session.
type IngestHandler struct {
	sessions *service.SessionManager
	cfg      IngestConfig
}

func NewIngestHandler(sessions *service.SessionManager, cfg IngestConfig) *IngestHandler {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	return &IngestHandler{sessions: sessions, cfg: cfg}
}

type ingestHandshake struct {
	MeetingID      string `json:"meeting_id"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	BytesPerSample int    `json:"bytes_per_sample"`
}

type ingestControl struct {
	Type string `json:"type"`
}

func (h ingestHandshake) format(def audio.Format) audio.Format {
	f := def
	if h.SampleRate > 0 {
		f.SampleRate = h.SampleRate
	}
	if h.Channels > 0 {
		f.Channels = h.Channels
	}
	if h.BytesPerSample > 0 {
		f.BytesPerSample = h.BytesPerSample
	}
	return f
}

func (h *IngestHandler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logutil.GetLogger(c.Request.Context()).Warn("upgrade ingest connection failed", zap.Error(err))
		return
	}
	defer conn.Close()
	ctx := context.WithoutCancel(c.Request.Context())
	conn.SetReadLimit(h.cfg.MaxFrameBytes)

	hs, err := h.readHandshake(conn)
	if err != nil {
		h.reject(conn, "", err)
		return
	}
	sess, err := h.sessions.Open(ctx, hs.MeetingID, hs.format(h.cfg.Format))
	if err != nil {
		h.reject(conn, hs.MeetingID, err)
		return
	}
	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", hs.MeetingID), zap.String("identity", getIdentity(c)))
	f := sess.Format()
	_ = writeEvent(conn, hub.ConnectionAck(hs.MeetingID, map[string]interface{}{
		"sample_rate":      f.SampleRate,
		"channels":         f.Channels,
		"bytes_per_sample": f.BytesPerSample,
	}))

	if err := h.pump(ctx, conn, sess); err != nil {
		logger.Warn("ingest stream ended with error", zap.Error(err))
		_ = writeEvent(conn, hub.Error(hs.MeetingID, err.Error()))
	}
	ticket, err := sess.Finish(ctx)
	if err != nil {
		_ = writeEvent(conn, hub.Error(hs.MeetingID, err.Error()))
		return
	}
	if ticket != nil {
		_ = writeEvent(conn, hub.Status(hs.MeetingID, service.StageProcessing, "Recording finished, analysis queued"))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *IngestHandler) readHandshake(conn *websocket.Conn) (*ingestHandshake, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if typ != websocket.TextMessage {
		return nil, errors.New("first message must be the json handshake")
	}
	hs := &ingestHandshake{}
	if err := json.Unmarshal(data, hs); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	hs.MeetingID = strings.TrimSpace(hs.MeetingID)
	if hs.MeetingID == "" {
		return nil, errors.New("meeting_id is required")
	}
	return hs, nil
}

// pump returns nil when the client ended the stream on purpose or went away.
func (h *IngestHandler) pump(ctx context.Context, conn *websocket.Conn, sess *service.Session) error {
	for {
		if h.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logutil.GetLogger(ctx).Debug("ingest connection dropped",
					zap.String("meeting_id", sess.MeetingID()), zap.Error(err))
			}
			return nil
		}
		switch typ {
		case websocket.BinaryMessage:
			if err := sess.Write(ctx, data); err != nil {
				if errors.Is(err, audio.ErrBufferClosed) {
					return nil
				}
				return err
			}
		case websocket.TextMessage:
			var ctl ingestControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				return fmt.Errorf("decode control message: %w", err)
			}
			if ctl.Type == "end" {
				return nil
			}
		}
	}
}

func (h *IngestHandler) reject(conn *websocket.Conn, meetingID string, err error) {
	logutil.GetLogger(context.Background()).Warn("ingest handshake rejected",
		zap.String("meeting_id", meetingID), zap.Error(err))
	_ = writeEvent(conn, hub.Error(meetingID, err.Error()))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncateReason(err.Error())), time.Now().Add(writeWait))
}

func writeEvent(conn *websocket.Conn, ev hub.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// truncateReason keeps close reasons inside the 123 byte control frame limit.
func truncateReason(reason string) string {
	if len(reason) <= 120 {
		return reason
	}
	return reason[:120]
}
