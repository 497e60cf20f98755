package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
	maxFrameSize = 1 << 20
)

var errEgressClosed = errors.New("egress closed")

type frame struct {
	binary bool
	data   []byte
}

// egress is the only writer of the websocket. Every component enqueues
// frames; run writes them one at a time in enqueue order.
type egress struct {
	conn    *websocket.Conn
	queue   chan frame
	done    chan struct{}
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newEgress(conn *websocket.Conn, metrics *observability.Metrics, logger zerolog.Logger) *egress {
	return &egress{
		conn:    conn,
		queue:   make(chan frame, 256),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// sendJSON enqueues a control event.
func (e *egress) sendJSON(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.send(ctx, frame{data: data})
}

// sendAudio enqueues one binary audio frame.
func (e *egress) sendAudio(ctx context.Context, pcm []byte) error {
	return e.send(ctx, frame{binary: true, data: pcm})
}

func (e *egress) send(ctx context.Context, f frame) error {
	select {
	case e.queue <- f:
		return nil
	case <-e.done:
		return errEgressClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run writes queued frames until ctx is done or a write fails. It closes
// the connection on exit, which also unblocks the read loop.
func (e *egress) run(ctx context.Context) error {
	defer close(e.done)
	defer e.conn.Close()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()

		case <-ping.C:
			if err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return voiceerr.Wrap(voiceerr.KindChannel, voiceerr.ServiceChannel, "ping", "failed to ping client", err)
			}

		case f := <-e.queue:
			if err := e.write(f); err != nil {
				return voiceerr.Wrap(voiceerr.KindChannel, voiceerr.ServiceChannel, "write", "failed to write to client", err)
			}
		}
	}
}

func (e *egress) write(f frame) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msgType := websocket.TextMessage
	if f.binary {
		msgType = websocket.BinaryMessage
	}
	if err := e.conn.WriteMessage(msgType, f.data); err != nil {
		return err
	}
	if f.binary && e.metrics != nil {
		e.metrics.RecordAudioBytes("out", int64(len(f.data)))
	}
	return nil
}
