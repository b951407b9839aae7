package handler

import (
	"context"
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/httputil"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/service"
)

const watchWriteTimeout = 5 * time.Second

// GET /v1/pairing/sessions/{id}/watch
//
// Streams resolve results over a WebSocket. A frame is sent whenever the
// status changes, and the server closes the connection after the first
// terminal frame. Activation notifications wake the loop early; the poll
// interval still applies when no notifier is wired.
func (h *PairingHandler) Watch(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	// Unknown sessions get a plain 404. Nothing is resolved before the
	// upgrade succeeds, since resolving an active session consumes it.
	if err := h.resolver.Check(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		// The watching surface is the unauthenticated browser or panel;
		// any origin may follow a session it knows the id of.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	h.metrics.WatchOpened()
	defer h.metrics.WatchClosed()

	ctx := conn.CloseRead(r.Context())
	stream := &watchStream{conn: conn}

	first, err := h.resolver.Resolve(ctx, id)
	if err != nil {
		stream.close(err)
		return
	}

	if err := stream.send(ctx, first); err != nil || first.Status.IsTerminal() {
		stream.close(err)
		return
	}

	var wake <-chan struct{}
	if h.notifier != nil {
		sub := h.notifier.Subscribe(id)
		defer h.notifier.Unsubscribe(sub)
		wake = sub.C
	}

	_, err = service.WaitForHandOff(ctx, h.resolver, id, service.PollOptions{
		Interval: h.pollInterval,
		Timeout:  time.Until(first.ExpiresAt) + h.pollInterval,
		Wake:     wake,
		OnResult: func(res *service.ResolveResult) {
			if err := stream.send(ctx, res); err != nil {
				log.Debug().Err(err).Str("sessionId", id).Msg("watch write failed")
			}
		},
	})
	if apperrors.GetCode(err) == apperrors.ErrCodeExpired {
		err = stream.send(ctx, &service.ResolveResult{SessionID: id, Status: model.ResolveExpired, ExpiresAt: first.ExpiresAt})
	}
	stream.close(err)
}

type watchStream struct {
	conn *ws.Conn
	last model.ResolveStatus
}

// send writes res unless the client has already seen its status.
func (s *watchStream) send(ctx context.Context, res *service.ResolveResult) error {
	if res.Status == s.last {
		return nil
	}
	s.last = res.Status

	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, newResolveResponse(res))
}

// close ends the stream. Store failures are reported as a final error frame
// before the close handshake.
func (s *watchStream) close(err error) {
	if err == nil {
		_ = s.conn.Close(ws.StatusNormalClosure, "")
		return
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		ctx, cancel := context.WithTimeout(context.Background(), watchWriteTimeout)
		defer cancel()
		_ = wsjson.Write(ctx, s.conn, httputil.ErrorResponse{Error: appErr.Message, Code: appErr.Code})
		_ = s.conn.Close(ws.StatusInternalError, string(appErr.Code))
		return
	}
	// Client went away.
	_ = s.conn.Close(ws.StatusGoingAway, "")
}
