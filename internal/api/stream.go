/**
 * @description
 * This file contains the SSE (Server-Sent Events) handlers that stream QR
 * lifecycle events to subscribers. A request opens a subscription on the
 * broadcaster and drains it onto the wire until the subscription is closed
 * (terminal QR state, dead subscriber eviction, shutdown) or the client goes
 * away. Every frame written to the client is acknowledged back to the
 * broadcaster, which is what keeps the subscription off the eviction list.
 *
 * Wire format per event:
 *
 *	event: <type>\n
 *	data: <json payload>\n
 *	\n
 *
 * @dependencies
 * - encoding/json, fmt, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Subscriptions and events.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linuxer41/pagui-sub001/internal/app"
	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/internal/store"
)

// StreamQRHandler handles GET /qr/{qrId}/stream: a per-QR event feed. The
// first two frames are always the connection handshake and a snapshot of the
// QR's current status.
func (h *QRHandlers) StreamQRHandler(w http.ResponseWriter, r *http.Request) {
	qrID := chi.URLParam(r, "qrId")

	sub, err := h.service.SubscribeQR(r.Context(), qrID)
	if err != nil {
		if errors.Is(err, store.ErrQRNotFound) {
			h.writeError(w, http.StatusNotFound, "QR not found")
			return
		}
		log.Printf("level=error component=api op=stream_qr qr_id=%s err=%v", qrID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.streamSubscription(w, r, sub)
}

// StreamAllHandler handles GET /qr/stream: the wildcard feed carrying events
// for every QR.
func (h *QRHandlers) StreamAllHandler(w http.ResponseWriter, r *http.Request) {
	sub := h.service.SubscribeAll(r.Context())
	h.streamSubscription(w, r, sub)
}

// streamSubscription drains a subscription onto the wire as SSE frames.
func (h *QRHandlers) streamSubscription(w http.ResponseWriter, r *http.Request, sub *app.Subscription) {
	defer h.service.Unsubscribe(sub.ConnectionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events:
			if !open {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				log.Printf("level=warn component=api op=stream connection_id=%s err=%v msg=\"client write failed\"", sub.ConnectionID, err)
				return
			}
			flusher.Flush()
			h.service.Ack(sub.ConnectionID)
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event domain.QREvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}
