/**
 * @description
 * This file contains the HTTP handlers for the QR payment engine's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. The webhook handler is the bank-facing ingest: it acknowledges
 * idempotently (a retried delivery gets the same success response) and maps
 * rejections to the response codes the bank's retry logic keys on.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linuxer41/pagui-sub001/internal/app"
	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/internal/store"
)

// Bank-facing response codes for the payment notification webhook. Zero
// acknowledges the delivery; anything else tells the bank to alert.
const (
	notifyCodeOK             = 0
	notifyCodeMalformed      = 1
	notifyCodeUnknownQR      = 2
	notifyCodeAmountRejected = 3
)

// QRHandlers holds the application service that handlers will use.
type QRHandlers struct {
	service *app.Service
}

// NewQRHandlers creates a new instance of QRHandlers.
func NewQRHandlers(service *app.Service) *QRHandlers {
	return &QRHandlers{service: service}
}

// createQRResponse is sent back after an issuance request.
type createQRResponse struct {
	QR      *domain.QRCode `json:"qr"`
	Created bool           `json:"created"`
}

// qrDetailResponse carries a QR and its applied payments.
type qrDetailResponse struct {
	QR       *domain.QRCode           `json:"qr"`
	Payments []domain.PaymentEvidence `json:"payments"`
}

// CreateQRHandler handles POST /qr. Issuance is idempotent on the caller's
// transaction id: a repeat request returns the existing QR with 200 instead
// of 201.
func (h *QRHandlers) CreateQRHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.CreateQRPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	qr, created, err := h.service.CreateQR(r.Context(), payload)
	if err != nil {
		if errors.Is(err, app.ErrInvalidPayload) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api op=create_qr err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, createQRResponse{QR: qr, Created: created})
}

// GetQRHandler handles GET /qr/{qrId}.
func (h *QRHandlers) GetQRHandler(w http.ResponseWriter, r *http.Request) {
	qrID := chi.URLParam(r, "qrId")

	qr, payments, err := h.service.GetQR(r.Context(), qrID)
	if err != nil {
		if errors.Is(err, store.ErrQRNotFound) {
			h.writeError(w, http.StatusNotFound, "QR not found")
			return
		}
		log.Printf("level=error component=api op=get_qr qr_id=%s err=%v", qrID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, qrDetailResponse{QR: qr, Payments: payments})
}

// CancelQRHandler handles DELETE /qr/{qrId}. Only an ACTIVE QR can be
// cancelled.
func (h *QRHandlers) CancelQRHandler(w http.ResponseWriter, r *http.Request) {
	qrID := chi.URLParam(r, "qrId")

	err := h.service.CancelQR(r.Context(), qrID)
	if err != nil {
		if errors.Is(err, store.ErrQRNotFound) {
			h.writeError(w, http.StatusNotFound, "QR not found")
			return
		}
		if errors.Is(err, app.ErrInvalidState) {
			h.writeError(w, http.StatusConflict, "QR is not ACTIVE")
			return
		}
		log.Printf("level=error component=api op=cancel_qr qr_id=%s err=%v", qrID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.QRStatusCancelled)})
}

// NotifyPaymentHandler handles POST /qr/notifyPaymentQR, the bank's payment
// notification webhook. Delivery is at-least-once, so duplicates and
// payments against already-settled QRs are acknowledged with responseCode 0
// rather than errors; the bank must not retry them.
func (h *QRHandlers) NotifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeNotifyResponse(w, http.StatusBadRequest, notifyCodeMalformed, "Malformed notification body")
		return
	}

	evidence, err := req.Payment.NormalizeEvidence()
	if err != nil {
		h.writeNotifyResponse(w, http.StatusBadRequest, notifyCodeMalformed, err.Error())
		return
	}

	result, err := h.service.IngestEvidence(r.Context(), evidence)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrQRNotFound):
			h.writeNotifyResponse(w, http.StatusNotFound, notifyCodeUnknownQR, "Unknown QR id")
		case errors.Is(err, app.ErrAmountMismatch):
			h.writeNotifyResponse(w, http.StatusUnprocessableEntity, notifyCodeAmountRejected, "Payment amount rejected")
		case errors.Is(err, app.ErrAlreadyTerminal), errors.Is(err, app.ErrAlreadyPaid):
			// Settled QR: acknowledge so the bank stops retrying.
			h.writeNotifyResponse(w, http.StatusOK, notifyCodeOK, "Payment already settled")
		case errors.Is(err, app.ErrTransitionConflict):
			// A concurrent delivery won the transition; this one is moot.
			h.writeNotifyResponse(w, http.StatusOK, notifyCodeOK, "Payment already settled")
		default:
			log.Printf("level=error component=api op=notify_payment qr_id=%s err=%v", evidence.QRID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	message := "Payment applied"
	if result.Outcome == app.MatchDuplicate {
		message = "Duplicate notification ignored"
	}
	h.writeNotifyResponse(w, http.StatusOK, notifyCodeOK, message)
}

// HealthHandler reports liveness.
func (h *QRHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

func (h *QRHandlers) writeNotifyResponse(w http.ResponseWriter, status, code int, message string) {
	h.writeJSON(w, status, domain.PaymentNotificationResponse{
		ResponseCode: code,
		Message:      message,
	})
}

// writeJSON is a helper for writing JSON responses.
func (h *QRHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *QRHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
