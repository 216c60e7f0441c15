package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	apiTypes "github.com/reaje/whatsapp-microservice/pkg/api"
)

const qrImageSize = 256

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}

	tenant := chi.URLParam(r, "tenant")
	_, existed := h.sessions.GetStatus(tenant, req.PhoneNumber)

	snap, err := h.sessions.InitializeSession(r.Context(), tenant, req.PhoneNumber, domain.ProviderKind(req.Provider))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, sessionToResponse(snap))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	snaps := h.sessions.ListSessions(chi.URLParam(r, "tenant"))
	resp := apiTypes.SessionListResponse{Sessions: make([]apiTypes.SessionResponse, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Sessions = append(resp.Sessions, sessionToResponse(snap))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.sessions.GetStatus(chi.URLParam(r, "tenant"), chi.URLParam(r, "phone"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(snap))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	found, err := h.sessions.DisconnectSession(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "phone"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found", "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getPairingQR(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.sessions.GetStatus(chi.URLParam(r, "tenant"), chi.URLParam(r, "phone"))
	if !ok || snap.PairingChallenge == "" {
		writeError(w, http.StatusNotFound, "no pairing challenge", "not_found")
		return
	}

	png, err := qrcode.Encode(snap.PairingChallenge, qrcode.Medium, qrImageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render pairing challenge", "internal")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}

	res, err := h.sessions.SendMessage(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "phone"), messageFromRequest(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, apiTypes.SendMessageResponse{MessageID: res.MessageID, Status: res.Status})
}

func messageFromRequest(req apiTypes.SendMessageRequest) domain.OutboundMessage {
	msg := domain.OutboundMessage{
		Kind: domain.MessageKind(req.Kind),
		To:   req.To,
		Text: req.Text,
	}
	if req.Media != nil {
		msg.Media = &domain.MediaPayload{
			URL:      req.Media.URL,
			Data:     req.Media.Data,
			MimeType: req.Media.MimeType,
			Caption:  req.Media.Caption,
			FileName: req.Media.FileName,
		}
	}
	if req.Location != nil {
		msg.Location = &domain.LocationPayload{
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
			Name:      req.Location.Name,
			Address:   req.Location.Address,
		}
	}
	return msg
}

func sessionToResponse(s domain.SessionSnapshot) apiTypes.SessionResponse {
	resp := apiTypes.SessionResponse{
		TenantID:         s.Key.TenantID,
		PhoneNumber:      s.Key.PhoneNumber,
		Provider:         string(s.ProviderKind),
		State:            apiTypes.SessionState(s.State.String()),
		PairingChallenge: s.PairingChallenge,
		DeviceID:         s.DeviceID,
		ResolvedPhone:    s.ResolvedPhone,
		ConnectedAt:      timePtr(s.ConnectedAt),
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		LastError:        s.LastError,
		ReconnectCount:   s.ReconnectCount,
	}
	for _, tr := range s.Transitions {
		resp.Transitions = append(resp.Transitions, apiTypes.StateTransition{
			From:      apiTypes.SessionState(tr.From.String()),
			To:        apiTypes.SessionState(tr.To.String()),
			Reason:    tr.Reason,
			Timestamp: tr.Timestamp,
		})
	}
	return resp
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSessionKey):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_session_key")
	case errors.Is(err, domain.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_payload")
	case errors.Is(err, domain.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error(), "unknown_provider")
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, domain.ErrSessionNotConnected):
		writeError(w, http.StatusConflict, err.Error(), "not_connected")
	case errors.Is(err, domain.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "provider_unavailable")
	case errors.Is(err, domain.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, err.Error(), "delivery_failed")
	case errors.Is(err, domain.ErrCredentialIO):
		writeError(w, http.StatusInternalServerError, err.Error(), "credential_io")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
	}
}
