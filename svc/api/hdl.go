package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"clipvault/cfg"
	"clipvault/pkg/domain"
	"clipvault/svc/svc"
	"clipvault/svc/util"
)

type Hdl struct {
	history *svc.History
	cfg     *cfg.Cfg
}

// RecordResp is the host-facing projection of one record. Raw payload bytes
// never go over the wire; the shell renders display text and, for images,
// reads the cached file path itself.
type RecordResp struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Text            string    `json:"text"`
	SourceApp       string    `json:"source_app,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Pinned          bool      `json:"pinned"`
	Score           int64     `json:"score"`
	CachedImagePath string    `json:"cached_image_path,omitempty"`
}

type PinReq struct {
	Pinned bool `json:"pinned"`
}

func toRecordResp(rec *domain.ClipboardRecord) RecordResp {
	return RecordResp{
		ID:              rec.HashID,
		Type:            rec.ContentType.String(),
		Text:            rec.DisplayText(),
		SourceApp:       rec.SourceApp,
		CreatedAt:       rec.CreatedAt,
		Pinned:          rec.Pinned,
		Score:           rec.OrdinalScore,
		CachedImagePath: rec.CachedImagePath,
	}
}

// QueryRecords handles GET /records?q=. An empty q returns the whole list
// in display order.
func (h *Hdl) QueryRecords(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	q := r.URL.Query().Get("q")

	records, err := h.history.Query(r.Context(), q)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("query failed")
		writeErr(w, err, requestID)
		return
	}
	resp := make([]RecordResp, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toRecordResp(rec))
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// PinRecord handles POST /records/{id}/pin.
func (h *Hdl) PinRecord(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	var req PinReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid pin request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.history.Pin(r.Context(), id, req.Pinned); err != nil {
		log.Warn().Err(err).Str("id", id).Str("request_id", requestID).Msg("pin failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRecord handles DELETE /records/{id}.
func (h *Hdl) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.history.Delete(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("id", id).Str("request_id", requestID).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllRecords handles DELETE /records. With keep_pinned=true only
// unpinned records are cleared.
func (h *Hdl) DeleteAllRecords(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	if r.URL.Query().Get("keep_pinned") == "true" {
		if _, err := h.history.DeleteUnpinned(r.Context()); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("delete unpinned failed")
			writeErr(w, err, requestID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.history.DeleteAll(r.Context()); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("delete all failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotifyClipboard handles POST /clipboard/notify, the host shell's change
// signal. Always 202: the watcher decides whether anything gets captured.
func (h *Hdl) NotifyClipboard(w http.ResponseWriter, r *http.Request) {
	h.history.NotifyClipboard()
	w.WriteHeader(http.StatusAccepted)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domain.Status(err))
	resp := struct {
		domain.ErrResp
		RequestID string `json:"request_id,omitempty"`
	}{domain.ToResp(err), requestID}
	json.NewEncoder(w).Encode(resp)
}
