package httpapi

import (
	"encoding/json"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"wablast/internal/campaign"
	"wablast/internal/provider"
	"wablast/internal/text"
	"wablast/pkg/logx"
)

const maxUploadBytes = 64 << 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.registry.Status(id))
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.Initialize(s.baseCtx, id)
	writeJSON(w, http.StatusAccepted, map[string]any{"initializing": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Disconnect(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Clear(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := s.registry.Conn(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	groups, err := conn.Groups(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if groups == nil {
		groups = []provider.Group{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.history.RecentRuns(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": rows})
}

// handleBroadcast accepts a multipart submission: recipients, one or more
// template fields, policy, delay_seconds, plus optional media + media_mode.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "bad_form", Message: err.Error()})
		return
	}

	delay, _ := strconv.Atoi(r.FormValue("delay_seconds"))
	templates := r.Form["templates"]
	if len(templates) == 0 && r.FormValue("message") != "" {
		// Single-message submissions from the plain form.
		templates = []string{r.FormValue("message")}
	}

	opt := campaign.Options{
		DelaySeconds: delay,
		Templates:    templates,
		Policy:       text.ParsePolicy(r.FormValue("policy")),
	}

	if file, header, err := r.FormFile("media"); err == nil {
		defer file.Close()
		path, err := s.staging.Save(file, header.Filename)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiError{Code: "upload_failed", Message: err.Error()})
			return
		}
		opt.Media = &provider.Media{
			Kind:     mediaKind(header.Filename, header.Header.Get("Content-Type")),
			MIME:     mediaMIME(header.Filename, header.Header.Get("Content-Type")),
			Path:     path,
			FileName: header.Filename,
		}
		opt.MediaMode = campaign.MediaCombined
		if strings.EqualFold(r.FormValue("media_mode"), string(campaign.MediaSeparate)) {
			opt.MediaMode = campaign.MediaSeparate
		}
	}

	runID, err := s.engine.Submit(id, campaign.KindBroadcast, r.FormValue("recipients"), opt)
	if err != nil {
		// The run never started, so its staged media is ours to clean up.
		if opt.Media != nil {
			if rmErr := os.Remove(opt.Media.Path); rmErr != nil {
				s.log.Warn("removing rejected media", logx.Err(rmErr))
			}
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "run_id": runID})
}

type inviteRequest struct {
	GroupID      string `json:"group_id"`
	Recipients   string `json:"recipients"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "bad_json", Message: err.Error()})
		return
	}

	runID, err := s.engine.Submit(id, campaign.KindInvite, req.Recipients, campaign.Options{
		DelaySeconds: req.DelaySeconds,
		GroupID:      req.GroupID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "run_id": runID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind, err := campaign.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeErr(w, err)
		return
	}
	stopped := s.engine.Stop(id, kind)
	writeJSON(w, http.StatusOK, map[string]any{"stopping": stopped})
}

// ---- media typing ----

func mediaMIME(filename, contentType string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func mediaKind(filename, contentType string) provider.MediaKind {
	mt := mediaMIME(filename, contentType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return provider.MediaImage
	case strings.HasPrefix(mt, "video/"):
		return provider.MediaVideo
	case strings.HasPrefix(mt, "audio/"):
		return provider.MediaAudio
	default:
		return provider.MediaDocument
	}
}
