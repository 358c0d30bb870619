package expense

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/media"
)

// maxUploadSize bounds multipart receipt uploads
const maxUploadSize = int64(32 << 20)

type messageRequest struct {
	Text     string `json:"text"`
	MediaRef string `json:"media_ref"`
	Caption  string `json:"caption"`
}

type replyResponse struct {
	Handled bool   `json:"handled"`
	Reply   string `json:"reply,omitempty"`
	Step    Step   `json:"step"`
}

type flowResponse struct {
	Tenant       string    `json:"tenant"`
	Conversation string    `json:"conversation"`
	Step         Step      `json:"step"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeReply(w http.ResponseWriter, reply Reply) {
	writeJSON(w, http.StatusOK, replyResponse{
		Handled: reply.Handled,
		Reply:   reply.Text,
		Step:    reply.Step,
	})
}

func conversationKey(r *http.Request) (Key, bool) {
	key := Key{
		Tenant:       strings.TrimSpace(r.PathValue("tenant")),
		Conversation: strings.TrimSpace(r.PathValue("conversation")),
	}
	return key, key.Tenant != "" && key.Conversation != ""
}

// handleMessage routes an inbound message. A media reference makes it a receipt.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(r)
	if !ok {
		writeError(w, "Tenant and conversation are required", http.StatusBadRequest)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.MediaRef) != "" {
		m := s.download(r, key, req.MediaRef)
		reply, err := s.service.HandleReceipt(r.Context(), key, m, req.Caption)
		if err != nil {
			slog.Error("Error handling receipt", "key", key.String(), "error", err)
			writeError(w, "Internal server error", http.StatusServiceUnavailable)
			return
		}
		writeReply(w, reply)
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		writeError(w, "Message has neither text nor media", http.StatusBadRequest)
		return
	}

	reply, err := s.service.HandleText(r.Context(), key, req.Text)
	if err != nil {
		slog.Error("Error handling message", "key", key.String(), "error", err)
		writeError(w, "Internal server error", http.StatusServiceUnavailable)
		return
	}
	writeReply(w, reply)
}

// download fetches the referenced media, returning nil when it cannot be had
func (s *Server) download(r *http.Request, key Key, ref string) *media.Media {
	if s.downloader == nil {
		slog.Warn("Media reference received but no downloader configured", "key", key.String())
		return nil
	}
	m, err := s.downloader.Download(r.Context(), ref)
	if err != nil {
		slog.Error("Error downloading media", "key", key.String(), "ref", ref, "error", err)
		return nil
	}
	return m
}

// handleUploadReceipt starts a flow from a multipart file upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(r)
	if !ok {
		writeError(w, "Tenant and conversation are required", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "File is too large. Maximum size is 32MB.", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromFilename(header.Filename, data)
	}

	m := &media.Media{
		Data:     data,
		MimeType: strings.ToLower(strings.TrimSpace(contentType)),
		Filename: header.Filename,
	}
	reply, err := s.service.HandleReceipt(r.Context(), key, m, r.FormValue("caption"))
	if err != nil {
		slog.Error("Error handling receipt", "key", key.String(), "error", err)
		writeError(w, "Internal server error", http.StatusServiceUnavailable)
		return
	}
	writeReply(w, reply)
}

func contentTypeFromFilename(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return http.DetectContentType(data)
	}
}

// handleGetFlow reports the conversation's current step
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(r)
	if !ok {
		writeError(w, "Tenant and conversation are required", http.StatusBadRequest)
		return
	}

	state, err := s.service.ActiveFlow(r.Context(), key)
	if errors.Is(err, ErrNoActiveFlow) {
		writeError(w, "No active flow", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error loading flow", "key", key.String(), "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, flowResponse{
		Tenant:       key.Tenant,
		Conversation: key.Conversation,
		Step:         state.Step(),
		ExpiresAt:    state.ExpiresAt,
	})
}

// handleDeleteFlow ends the conversation's flow
func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(r)
	if !ok {
		writeError(w, "Tenant and conversation are required", http.StatusBadRequest)
		return
	}

	if err := s.service.Reset(r.Context(), key); err != nil {
		slog.Error("Error resetting flow", "key", key.String(), "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
