package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/sonitag/internal/analysis"
	"github.com/54b3r/sonitag/internal/logging"
)

// allowedAudio lists the accepted upload extensions.
var allowedAudio = map[string]bool{".mp3": true, ".wav": true}

// handleAnalyze handles POST /api/analyze. The multipart form carries a
// required "preview" file, an optional "full" file and optional "title",
// "artist" and "genre" fields. The response is the analysis result.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	preview, err := s.saveUpload(r, "preview", true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	full, err := s.saveUpload(r, "full", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.metrics.analyzeInFlight.Inc()
	defer s.metrics.analyzeInFlight.Dec()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AnalyzeTimeout)
	defer cancel()

	res, err := s.analyzer.ProcessUpload(ctx, &analysis.Upload{
		PreviewPath: preview,
		FullPath:    full,
		Title:       strings.TrimSpace(r.FormValue("title")),
		Artist:      strings.TrimSpace(r.FormValue("artist")),
		Genre:       strings.TrimSpace(r.FormValue("genre")),
	})
	outcome := analyzeOutcome(err)
	s.metrics.analyzeRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.analyzeDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Error("analyze failed",
			slog.String("outcome", outcome),
			slog.String("preview", filepath.Base(preview)),
			slog.Any("error", err),
		)
		switch outcome {
		case "timeout":
			writeError(w, r, http.StatusGatewayTimeout, "analysis timed out")
		case "embedding_error":
			writeError(w, r, http.StatusBadGateway, "embedding failed")
		default:
			writeError(w, r, http.StatusInternalServerError, "analysis failed")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, res)
}

// analyzeOutcome is the metrics label for a pipeline error.
func analyzeOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, analysis.ErrEmbedding):
		return "embedding_error"
	default:
		return "error"
	}
}

// saveUpload copies the form file named field into UploadDir under a
// unique name and returns its path. A missing optional file yields "".
func (s *Server) saveUpload(r *http.Request, field string, required bool) (string, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		if required {
			return "", fmt.Errorf("%s file is required", field)
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("invalid %s file", field)
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if !allowedAudio[ext] {
		return "", fmt.Errorf("%s must be an MP3 or WAV file", field)
	}

	path := filepath.Join(s.cfg.UploadDir, uploadName(hdr, field, ext))
	if err := copyToFile(f, path); err != nil {
		logging.FromContext(r.Context()).Error("upload save failed", slog.String("path", path), slog.Any("error", err))
		return "", fmt.Errorf("could not store %s file", field)
	}
	return path, nil
}

// uploadName builds "<uuid>-<field>-<stem><ext>" from the client name,
// keeping only its base name.
func uploadName(hdr *multipart.FileHeader, field, ext string) string {
	stem := strings.TrimSuffix(filepath.Base(hdr.Filename), filepath.Ext(hdr.Filename))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, stem)
	return fmt.Sprintf("%s-%s-%s%s", uuid.NewString(), field, stem, ext)
}

// copyToFile writes src to path, removing the partial file on failure.
func copyToFile(src io.Reader, path string) error {
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return err
	}
	return dst.Close()
}
