package api

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notekeep/internal/server/database"
	"notekeep/internal/server/service"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the notes API.
type Handler struct {
	svc *service.UploadService
	db  database.Store
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.UploadService, db database.Store) *Handler {
	return &Handler{svc: svc, db: db}
}

type noteView struct {
	ID         string         `json:"id"`
	Kind       string         `json:"type"`
	Content    string         `json:"content,omitempty"`
	Annotation string         `json:"additional_text,omitempty"`
	Files      []artifactView `json:"files"`
	CreatedAt  time.Time      `json:"created_at"`
}

type artifactView struct {
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	Fingerprint  string `json:"fingerprint"`
}

type skippedView struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func toNoteView(n *database.Note) *noteView {
	v := &noteView{
		ID:         n.ID,
		Kind:       string(n.Kind),
		Content:    n.Text,
		Annotation: n.Annotation,
		Files:      make([]artifactView, 0, len(n.Artifacts)),
		CreatedAt:  n.CreatedAt,
	}
	for _, a := range n.Artifacts {
		v.Files = append(v.Files, *toArtifactView(a))
	}
	return v
}

func toArtifactView(a *database.Artifact) *artifactView {
	return &artifactView{
		Name:         a.StorageName,
		OriginalName: a.OriginalName,
		Size:         a.Size,
		Fingerprint:  a.Fingerprint,
	}
}

// HandleChunk handles POST /api/notes/chunks.
// Accepts a multipart form with a "chunk" file and the session fields.
func (h *Handler) HandleChunk(c echo.Context) error {
	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		return badRequest(c, "chunk is required (use form field 'chunk')")
	}
	index, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil {
		return badRequest(c, "chunkIndex must be an integer")
	}
	total, err := strconv.Atoi(c.FormValue("totalChunks"))
	if err != nil {
		return badRequest(c, "totalChunks must be an integer")
	}
	filename := c.FormValue("filename")
	if filename == "" {
		filename = fileHeader.Filename
	}

	src, err := fileHeader.Open()
	if err != nil {
		return mapServiceError(c, fmt.Errorf("%w: read chunk: %v", service.ErrIOFailure, err))
	}
	defer src.Close()

	result, err := h.svc.ReceiveChunk(c.Request().Context(), ownerOf(c), service.ChunkRequest{
		SessionID:  c.FormValue("chunkId"),
		Ordinal:    index,
		Total:      total,
		Filename:   filename,
		Mode:       service.Mode(c.FormValue("mode")),
		Annotation: c.FormValue("additional_text"),
		Body:       src,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return writeResult(c, result)
}

type createNoteRequest struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Filename   string `json:"filename"`
	Annotation string `json:"additional_text"`
}

// HandleCreateNote handles POST /api/notes for text notes and small files.
func (h *Handler) HandleCreateNote(c echo.Context) error {
	var req createNoteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	result, err := h.svc.CreateNote(c.Request().Context(), ownerOf(c), service.SmallRequest{
		Type:       req.Type,
		Content:    req.Content,
		Filename:   req.Filename,
		Annotation: req.Annotation,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return writeResult(c, result)
}

type createGalleryRequest struct {
	Files      []string `json:"files"`
	Annotation string   `json:"additional_text"`
}

// HandleCreateGallery handles POST /api/notes/gallery.
// Binds files staged with mode=gallery into one note.
func (h *Handler) HandleCreateGallery(c echo.Context) error {
	var req createGalleryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	result, err := h.svc.CreateGallery(c.Request().Context(), ownerOf(c), req.Files, req.Annotation)
	if err != nil {
		return mapServiceError(c, err)
	}
	return writeResult(c, result)
}

// HandleGetNote handles GET /api/notes/:id.
func (h *Handler) HandleGetNote(c echo.Context) error {
	note, err := h.svc.GetNote(c.Request().Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"note": toNoteView(note)})
}

type editNoteRequest struct {
	Content string `json:"content"`
}

// HandleEditNote handles PATCH /api/notes/:id.
// Replaces the text of a text note or the caption of any other note.
func (h *Handler) HandleEditNote(c echo.Context) error {
	var req editNoteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	note, err := h.svc.EditNote(c.Request().Context(), ownerOf(c), c.Param("id"), req.Content)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"note": toNoteView(note)})
}

// HandleDeleteNote handles DELETE /api/notes/:id.
func (h *Handler) HandleDeleteNote(c echo.Context) error {
	if err := h.svc.DeleteNote(c.Request().Context(), ownerOf(c), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "note deleted successfully",
	})
}

// HandleDownload handles GET /api/notes/:id/download.
// File notes are served as-is; galleries and archives as a zip bundle.
func (h *Handler) HandleDownload(c echo.Context) error {
	ctx := c.Request().Context()
	note, err := h.svc.GetNote(ctx, ownerOf(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	switch note.Kind {
	case database.KindText:
		setDisposition(c, "attachment", "note_"+note.ID+".txt")
		return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, []byte(note.Text))
	case database.KindFile:
		return h.serveArtifact(c, note.ID, 0, "attachment")
	}

	setDisposition(c, "attachment", service.BundleName(note))
	c.Response().Header().Set(echo.HeaderContentType, "application/zip")
	c.Response().WriteHeader(http.StatusOK)
	if err := h.svc.WriteBundle(ctx, note, c.Response()); err != nil {
		// Headers are already out; all that is left is to cut the stream short.
		slog.Error("bundle download failed", "note_id", note.ID, "error", err)
	}
	return nil
}

// HandleFile handles GET /api/notes/:id/files/:index.
func (h *Handler) HandleFile(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return badRequest(c, "file index must be an integer")
	}
	return h.serveArtifact(c, c.Param("id"), index, "")
}

func (h *Handler) serveArtifact(c echo.Context, noteID string, index int, disposition string) error {
	f, artifact, err := h.svc.OpenArtifact(c.Request().Context(), ownerOf(c), noteID, index)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer f.Close()

	// Only sniff-verified image types are rendered by the browser.
	if disposition == "" {
		disposition = "attachment"
		if h.svc.Previewable(artifact.OriginalName) {
			disposition = "inline"
		}
	}
	setDisposition(c, disposition, artifact.OriginalName)
	http.ServeContent(c.Response(), c.Request(), artifact.StorageName, artifact.CreatedAt, f)
	return nil
}

func setDisposition(c echo.Context, disposition, filename string) {
	filename = strings.ReplaceAll(filename, "/", "_")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType(disposition, map[string]string{"filename": filename}))
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   service.ReasonPersistence,
			"message": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_notes":        stats.Notes,
		"total_files":        stats.Artifacts,
		"storage_used_bytes": stats.BytesStored,
		"storage_used_human": humanize.IBytes(uint64(max(stats.BytesStored, 0))),
	})
}

func writeResult(c echo.Context, r *service.Result) error {
	body := echo.Map{}
	if len(r.Skipped) > 0 {
		skipped := make([]skippedView, 0, len(r.Skipped))
		for _, s := range r.Skipped {
			skipped = append(skipped, skippedView{Name: s.Name, Reason: s.Reason})
		}
		body["skipped"] = skipped
	}
	if r.Artifact != nil {
		body["artifact"] = toArtifactView(r.Artifact)
	}

	switch r.Status {
	case service.StatusAccepted:
		body["accepted"] = true
		body["received"] = r.Received
		body["total"] = r.Total
		return c.JSON(http.StatusAccepted, body)
	case service.StatusDuplicate:
		body["duplicate"] = true
		body["reason"] = service.ReasonDuplicateContent
		return c.JSON(http.StatusConflict, body)
	case service.StatusStaged:
		return c.JSON(http.StatusCreated, body)
	default:
		if r.Note != nil {
			body["note"] = toNoteView(r.Note)
		}
		return c.JSON(http.StatusCreated, body)
	}
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{
		"error":   service.ReasonInvalidRequest,
		"message": message,
	})
}

var statusByReason = map[string]int{
	service.ReasonIOFailure:        http.StatusServiceUnavailable,
	service.ReasonStorageFailure:   http.StatusInternalServerError,
	service.ReasonSessionConflict:  http.StatusConflict,
	service.ReasonIncompleteUpload: http.StatusConflict,
	service.ReasonInvalidType:      http.StatusUnsupportedMediaType,
	service.ReasonOversized:        http.StatusRequestEntityTooLarge,
	service.ReasonBadArchive:       http.StatusUnprocessableEntity,
	service.ReasonEmptyArchive:     http.StatusUnprocessableEntity,
	service.ReasonDuplicateContent: http.StatusConflict,
	service.ReasonPersistence:      http.StatusInternalServerError,
	service.ReasonInvalidRequest:   http.StatusBadRequest,
	service.ReasonNotFound:         http.StatusNotFound,
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	reason := service.ReasonCode(err)
	status, ok := statusByReason[reason]
	if !ok {
		status = http.StatusInternalServerError
	}

	// Server-side errors carry filesystem paths; only the log sees them.
	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "reason", reason, "error", err)
		message = "internal server error"
	}
	if service.Retryable(err) {
		c.Response().Header().Set("Retry-After", "1")
		message = "temporary storage failure, resend the part"
	}

	return c.JSON(status, echo.Map{
		"error":   reason,
		"message": message,
	})
}
