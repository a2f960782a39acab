// Package server exposes the document service over HTTP.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkmarklab/inkmark/internal/compose"
	"github.com/inkmarklab/inkmark/internal/docservice"
	"github.com/inkmarklab/inkmark/internal/grading"
	"github.com/inkmarklab/inkmark/internal/overlay"
	"github.com/inkmarklab/inkmark/internal/pageindex"
)

var errMissingDocumentService = errors.New("document service dependency required")

// MaxUploadBytes bounds a single source-file upload.
const MaxUploadBytes = 64 << 20

// Dependencies carries the collaborators of the HTTP surface.
type Dependencies struct {
	Documents *docservice.Service
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router for the service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{documents: deps.Documents, logger: logger}

	attempts := router.Group("/assignments/:assignment/users/:user/attempts/:attempt")
	attempts.POST("/files", handler.handleUploadFile)
	attempts.GET("/widget", handler.handleWidget)
	attempts.POST("/document", handler.handleGenerateDocument)
	attempts.GET("/document", handler.handleDownloadDocument)

	grades := router.Group("/grades/:gradeid")
	grades.PUT("/comments", handler.handlePutComment)
	grades.PUT("/annotations", handler.handlePutAnnotation)
	grades.DELETE("/comments/:id", handler.handleRemoveComment)
	grades.DELETE("/annotations/:id", handler.handleRemoveAnnotation)
	grades.GET("/overlays", handler.handleListOverlays)
	grades.GET("/overlays/exists", handler.handleHasOverlays)
	grades.POST("/reset", handler.handleReset)

	router.DELETE("/assignments/:assignment/overlays", handler.handleDeleteAttemptData)

	return router, nil
}

type httpHandler struct {
	documents *docservice.Service
	logger    *zap.Logger
}

func parseAttempt(c *gin.Context) (grading.Attempt, bool) {
	assignmentID, err := strconv.ParseInt(c.Param("assignment"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_assignment"})
		return grading.Attempt{}, false
	}
	userID, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return grading.Attempt{}, false
	}
	raw := c.Param("attempt")
	number := grading.LatestAttempt
	if raw != "latest" {
		number, err = strconv.Atoi(raw)
		if err != nil || number < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attempt"})
			return grading.Attempt{}, false
		}
	}
	return grading.Attempt{AssignmentID: assignmentID, UserID: userID, Number: number}, true
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return id, true
}

func (h *httpHandler) handleUploadFile(c *gin.Context) {
	attempt, ok := parseAttempt(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if fileHeader.Size > MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}
	opened, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer opened.Close()
	content, err := io.ReadAll(opened)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}

	mimeType := trimmedOrDefault(fileHeader.Header.Get("Content-Type"), "application/octet-stream")
	file, err := h.documents.UploadSourceFile(c.Request.Context(), attempt, fileHeader.Filename, mimeType, content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       file.ID,
		"gradeId":  file.GradeID,
		"position": file.Position,
		"filename": file.Filename,
		"size":     file.Size,
	})
}

func (h *httpHandler) handleWidget(c *gin.Context) {
	attempt, ok := parseAttempt(c)
	if !ok {
		return
	}
	widget, err := h.documents.Widget(c.Request.Context(), attempt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, widget)
}

func (h *httpHandler) handleGenerateDocument(c *gin.Context) {
	attempt, ok := parseAttempt(c)
	if !ok {
		return
	}
	doc, err := h.documents.GetOrGenerate(c.Request.Context(), attempt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gradeId":     doc.GradeID,
		"filename":    doc.Filename,
		"contentHash": doc.ContentHash,
		"size":        len(doc.Content),
	})
}

func (h *httpHandler) handleDownloadDocument(c *gin.Context) {
	attempt, ok := parseAttempt(c)
	if !ok {
		return
	}
	doc, err := h.documents.Document(c.Request.Context(), attempt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	c.Data(http.StatusOK, "application/pdf", doc.Content)
}

type commentPayload struct {
	ID       int64  `json:"id"`
	PageNo   int    `json:"pageno"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Width    int    `json:"width"`
	RawText  string `json:"rawtext"`
	FgColour string `json:"fgcolour"`
	BgColour string `json:"bgcolour"`
}

func (h *httpHandler) handlePutComment(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	var payload commentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.documents.PutComment(c.Request.Context(), overlay.CommentParams{
		ID:       payload.ID,
		GradeID:  gradeID,
		PageNo:   payload.PageNo,
		X:        payload.X,
		Y:        payload.Y,
		Width:    payload.Width,
		RawText:  payload.RawText,
		FgColour: payload.FgColour,
		BgColour: payload.BgColour,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, commentPayload{
		ID:       comment.ID,
		PageNo:   comment.PageNo,
		X:        comment.X,
		Y:        comment.Y,
		Width:    comment.Width,
		RawText:  comment.RawText,
		FgColour: string(comment.FgColour),
		BgColour: string(comment.BgColour),
	})
}

type annotationPayload struct {
	ID     int64  `json:"id"`
	PageNo int    `json:"pageno"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	EndX   int    `json:"endx"`
	EndY   int    `json:"endy"`
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Colour string `json:"colour"`
}

func (h *httpHandler) handlePutAnnotation(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	var payload annotationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	annotation, err := h.documents.PutAnnotation(c.Request.Context(), overlay.AnnotationParams{
		ID:      payload.ID,
		GradeID: gradeID,
		PageNo:  payload.PageNo,
		X:       payload.X,
		Y:       payload.Y,
		EndX:    payload.EndX,
		EndY:    payload.EndY,
		Path:    payload.Path,
		Kind:    payload.Kind,
		Colour:  payload.Colour,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, annotationPayload{
		ID:     annotation.ID,
		PageNo: annotation.PageNo,
		X:      annotation.X,
		Y:      annotation.Y,
		EndX:   annotation.EndX,
		EndY:   annotation.EndY,
		Path:   annotation.Path,
		Kind:   string(annotation.Kind),
		Colour: string(annotation.Colour),
	})
}

func (h *httpHandler) handleRemoveComment(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.documents.RemoveComment(c.Request.Context(), gradeID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveAnnotation(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.documents.RemoveAnnotation(c.Request.Context(), gradeID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListOverlays(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	set, err := h.documents.ListOverlays(c.Request.Context(), gradeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	comments := make([]commentPayload, 0, len(set.Comments))
	for _, comment := range set.Comments {
		comments = append(comments, commentPayload{
			ID:       comment.ID,
			PageNo:   comment.PageNo,
			X:        comment.X,
			Y:        comment.Y,
			Width:    comment.Width,
			RawText:  comment.RawText,
			FgColour: string(comment.FgColour),
			BgColour: string(comment.BgColour),
		})
	}
	annotations := make([]annotationPayload, 0, len(set.Annotations))
	for _, annotation := range set.Annotations {
		annotations = append(annotations, annotationPayload{
			ID:     annotation.ID,
			PageNo: annotation.PageNo,
			X:      annotation.X,
			Y:      annotation.Y,
			EndX:   annotation.EndX,
			EndY:   annotation.EndY,
			Path:   annotation.Path,
			Kind:   string(annotation.Kind),
			Colour: string(annotation.Colour),
		})
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "annotations": annotations})
}

func (h *httpHandler) handleHasOverlays(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	exists, err := h.documents.HasOverlays(c.Request.Context(), gradeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (h *httpHandler) handleReset(c *gin.Context) {
	gradeID, ok := parseID(c, "gradeid")
	if !ok {
		return
	}
	h.documents.Reset(gradeID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteAttemptData(c *gin.Context) {
	assignmentID, err := strconv.ParseInt(c.Param("assignment"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_assignment"})
		return
	}
	if err := h.documents.DeleteAttemptData(c.Request.Context(), assignmentID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors to HTTP statuses with a stable error token.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var compositionErr *compose.CompositionError
	switch {
	case errors.Is(err, overlay.ErrInvalidColor),
		errors.Is(err, overlay.ErrInvalidGeometry),
		errors.Is(err, overlay.ErrInvalidKind),
		errors.Is(err, overlay.ErrInvalidPage),
		errors.Is(err, docservice.ErrInvalidPage):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorToken(err)})
	case errors.Is(err, pageindex.ErrUnsupportedFormat):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_format"})
	case errors.Is(err, overlay.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, grading.ErrNoAttempt):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_attempt"})
	case errors.Is(err, grading.ErrNoDocument):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_document"})
	case errors.Is(err, docservice.ErrNoSourceFiles):
		c.JSON(http.StatusConflict, gin.H{"error": "no_source_files"})
	case errors.Is(err, docservice.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "generation_timeout"})
	case errors.Is(err, pageindex.ErrConversion), errors.As(err, &compositionErr):
		h.logger.Error("document composition failed", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "composition_failed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func errorToken(err error) string {
	switch {
	case errors.Is(err, overlay.ErrInvalidColor):
		return "invalid_colour"
	case errors.Is(err, overlay.ErrInvalidGeometry):
		return "invalid_geometry"
	case errors.Is(err, overlay.ErrInvalidKind):
		return "invalid_kind"
	default:
		return "invalid_page"
	}
}

// trimmedOrDefault returns fallback when value is blank.
func trimmedOrDefault(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
