package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/inkmarklab/inkmark/internal/compose"
	"github.com/inkmarklab/inkmark/internal/docservice"
	"github.com/inkmarklab/inkmark/internal/grading"
	"github.com/inkmarklab/inkmark/internal/overlay"
	"github.com/inkmarklab/inkmark/internal/pageindex"
)

// stubConverter renders deterministic fake pages. The page count of a source
// file equals its byte size so tests can shape attempts cheaply.
type stubConverter struct{}

func (stubConverter) PageCount(ctx context.Context, file grading.SourceFile) (int, error) {
	return int(file.Size), nil
}

func (stubConverter) NewJob(ctx context.Context) (compose.Job, error) {
	return &stubJob{}, nil
}

type stubJob struct {
	lines []string
}

func (j *stubJob) RenderPage(ctx context.Context, file grading.SourceFile, offset int) (compose.Canvas, error) {
	j.lines = append(j.lines, fmt.Sprintf("%s:%d", file.Filename, offset))
	return &stubCanvas{job: j}, nil
}

func (j *stubJob) Finalize(ctx context.Context) ([]byte, error) {
	return []byte("%PDF-stub\n" + strings.Join(j.lines, "\n")), nil
}

type stubCanvas struct {
	job *stubJob
}

func (c *stubCanvas) record(op string) { c.job.lines = append(c.job.lines, op) }

func (c *stubCanvas) Size() (float64, float64) { return 612, 792 }
func (c *stubCanvas) FillTextBox(box compose.TextBox) {
	c.record("textbox " + box.Text)
}
func (c *stubCanvas) StrokeLine(x1, y1, x2, y2 float64, colour compose.RGB, w float64) {
	c.record("line")
}
func (c *stubCanvas) StrokeRect(x, y, w, h float64, colour compose.RGB, lw float64) {
	c.record("rect")
}
func (c *stubCanvas) StrokeOval(x, y, w, h float64, colour compose.RGB, lw float64) {
	c.record("oval")
}
func (c *stubCanvas) Highlight(x, y, w, h float64, colour compose.RGB) {
	c.record("highlight")
}
func (c *stubCanvas) Pen(points []compose.PenPoint, colour compose.RGB, lw float64) {
	c.record("pen")
}
func (c *stubCanvas) Stamp(x, y, w, h float64, name string, colour compose.RGB) {
	c.record("stamp " + name)
}

type serialIDProvider struct {
	index int
}

func (p *serialIDProvider) NewID() (string, error) {
	p.index++
	return fmt.Sprintf("%d", p.index), nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&grading.Grade{}, &grading.SourceFile{}, &grading.FeedbackDocument{},
		&overlay.CommentRecord{}, &overlay.AnnotationRecord{}, &overlay.GradeOverlayState{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	overlays, err := overlay.NewStore(overlay.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct overlay store: %v", err)
	}
	grades, err := grading.NewStore(grading.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct grading store: %v", err)
	}
	pages := pageindex.NewIndex(pageindex.IndexConfig{})
	pages.Register("application/pdf", stubConverter{})
	composer, err := compose.NewComposer(compose.ComposerConfig{Converter: stubConverter{}})
	if err != nil {
		t.Fatalf("failed to construct composer: %v", err)
	}
	documents, err := docservice.NewService(docservice.ServiceConfig{
		Overlays:   overlays,
		Grades:     grades,
		Pages:      pages,
		Composer:   composer,
		IDProvider: &serialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{Documents: documents})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func uploadRequest(t *testing.T, target, filename, mimeType string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create form part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close form writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, target, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func doJSON(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestUploadAnnotateGenerateDownloadFlow(t *testing.T) {
	handler := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, uploadRequest(t,
		"/assignments/1/users/2/attempts/0/files", "essay.pdf", "application/pdf", []byte{1, 2, 3}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var uploaded struct {
		GradeID  int64 `json:"gradeId"`
		Position int   `json:"position"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	if uploaded.GradeID == 0 || uploaded.Position != 1 {
		t.Fatalf("unexpected upload response: %s", recorder.Body.String())
	}

	target := fmt.Sprintf("/grades/%d/comments", uploaded.GradeID)
	recorder = doJSON(handler, http.MethodPut, target,
		`{"pageno":2,"x":10,"y":20,"rawtext":"tighten this","bgcolour":"yellow"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var comment struct {
		ID    int64 `json:"id"`
		Width int   `json:"width"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &comment); err != nil {
		t.Fatalf("failed to decode comment response: %v", err)
	}
	if comment.ID == 0 {
		t.Fatalf("expected assigned comment id: %s", recorder.Body.String())
	}
	if comment.Width != 120 {
		t.Fatalf("expected default width 120, got %d", comment.Width)
	}

	recorder = doJSON(handler, http.MethodPut, fmt.Sprintf("/grades/%d/annotations", uploaded.GradeID),
		`{"pageno":1,"x":5,"y":5,"endx":90,"endy":40,"kind":"highlight","colour":"yellow"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(handler, http.MethodPost, "/assignments/1/users/2/attempts/0/document", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var generated struct {
		Filename    string `json:"filename"`
		ContentHash string `json:"contentHash"`
		Size        int    `json:"size"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &generated); err != nil {
		t.Fatalf("failed to decode generate response: %v", err)
	}
	if generated.Filename != "feedback-1.pdf" || generated.ContentHash == "" || generated.Size == 0 {
		t.Fatalf("unexpected generate response: %s", recorder.Body.String())
	}

	recorder = doJSON(handler, http.MethodGet, "/assignments/1/users/2/attempts/0/document", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := recorder.Header().Get("Content-Disposition"); got != `attachment; filename="feedback-1.pdf"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if !bytes.HasPrefix(recorder.Body.Bytes(), []byte("%PDF-")) {
		t.Fatalf("expected pdf payload, got %q", recorder.Body.String())
	}

	recorder = doJSON(handler, http.MethodGet, "/assignments/1/users/2/attempts/latest/widget", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var widget struct {
		DocumentURL string `json:"documentUrl"`
		PageCount   int    `json:"pageCount"`
		ReadOnly    bool   `json:"readOnly"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &widget); err != nil {
		t.Fatalf("failed to decode widget response: %v", err)
	}
	if widget.DocumentURL != "/assignments/1/users/2/attempts/0/document" {
		t.Fatalf("unexpected document url %q", widget.DocumentURL)
	}
	if widget.PageCount != 3 || widget.ReadOnly {
		t.Fatalf("unexpected widget: %s", recorder.Body.String())
	}
}

func TestPutCommentRejectsUnknownColour(t *testing.T) {
	handler := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, uploadRequest(t,
		"/assignments/1/users/2/attempts/0/files", "essay.pdf", "application/pdf", []byte{1}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d", recorder.Code)
	}

	recorder = doJSON(handler, http.MethodPut, "/grades/1/comments",
		`{"pageno":1,"rawtext":"x","bgcolour":"turquoise"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	expected := `{"error":"invalid_colour"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestPutCommentRejectsPageBeyondAttempt(t *testing.T) {
	handler := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, uploadRequest(t,
		"/assignments/1/users/2/attempts/0/files", "essay.pdf", "application/pdf", []byte{1, 2}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d", recorder.Code)
	}

	recorder = doJSON(handler, http.MethodPut, "/grades/1/comments",
		`{"pageno":9,"rawtext":"off the end"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	expected := `{"error":"invalid_page"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	handler := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, uploadRequest(t,
		"/assignments/1/users/2/attempts/0/files", "essay.docx", "application/msword", []byte{1}))
	if recorder.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected unsupported media type status, got %d", recorder.Code)
	}
	expected := `{"error":"unsupported_format"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestDownloadWithoutDocument(t *testing.T) {
	handler := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, uploadRequest(t,
		"/assignments/1/users/2/attempts/0/files", "essay.pdf", "application/pdf", []byte{1}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d", recorder.Code)
	}

	recorder = doJSON(handler, http.MethodGet, "/assignments/1/users/2/attempts/0/document", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found status, got %d", recorder.Code)
	}
	expected := `{"error":"no_document"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestGenerateWithoutSources(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(handler, http.MethodPost, "/assignments/1/users/2/attempts/0/document", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	expected := `{"error":"no_source_files"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestRemoveMissingOverlay(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(handler, http.MethodDelete, "/grades/1/comments/42", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found status, got %d", recorder.Code)
	}
	expected := `{"error":"not_found"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestDeleteAttemptDataClearsOverlays(t *testing.T) {
	handler := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, uploadRequest(t,
		"/assignments/7/users/2/attempts/0/files", "essay.pdf", "application/pdf", []byte{1}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d", recorder.Code)
	}
	recorder = doJSON(handler, http.MethodPut, "/grades/1/comments", `{"pageno":1,"rawtext":"x"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(handler, http.MethodGet, "/grades/1/overlays/exists", "")
	if recorder.Body.String() != `{"exists":true}` {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}

	recorder = doJSON(handler, http.MethodDelete, "/assignments/7/overlays", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content status, got %d", recorder.Code)
	}

	recorder = doJSON(handler, http.MethodGet, "/grades/1/overlays/exists", "")
	if recorder.Body.String() != `{"exists":false}` {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestListOverlaysEmptyGrade(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(handler, http.MethodGet, "/grades/5/overlays", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok status, got %d", recorder.Code)
	}
	expected := `{"annotations":[],"comments":[]}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestParseAttemptValidation(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(handler, http.MethodGet, "/assignments/1/users/2/attempts/newest/widget", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	expected := `{"error":"invalid_attempt"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}

	recorder = doJSON(handler, http.MethodGet, "/assignments/x/users/2/attempts/0/widget", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request status, got %d", recorder.Code)
	}
}

func TestWidgetForUnknownLatestAttempt(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(handler, http.MethodGet, "/assignments/1/users/2/attempts/latest/widget", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	expected := `{"error":"no_attempt"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}
