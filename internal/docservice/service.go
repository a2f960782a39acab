// Package docservice is the single entry point for feedback-document
// operations. It coordinates the overlay store, the page index, and the
// composer, and owns the per-grade generation lifecycle.
package docservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/inkmarklab/inkmark/internal/compose"
	"github.com/inkmarklab/inkmark/internal/grading"
	"github.com/inkmarklab/inkmark/internal/overlay"
	"github.com/inkmarklab/inkmark/internal/pageindex"
)

var (
	errMissingOverlays   = errors.New("overlay store is required")
	errMissingGrades     = errors.New("grading store is required")
	errMissingPages      = errors.New("page index is required")
	errMissingComposer   = errors.New("composer is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrInvalidPage indicates an overlay object aimed at a page outside the
	// attempt's page range.
	ErrInvalidPage = errors.New("docservice: page outside attempt")
	// ErrTimeout indicates the caller's deadline expired while a document was
	// being generated. The generation itself keeps running.
	ErrTimeout = errors.New("docservice: generation timed out")
	// ErrNoSourceFiles indicates the attempt has nothing to compose.
	ErrNoSourceFiles = errors.New("docservice: attempt has no source files")
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "docservice.service.new"
	opGetOrGenerate     = "docservice.get_or_generate"
	opWidget            = "docservice.widget"
	opPutComment        = "docservice.put_comment"
	opPutAnnotation     = "docservice.put_annotation"
	opRemoveComment     = "docservice.remove_comment"
	opRemoveAnnotation  = "docservice.remove_annotation"
	opDeleteAttemptData = "docservice.delete_attempt_data"
	opUploadSourceFile  = "docservice.upload_source_file"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// State describes the document lifecycle of one grade record.
type State int

const (
	StateNoDocument State = iota
	StateGenerating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "no_document"
	}
}

// IDProvider supplies identifiers for generated document filenames.
type IDProvider interface {
	NewID() (string, error)
}

// Widget is the embeddable summary of an attempt's feedback state.
type Widget struct {
	DocumentURL string   `json:"documentUrl,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	PageCount   int      `json:"pageCount"`
	StampNames  []string `json:"stampNames"`
	ReadOnly    bool     `json:"readOnly"`
}

// ServiceConfig describes the dependencies of the facade.
type ServiceConfig struct {
	Overlays   *overlay.Store
	Grades     *grading.Store
	Pages      *pageindex.Index
	Composer   *compose.Composer
	IDProvider IDProvider
	StampsDir  string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// failure is a sticky generation failure, valid for exactly the overlay
// revision and source set it was observed at. A timeout failure is
// transient: it marks the grade as Failed for state reporting but never
// blocks a retry, and the detached generation overwrites or clears it when
// it completes.
type failure struct {
	revision    int64
	fingerprint string
	err         error
	timeout     bool
}

// Service coordinates overlay mutations and document generation. At most one
// generation runs per grade record at any time; concurrent requesters share
// its result.
type Service struct {
	overlays   *overlay.Store
	grades     *grading.Store
	pages      *pageindex.Index
	composer   *compose.Composer
	idProvider IDProvider
	stampsDir  string
	clock      func() time.Time
	logger     *zap.Logger

	flight singleflight.Group

	mu         sync.Mutex
	generating map[int64]int
	failures   map[int64]failure
}

// NewService constructs the facade.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Overlays == nil {
		return nil, newServiceError(opServiceNew, "missing_overlay_store", errMissingOverlays)
	}
	if cfg.Grades == nil {
		return nil, newServiceError(opServiceNew, "missing_grading_store", errMissingGrades)
	}
	if cfg.Pages == nil {
		return nil, newServiceError(opServiceNew, "missing_page_index", errMissingPages)
	}
	if cfg.Composer == nil {
		return nil, newServiceError(opServiceNew, "missing_composer", errMissingComposer)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		overlays:   cfg.Overlays,
		grades:     cfg.Grades,
		pages:      cfg.Pages,
		composer:   cfg.Composer,
		idProvider: cfg.IDProvider,
		stampsDir:  cfg.StampsDir,
		clock:      clock,
		logger:     logger,
		generating: make(map[int64]int),
		failures:   make(map[int64]failure),
	}, nil
}

// GetOrGenerate returns the attempt's feedback document, composing it first
// when none exists or the cached one is stale. Concurrent callers for the
// same grade share a single composition. When the caller's context expires
// mid-generation the call returns ErrTimeout and records a retryable
// timeout failure, while the generation itself continues; a later call
// picks up its result.
func (s *Service) GetOrGenerate(ctx context.Context, attempt grading.Attempt) (grading.FeedbackDocument, error) {
	grade, err := s.grades.ResolveGrade(ctx, attempt)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}

	key := flightKey(grade.ID)
	ch := s.flight.DoChan(key, func() (any, error) {
		s.markGenerating(grade.ID, 1)
		defer s.markGenerating(grade.ID, -1)
		return s.generate(context.WithoutCancel(ctx), grade)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return grading.FeedbackDocument{}, res.Err
		}
		return res.Val.(grading.FeedbackDocument), nil
	case <-ctx.Done():
		s.flight.Forget(key)
		err := newServiceError(opGetOrGenerate, "timeout", ErrTimeout)
		s.recordTimeout(grade.ID, err)
		s.logger.Warn("document generation timed out",
			zap.Int64("grade_id", grade.ID), zap.Error(ctx.Err()))
		return grading.FeedbackDocument{}, err
	}
}

func (s *Service) generate(ctx context.Context, grade grading.Grade) (grading.FeedbackDocument, error) {
	files, err := s.grades.SourceFiles(ctx, grade.ID)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}
	if len(files) == 0 {
		return grading.FeedbackDocument{}, newServiceError(opGetOrGenerate, "no_source_files", ErrNoSourceFiles)
	}
	revision, err := s.overlays.Revision(ctx, grade.ID)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}
	fingerprint := grading.SourceFingerprint(files)

	if doc, err := s.grades.LoadDocument(ctx, grade.ID); err == nil &&
		doc.OverlayRevision == revision && doc.SourceFingerprint == fingerprint {
		return doc, nil
	}

	if cause, stuck := s.stickyFailure(grade.ID, revision, fingerprint); stuck {
		return grading.FeedbackDocument{}, cause
	}

	doc, err := s.compose(ctx, grade, files, revision, fingerprint)
	if err != nil {
		s.recordFailure(grade.ID, revision, fingerprint, err)
		s.logger.Error("document generation failed",
			zap.Int64("grade_id", grade.ID),
			zap.Int64("overlay_revision", revision),
			zap.Error(err))
		return grading.FeedbackDocument{}, err
	}
	s.clearFailure(grade.ID)
	return doc, nil
}

func (s *Service) compose(ctx context.Context, grade grading.Grade, files []grading.SourceFile, revision int64, fingerprint string) (grading.FeedbackDocument, error) {
	pages, err := s.pages.Resolve(ctx, grade.ID, files)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}
	set, err := s.overlays.List(ctx, grade.ID)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}
	result, err := s.composer.Compose(ctx, pages, files, set)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return grading.FeedbackDocument{}, newServiceError(opGetOrGenerate, "id_failed", err)
	}
	doc := grading.FeedbackDocument{
		GradeID:           grade.ID,
		Filename:          fmt.Sprintf("feedback-%s.pdf", id),
		Content:           result.Content,
		ContentHash:       result.Hash,
		OverlayRevision:   revision,
		SourceFingerprint: fingerprint,
	}
	if err := s.grades.SaveDocument(ctx, doc); err != nil {
		return grading.FeedbackDocument{}, err
	}
	s.logger.Info("feedback document composed",
		zap.Int64("grade_id", grade.ID),
		zap.Int("pages", result.Pages),
		zap.Int64("overlay_revision", revision),
		zap.String("hash", result.Hash))
	return doc, nil
}

// Document returns the cached feedback document without ever triggering
// generation. ErrNoDocument surfaces when none has been composed yet.
func (s *Service) Document(ctx context.Context, attempt grading.Attempt) (grading.FeedbackDocument, error) {
	grade, err := s.grades.ResolveGrade(ctx, attempt)
	if err != nil {
		return grading.FeedbackDocument{}, err
	}
	return s.grades.LoadDocument(ctx, grade.ID)
}

// State reports the grade's document lifecycle state.
func (s *Service) State(ctx context.Context, gradeID int64) (State, error) {
	s.mu.Lock()
	inFlight := s.generating[gradeID] > 0
	s.mu.Unlock()
	if inFlight {
		return StateGenerating, nil
	}

	files, err := s.grades.SourceFiles(ctx, gradeID)
	if err != nil {
		return StateNoDocument, err
	}
	revision, err := s.overlays.Revision(ctx, gradeID)
	if err != nil {
		return StateNoDocument, err
	}
	fingerprint := grading.SourceFingerprint(files)

	// A current document always wins: a generation that timed out for one
	// caller may still have completed, and its result supersedes the
	// recorded failure.
	doc, err := s.grades.LoadDocument(ctx, gradeID)
	if err != nil && !errors.Is(err, grading.ErrNoDocument) {
		return StateNoDocument, err
	}
	if err == nil && doc.OverlayRevision == revision && doc.SourceFingerprint == fingerprint {
		return StateReady, nil
	}
	if s.failedFor(gradeID, revision, fingerprint) {
		return StateFailed, nil
	}
	return StateNoDocument, nil
}

// Widget summarizes the attempt's feedback state for embedding. It never
// triggers generation: the document link is present only when a current
// document already exists. Grading is read-only for superseded attempts.
func (s *Service) Widget(ctx context.Context, attempt grading.Attempt) (Widget, error) {
	grade, err := s.grades.ResolveGrade(ctx, attempt)
	if err != nil {
		return Widget{}, err
	}
	latest, err := s.grades.ResolveGrade(ctx, grading.Attempt{
		AssignmentID: attempt.AssignmentID,
		UserID:       attempt.UserID,
		Number:       grading.LatestAttempt,
	})
	if err != nil {
		return Widget{}, err
	}

	widget := Widget{
		ReadOnly:   grade.ID != latest.ID,
		StampNames: s.stampNames(),
	}

	files, err := s.grades.SourceFiles(ctx, grade.ID)
	if err != nil {
		return Widget{}, err
	}
	if len(files) > 0 {
		if count, err := s.pages.PageCount(ctx, grade.ID, files); err == nil {
			widget.PageCount = count
		}
	}

	doc, err := s.grades.LoadDocument(ctx, grade.ID)
	if errors.Is(err, grading.ErrNoDocument) {
		return widget, nil
	}
	if err != nil {
		return Widget{}, err
	}
	revision, err := s.overlays.Revision(ctx, grade.ID)
	if err != nil {
		return Widget{}, err
	}
	if doc.OverlayRevision == revision && doc.SourceFingerprint == grading.SourceFingerprint(files) {
		widget.Filename = doc.Filename
		widget.DocumentURL = fmt.Sprintf("/assignments/%d/users/%d/attempts/%d/document",
			grade.AssignmentID, grade.UserID, grade.AttemptNumber)
	}
	return widget, nil
}

var stampExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".svg":  true,
}

func (s *Service) stampNames() []string {
	names := []string{}
	if s.stampsDir == "" {
		return names
	}
	entries, err := os.ReadDir(s.stampsDir)
	if err != nil {
		s.logger.Warn("stamp directory unreadable",
			zap.String("dir", s.stampsDir), zap.Error(err))
		return names
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !stampExtensions[ext] {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
	}
	sort.Strings(names)
	return names
}

// PutComment validates and persists a comment. The target page must exist
// within the attempt; rejected objects never reach the store.
func (s *Service) PutComment(ctx context.Context, params overlay.CommentParams) (overlay.Comment, error) {
	comment, err := overlay.NewComment(params)
	if err != nil {
		return overlay.Comment{}, err
	}
	if err := s.checkPage(ctx, opPutComment, comment.GradeID, comment.PageNo); err != nil {
		return overlay.Comment{}, err
	}
	return s.overlays.PutComment(ctx, comment)
}

// PutAnnotation validates and persists an annotation.
func (s *Service) PutAnnotation(ctx context.Context, params overlay.AnnotationParams) (overlay.Annotation, error) {
	annotation, err := overlay.NewAnnotation(params)
	if err != nil {
		return overlay.Annotation{}, err
	}
	if err := s.checkPage(ctx, opPutAnnotation, annotation.GradeID, annotation.PageNo); err != nil {
		return overlay.Annotation{}, err
	}
	return s.overlays.PutAnnotation(ctx, annotation)
}

func (s *Service) checkPage(ctx context.Context, operation string, gradeID int64, pageNo int) error {
	files, err := s.grades.SourceFiles(ctx, gradeID)
	if err != nil {
		return err
	}
	count, err := s.pages.PageCount(ctx, gradeID, files)
	if err != nil {
		return err
	}
	if pageNo > count {
		return newServiceError(operation, "invalid_page",
			fmt.Errorf("%w: page %d of %d", ErrInvalidPage, pageNo, count))
	}
	return nil
}

// Reset clears a sticky generation failure so the next request retries the
// compose even though neither overlays nor sources changed.
func (s *Service) Reset(gradeID int64) {
	s.clearFailure(gradeID)
	s.logger.Info("generation failure reset", zap.Int64("grade_id", gradeID))
}

// RemoveComment deletes one comment.
func (s *Service) RemoveComment(ctx context.Context, gradeID, commentID int64) error {
	return s.overlays.RemoveComment(ctx, gradeID, commentID)
}

// RemoveAnnotation deletes one annotation.
func (s *Service) RemoveAnnotation(ctx context.Context, gradeID, annotationID int64) error {
	return s.overlays.RemoveAnnotation(ctx, gradeID, annotationID)
}

// ListOverlays returns the grade's comments and annotations in painting
// order.
func (s *Service) ListOverlays(ctx context.Context, gradeID int64) (overlay.Set, error) {
	return s.overlays.List(ctx, gradeID)
}

// HasOverlays reports whether any overlay object exists for the grade.
func (s *Service) HasOverlays(ctx context.Context, gradeID int64) (bool, error) {
	return s.overlays.HasOverlays(ctx, gradeID)
}

// DeleteAttemptData removes every overlay object and cached document of
// every grade record under the assignment. Each grade is cleared atomically.
func (s *Service) DeleteAttemptData(ctx context.Context, assignmentID int64) error {
	gradeIDs, err := s.grades.GradeIDs(ctx, assignmentID)
	if err != nil {
		return err
	}
	if len(gradeIDs) == 0 {
		return nil
	}
	if err := s.overlays.DeleteAll(ctx, gradeIDs); err != nil {
		return err
	}
	if err := s.grades.DropDocuments(ctx, gradeIDs); err != nil {
		return err
	}
	for _, gradeID := range gradeIDs {
		s.pages.Invalidate(gradeID)
		s.clearFailure(gradeID)
	}
	s.logger.Info("attempt data deleted",
		zap.Int64("assignment_id", assignmentID),
		zap.Int("grades", len(gradeIDs)))
	return nil
}

// UploadSourceFile ingests one submission artifact for the attempt, creating
// the grade record when needed.
func (s *Service) UploadSourceFile(ctx context.Context, attempt grading.Attempt, filename, mimeType string, content []byte) (grading.SourceFile, error) {
	if !s.pages.Supports(mimeType) {
		return grading.SourceFile{}, newServiceError(opUploadSourceFile, "unsupported_format",
			fmt.Errorf("%w: %s", pageindex.ErrUnsupportedFormat, mimeType))
	}
	if len(content) == 0 {
		return grading.SourceFile{}, newServiceError(opUploadSourceFile, "empty_file",
			fmt.Errorf("empty upload %q", filename))
	}
	grade, err := s.grades.ResolveGrade(ctx, attempt)
	if err != nil {
		return grading.SourceFile{}, err
	}
	file, err := s.grades.AddSourceFile(ctx, grade.ID, filename, mimeType, content)
	if err != nil {
		return grading.SourceFile{}, err
	}
	s.pages.Invalidate(grade.ID)
	return file, nil
}

func (s *Service) markGenerating(gradeID int64, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generating[gradeID] += delta
	if s.generating[gradeID] <= 0 {
		delete(s.generating, gradeID)
	}
}

func (s *Service) stickyFailure(gradeID, revision int64, fingerprint string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[gradeID]
	if !ok || f.timeout || f.revision != revision || f.fingerprint != fingerprint {
		return nil, false
	}
	return f.err, true
}

// failedFor reports whether the grade carries a failure that applies to the
// given overlay revision and source set. Timeout failures apply regardless.
func (s *Service) failedFor(gradeID, revision int64, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[gradeID]
	if !ok {
		return false
	}
	return f.timeout || (f.revision == revision && f.fingerprint == fingerprint)
}

func (s *Service) recordFailure(gradeID, revision int64, fingerprint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[gradeID] = failure{revision: revision, fingerprint: fingerprint, err: err}
}

func (s *Service) recordTimeout(gradeID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[gradeID] = failure{err: err, timeout: true}
}

func (s *Service) clearFailure(gradeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, gradeID)
}

func flightKey(gradeID int64) string {
	return fmt.Sprintf("grade-%d", gradeID)
}
