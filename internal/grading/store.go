package grading

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrSourceUnavailable indicates the attempt's source files could not be
	// retrieved; the operation is safe to retry.
	ErrSourceUnavailable = errors.New("grading: source unavailable")
	// ErrNoAttempt indicates no grade record exists for the attempt.
	ErrNoAttempt = errors.New("grading: no such attempt")
	// ErrNoDocument indicates no cached feedback document exists.
	ErrNoDocument = errors.New("grading: no feedback document")
)

// StoreError carries a dotted operation code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "grading.store.new"
	opResolveGrade  = "grading.resolve_grade"
	opAddSourceFile = "grading.add_source_file"
	opSourceFiles   = "grading.source_files"
	opGradeIDs      = "grading.grade_ids"
	opSaveDocument  = "grading.save_document"
	opLoadDocument  = "grading.load_document"
	opDropDocument  = "grading.drop_document"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the grading store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists grade records, submission source files, and the cached
// feedback document per grade.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the grading store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ResolveGrade returns the grade record for the attempt, creating it when it
// does not exist yet. Attempt number -1 resolves to the latest attempt for
// the (assignment, user) pair; resolving -1 when no attempt exists at all
// fails with ErrNoAttempt.
func (s *Store) ResolveGrade(ctx context.Context, attempt Attempt) (Grade, error) {
	if attempt.Number == LatestAttempt {
		var grade Grade
		err := s.db.WithContext(ctx).
			Where("assignment_id = ? AND user_id = ?", attempt.AssignmentID, attempt.UserID).
			Order("attempt_number DESC").
			First(&grade).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Grade{}, newStoreError(opResolveGrade, "no_attempt", ErrNoAttempt)
		}
		if err != nil {
			return Grade{}, newStoreError(opResolveGrade, "query_failed", err)
		}
		return grade, nil
	}

	var grade Grade
	err := s.db.WithContext(ctx).
		Where("assignment_id = ? AND user_id = ? AND attempt_number = ?",
			attempt.AssignmentID, attempt.UserID, attempt.Number).
		Take(&grade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		grade = Grade{
			AssignmentID:  attempt.AssignmentID,
			UserID:        attempt.UserID,
			AttemptNumber: attempt.Number,
		}
		if err := s.db.WithContext(ctx).Create(&grade).Error; err != nil {
			s.logError(opResolveGrade, err, zap.Int64("assignment_id", attempt.AssignmentID))
			return Grade{}, newStoreError(opResolveGrade, "create_failed", err)
		}
		return grade, nil
	}
	if err != nil {
		return Grade{}, newStoreError(opResolveGrade, "query_failed", err)
	}
	return grade, nil
}

// AddSourceFile appends an uploaded artifact to the grade's submission in
// upload order.
func (s *Store) AddSourceFile(ctx context.Context, gradeID int64, filename, mimeType string, content []byte) (SourceFile, error) {
	var file SourceFile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPosition int
		row := tx.Model(&SourceFile{}).
			Where("grade_id = ?", gradeID).
			Select("COALESCE(MAX(position), 0)").
			Row()
		if err := row.Scan(&maxPosition); err != nil {
			return newStoreError(opAddSourceFile, "position_query_failed", err)
		}
		file = SourceFile{
			GradeID:  gradeID,
			Position: maxPosition + 1,
			Filename: filename,
			MimeType: mimeType,
			Size:     int64(len(content)),
			Content:  content,
		}
		if err := tx.Create(&file).Error; err != nil {
			return newStoreError(opAddSourceFile, "create_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opAddSourceFile, err, zap.Int64("grade_id", gradeID))
		return SourceFile{}, err
	}
	return file, nil
}

// SourceFiles returns the grade's submission artifacts in upload order.
func (s *Store) SourceFiles(ctx context.Context, gradeID int64) ([]SourceFile, error) {
	var files []SourceFile
	if err := s.db.WithContext(ctx).
		Where("grade_id = ?", gradeID).
		Order("position ASC").
		Find(&files).Error; err != nil {
		s.logError(opSourceFiles, err, zap.Int64("grade_id", gradeID))
		return nil, newStoreError(opSourceFiles, "query_failed", err)
	}
	return files, nil
}

// SourceFingerprint returns a stable digest of the grade's source-file set.
// It changes iff the set of files (identity, order, or content size) changes,
// and is used for page-index cache invalidation and document staleness.
func SourceFingerprint(files []SourceFile) string {
	ordered := make([]SourceFile, len(files))
	copy(ordered, files)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	h := sha256.New()
	for _, file := range ordered {
		fmt.Fprintf(h, "%d|%d|%s|%s|%d\n", file.ID, file.Position, file.Filename, file.MimeType, file.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GradeIDs returns the ids of every grade record under the assignment.
func (s *Store) GradeIDs(ctx context.Context, assignmentID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&Grade{}).
		Where("assignment_id = ?", assignmentID).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		s.logError(opGradeIDs, err, zap.Int64("assignment_id", assignmentID))
		return nil, newStoreError(opGradeIDs, "query_failed", err)
	}
	return ids, nil
}

// SaveDocument stores a freshly composed feedback document, superseding any
// previous one for the grade.
func (s *Store) SaveDocument(ctx context.Context, doc FeedbackDocument) error {
	doc.GeneratedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&doc).Error; err != nil {
		s.logError(opSaveDocument, err, zap.Int64("grade_id", doc.GradeID))
		return newStoreError(opSaveDocument, "save_failed", err)
	}
	return nil
}

// LoadDocument returns the cached feedback document for the grade, or
// ErrNoDocument when none has been generated.
func (s *Store) LoadDocument(ctx context.Context, gradeID int64) (FeedbackDocument, error) {
	var doc FeedbackDocument
	err := s.db.WithContext(ctx).Where("grade_id = ?", gradeID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FeedbackDocument{}, newStoreError(opLoadDocument, "no_document", ErrNoDocument)
	}
	if err != nil {
		return FeedbackDocument{}, newStoreError(opLoadDocument, "query_failed", err)
	}
	return doc, nil
}

// DropDocuments removes the cached feedback documents of the given grades.
func (s *Store) DropDocuments(ctx context.Context, gradeIDs []int64) error {
	if len(gradeIDs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where("grade_id IN ?", gradeIDs).
		Delete(&FeedbackDocument{}).Error; err != nil {
		s.logError(opDropDocument, err)
		return newStoreError(opDropDocument, "delete_failed", err)
	}
	return nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("grading store error", attrs...)
}
