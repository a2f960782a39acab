package overlay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrStoreUnavailable indicates the persistence collaborator could not be
	// reached; the operation is safe to retry.
	ErrStoreUnavailable = errors.New("overlay: store unavailable")
	// ErrNotFound indicates the referenced overlay object does not exist.
	ErrNotFound = errors.New("overlay: not found")
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
	opStoreNew         = "overlay.store.new"
	opPutComment       = "overlay.put_comment"
	opPutAnnotation    = "overlay.put_annotation"
	opRemoveComment    = "overlay.remove_comment"
	opRemoveAnnotation = "overlay.remove_annotation"
	opList             = "overlay.list"
	opDeleteAll        = "overlay.delete_all"
	opHasOverlays      = "overlay.has_overlays"
	opRevision         = "overlay.revision"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CommentRecord is the persisted form of a Comment.
type CommentRecord struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GradeID  int64  `gorm:"column:grade_id;not null;index:idx_comments_grade_page,priority:1"`
	PageNo   int    `gorm:"column:pageno;not null;index:idx_comments_grade_page,priority:2"`
	X        int    `gorm:"column:x;not null"`
	Y        int    `gorm:"column:y;not null"`
	Width    int    `gorm:"column:width;not null;default:120"`
	RawText  string `gorm:"column:rawtext;type:text;not null"`
	FgColour string `gorm:"column:fgcolour;size:10;not null;default:'black'"`
	BgColour string `gorm:"column:bgcolour;size:10;not null;default:'yellow'"`
}

// TableName provides the explicit table binding for GORM.
func (CommentRecord) TableName() string {
	return "feedback_comments"
}

// AnnotationRecord is the persisted form of an Annotation.
type AnnotationRecord struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GradeID int64  `gorm:"column:grade_id;not null;index:idx_annotations_grade_page,priority:1"`
	PageNo  int    `gorm:"column:pageno;not null;index:idx_annotations_grade_page,priority:2"`
	X       int    `gorm:"column:x;not null"`
	Y       int    `gorm:"column:y;not null"`
	EndX    int    `gorm:"column:endx;not null"`
	EndY    int    `gorm:"column:endy;not null"`
	Path    string `gorm:"column:path;type:text;not null;default:''"`
	Kind    string `gorm:"column:kind;size:20;not null"`
	Colour  string `gorm:"column:colour;size:10;not null;default:'red'"`
}

// TableName provides the explicit table binding for GORM.
func (AnnotationRecord) TableName() string {
	return "feedback_annotations"
}

// GradeOverlayState tracks a per-grade revision counter. Every overlay
// mutation bumps the revision inside the same transaction, so a cached
// feedback document can record the revision it was composed from and be
// declared stale by a simple integer comparison, including after deletions.
type GradeOverlayState struct {
	GradeID          int64 `gorm:"column:grade_id;primaryKey"`
	Revision         int64 `gorm:"column:revision;not null;default:0"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GradeOverlayState) TableName() string {
	return "grade_overlay_state"
}

// StoreConfig describes the dependencies of the overlay store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable keyed storage for comments and annotations, scoped by
// grade record and page.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the overlay store.
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

// PutComment inserts the comment (assigning an id on first persist) or
// updates it in place when the id already exists. The grade's overlay
// revision is bumped in the same transaction.
func (s *Store) PutComment(ctx context.Context, comment Comment) (Comment, error) {
	record := CommentRecord{
		ID:       comment.ID,
		GradeID:  comment.GradeID,
		PageNo:   comment.PageNo,
		X:        comment.X,
		Y:        comment.Y,
		Width:    comment.Width,
		RawText:  comment.RawText,
		FgColour: string(comment.FgColour),
		BgColour: string(comment.BgColour),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&record).Error; err != nil {
			return newStoreError(opPutComment, "save_failed", err)
		}
		return s.bumpRevision(tx, comment.GradeID, opPutComment)
	})
	if err != nil {
		s.logError(opPutComment, err, zap.Int64("grade_id", comment.GradeID))
		return Comment{}, err
	}
	comment.ID = record.ID
	return comment, nil
}

// PutAnnotation inserts or updates the annotation and bumps the revision.
func (s *Store) PutAnnotation(ctx context.Context, annotation Annotation) (Annotation, error) {
	record := AnnotationRecord{
		ID:      annotation.ID,
		GradeID: annotation.GradeID,
		PageNo:  annotation.PageNo,
		X:       annotation.X,
		Y:       annotation.Y,
		EndX:    annotation.EndX,
		EndY:    annotation.EndY,
		Path:    annotation.Path,
		Kind:    string(annotation.Kind),
		Colour:  string(annotation.Colour),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&record).Error; err != nil {
			return newStoreError(opPutAnnotation, "save_failed", err)
		}
		return s.bumpRevision(tx, annotation.GradeID, opPutAnnotation)
	})
	if err != nil {
		s.logError(opPutAnnotation, err, zap.Int64("grade_id", annotation.GradeID))
		return Annotation{}, err
	}
	annotation.ID = record.ID
	return annotation, nil
}

// RemoveComment deletes one comment and bumps the revision.
func (s *Store) RemoveComment(ctx context.Context, gradeID, commentID int64) error {
	return s.remove(ctx, opRemoveComment, gradeID, commentID, &CommentRecord{})
}

// RemoveAnnotation deletes one annotation and bumps the revision.
func (s *Store) RemoveAnnotation(ctx context.Context, gradeID, annotationID int64) error {
	return s.remove(ctx, opRemoveAnnotation, gradeID, annotationID, &AnnotationRecord{})
}

func (s *Store) remove(ctx context.Context, operation string, gradeID, id int64, model any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("grade_id = ? AND id = ?", gradeID, id).Delete(model)
		if result.Error != nil {
			return newStoreError(operation, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newStoreError(operation, "not_found", ErrNotFound)
		}
		return s.bumpRevision(tx, gradeID, operation)
	})
	if err != nil {
		s.logError(operation, err, zap.Int64("grade_id", gradeID), zap.Int64("id", id))
	}
	return err
}

// List returns all comments and annotations of the grade record, each set
// ordered by page and then by insertion order.
func (s *Store) List(ctx context.Context, gradeID int64) (Set, error) {
	var commentRecords []CommentRecord
	if err := s.db.WithContext(ctx).
		Where("grade_id = ?", gradeID).
		Order("pageno ASC, id ASC").
		Find(&commentRecords).Error; err != nil {
		s.logError(opList, err, zap.Int64("grade_id", gradeID))
		return Set{}, newStoreError(opList, "comment_query_failed", err)
	}
	var annotationRecords []AnnotationRecord
	if err := s.db.WithContext(ctx).
		Where("grade_id = ?", gradeID).
		Order("pageno ASC, id ASC").
		Find(&annotationRecords).Error; err != nil {
		s.logError(opList, err, zap.Int64("grade_id", gradeID))
		return Set{}, newStoreError(opList, "annotation_query_failed", err)
	}

	set := Set{}
	for _, record := range commentRecords {
		set.Comments = append(set.Comments, Comment{
			ID:       record.ID,
			GradeID:  record.GradeID,
			PageNo:   record.PageNo,
			X:        record.X,
			Y:        record.Y,
			Width:    record.Width,
			RawText:  record.RawText,
			FgColour: Colour(record.FgColour),
			BgColour: Colour(record.BgColour),
		})
	}
	for _, record := range annotationRecords {
		set.Annotations = append(set.Annotations, Annotation{
			ID:      record.ID,
			GradeID: record.GradeID,
			PageNo:  record.PageNo,
			X:       record.X,
			Y:       record.Y,
			EndX:    record.EndX,
			EndY:    record.EndY,
			Path:    record.Path,
			Kind:    Kind(record.Kind),
			Colour:  Colour(record.Colour),
		})
	}
	return set, nil
}

// DeleteAll removes every comment and annotation of the given grade records.
// Each grade is cleared in its own transaction, so a failure never leaves a
// grade with half of its overlay objects gone.
func (s *Store) DeleteAll(ctx context.Context, gradeIDs []int64) error {
	for _, gradeID := range gradeIDs {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("grade_id = ?", gradeID).Delete(&CommentRecord{}).Error; err != nil {
				return newStoreError(opDeleteAll, "comment_delete_failed", err)
			}
			if err := tx.Where("grade_id = ?", gradeID).Delete(&AnnotationRecord{}).Error; err != nil {
				return newStoreError(opDeleteAll, "annotation_delete_failed", err)
			}
			if err := tx.Where("grade_id = ?", gradeID).Delete(&GradeOverlayState{}).Error; err != nil {
				return newStoreError(opDeleteAll, "state_delete_failed", err)
			}
			return nil
		})
		if err != nil {
			s.logError(opDeleteAll, err, zap.Int64("grade_id", gradeID))
			return err
		}
	}
	return nil
}

// HasOverlays reports whether the grade record has any comment or annotation.
func (s *Store) HasOverlays(ctx context.Context, gradeID int64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&CommentRecord{}).
		Where("grade_id = ?", gradeID).Limit(1).Count(&count).Error; err != nil {
		return false, newStoreError(opHasOverlays, "comment_query_failed", err)
	}
	if count > 0 {
		return true, nil
	}
	if err := s.db.WithContext(ctx).Model(&AnnotationRecord{}).
		Where("grade_id = ?", gradeID).Limit(1).Count(&count).Error; err != nil {
		return false, newStoreError(opHasOverlays, "annotation_query_failed", err)
	}
	return count > 0, nil
}

// Revision returns the grade's current overlay revision. A grade with no
// recorded mutations has revision 0.
func (s *Store) Revision(ctx context.Context, gradeID int64) (int64, error) {
	var state GradeOverlayState
	err := s.db.WithContext(ctx).Where("grade_id = ?", gradeID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newStoreError(opRevision, "query_failed", err)
	}
	return state.Revision, nil
}

func (s *Store) bumpRevision(tx *gorm.DB, gradeID int64, operation string) error {
	var state GradeOverlayState
	err := tx.Where("grade_id = ?", gradeID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = GradeOverlayState{GradeID: gradeID}
	} else if err != nil {
		return newStoreError(operation, "state_query_failed", err)
	}
	state.Revision++
	state.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := tx.Save(&state).Error; err != nil {
		return newStoreError(operation, "state_save_failed", err)
	}
	return nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("overlay store error", attrs...)
}
