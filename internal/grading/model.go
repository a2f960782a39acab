package grading

// Attempt identifies one gradeable submission instance. AttemptNumber -1
// denotes the latest attempt for the (assignment, user) pair.
type Attempt struct {
	AssignmentID int64
	UserID       int64
	Number       int
}

// LatestAttempt is the sentinel attempt number meaning "most recent".
const LatestAttempt = -1

// Grade is the per-attempt grade record. All overlay data and the cached
// feedback document are partitioned by its ID.
type Grade struct {
	ID            int64 `gorm:"column:id;primaryKey;autoIncrement"`
	AssignmentID  int64 `gorm:"column:assignment_id;not null;uniqueIndex:idx_grades_attempt,priority:1"`
	UserID        int64 `gorm:"column:user_id;not null;uniqueIndex:idx_grades_attempt,priority:2"`
	AttemptNumber int   `gorm:"column:attempt_number;not null;uniqueIndex:idx_grades_attempt,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Grade) TableName() string {
	return "grades"
}

// SourceFile is one uploaded submission artifact. Files are immutable once
// submitted; Position preserves upload order, which fixes the page numbering
// of the composed document.
type SourceFile struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GradeID  int64  `gorm:"column:grade_id;not null;index:idx_source_files_grade,priority:1"`
	Position int    `gorm:"column:position;not null;index:idx_source_files_grade,priority:2"`
	Filename string `gorm:"column:filename;size:255;not null"`
	MimeType string `gorm:"column:mime_type;size:100;not null"`
	Size     int64  `gorm:"column:size;not null"`
	Content  []byte `gorm:"column:content;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SourceFile) TableName() string {
	return "source_files"
}

// FeedbackDocument is the cached flattened output for one grade record. A new
// row version supersedes the old one; the content itself is never mutated.
type FeedbackDocument struct {
	GradeID            int64  `gorm:"column:grade_id;primaryKey"`
	Filename           string `gorm:"column:filename;size:255;not null"`
	Content            []byte `gorm:"column:content;not null"`
	ContentHash        string `gorm:"column:content_hash;size:64;not null"`
	OverlayRevision    int64  `gorm:"column:overlay_revision;not null"`
	SourceFingerprint  string `gorm:"column:source_fingerprint;size:64;not null"`
	GeneratedAtSeconds int64  `gorm:"column:generated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedbackDocument) TableName() string {
	return "feedback_documents"
}
