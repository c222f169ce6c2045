package attendance

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"classattend/internal/paging"
	"classattend/internal/principal"
)

// inChunk bounds IN-list sizes to stay under driver parameter limits.
const inChunk = 500

// Repository persists tokens and attendance records.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repo.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Transaction runs fn against a repository bound to a single transaction.
// Any error from fn rolls back every write made through it.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// HasOutstanding reports whether courseCode has an unused token that
// has not expired at now.
func (r *Repository) HasOutstanding(ctx context.Context, courseCode string, now time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Token{}).
		Where("course_code = ? AND used = ? AND expires_at > ?", courseCode, false, now.UTC()).
		Count(&n).Error
	return n > 0, err
}

// ExistingCodes returns the subset of codes already stored.
func (r *Repository) ExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for start := 0; start < len(codes); start += inChunk {
		end := min(start+inChunk, len(codes))
		var found []string
		if err := r.db.WithContext(ctx).Model(&Token{}).
			Where("code IN ?", codes[start:end]).
			Pluck("code", &found).Error; err != nil {
			return nil, err
		}
		for _, c := range found {
			out[c] = struct{}{}
		}
	}
	return out, nil
}

// InsertTokens writes a batch of tokens.
func (r *Repository) InsertTokens(ctx context.Context, tokens []Token) error {
	if len(tokens) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(tokens, 200).Error
}

// UnusedToken returns the unused token with code, or nil when none exists.
func (r *Repository) UnusedToken(ctx context.Context, code string) (*Token, error) {
	var tok Token
	err := r.db.WithContext(ctx).Where("code = ? AND used = ?", code, false).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Token returns the token with code regardless of state, or nil.
func (r *Repository) Token(ctx context.Context, code string) (*Token, error) {
	var tok Token
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ClaimToken flips used to true only if it is still false. It reports
// whether this caller won the claim.
func (r *Repository) ClaimToken(ctx context.Context, code, studentID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Token{}).
		Where("code = ? AND used = ?", code, false).
		Updates(map[string]any{"used": true, "used_by": studentID, "used_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordExists reports whether the student already has attendance for
// the course on date.
func (r *Repository) RecordExists(ctx context.Context, studentID, courseCode, date string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Record{}).
		Where("student_id = ? AND course_code = ? AND date = ?", studentID, courseCode, date).
		Count(&n).Error
	return n > 0, err
}

// InsertRecord writes an attendance record.
func (r *Repository) InsertRecord(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// LockStudent loads the student row for update, or nil if missing.
func (r *Repository) LockStudent(ctx context.Context, studentID string) (*principal.Student, error) {
	var st principal.Student
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", studentID).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetMirror replaces the student's attendance mirror.
func (r *Repository) SetMirror(ctx context.Context, studentID string, entries []principal.AttendanceEntry) error {
	raw, err := principal.EncodeEntries(entries)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&principal.Student{}).
		Where("id = ?", studentID).
		Update("attendance", raw).Error
}

// StudentRecords returns every record of a student, oldest first.
func (r *Repository) StudentRecords(ctx context.Context, studentID string) ([]Record, error) {
	var recs []Record
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("date ASC").Order("submitted_at ASC").
		Find(&recs).Error
	return recs, err
}

// StudentIDs returns the ids of all students.
func (r *Repository) StudentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&principal.Student{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// ListRecords returns records matching f, newest date first.
func (r *Repository) ListRecords(ctx context.Context, f AttendanceFilter, req paging.Request) ([]Record, int64, error) {
	q := r.db.WithContext(ctx).Model(&Record{})
	if f.CourseCode != "" {
		q = q.Where("course_code = ?", f.CourseCode)
	}
	if f.Date != "" {
		q = q.Where("date = ?", f.Date)
	}
	if f.StudentID != "" {
		q = q.Where("student_id = ?", f.StudentID)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var recs []Record
	err := q.Order("date DESC").Order("submitted_at DESC").
		Limit(req.Limit).Offset(req.Offset()).
		Find(&recs).Error
	return recs, total, err
}

// ListTokens returns tokens matching f, newest first.
func (r *Repository) ListTokens(ctx context.Context, f TokenFilter, req paging.Request) ([]Token, int64, error) {
	q := r.db.WithContext(ctx).Model(&Token{})
	if f.CourseCode != "" {
		q = q.Where("course_code = ?", f.CourseCode)
	}
	if f.Used != nil {
		q = q.Where("used = ?", *f.Used)
	}
	if f.NotExpiredBefore != nil {
		q = q.Where("expires_at >= ?", f.NotExpiredBefore.UTC())
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var toks []Token
	err := q.Order("created_at DESC").Order("code ASC").
		Limit(req.Limit).Offset(req.Offset()).
		Find(&toks).Error
	return toks, total, err
}

// DeleteAllTokens removes every token and reports how many were deleted.
func (r *Repository) DeleteAllTokens(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Token{})
	return res.RowsAffected, res.Error
}

// CountUsedTokens counts redeemed tokens for a course.
func (r *Repository) CountUsedTokens(ctx context.Context, courseCode string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Token{}).
		Where("course_code = ? AND used = ?", courseCode, true).
		Count(&n).Error
	return n, err
}

// CountRecords counts attendance records for a course.
func (r *Repository) CountRecords(ctx context.Context, courseCode string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Record{}).
		Where("course_code = ?", courseCode).
		Count(&n).Error
	return n, err
}
