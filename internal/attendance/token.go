package attendance

import (
	"time"

	"classattend/internal/principal"
)

// Token is a single-use, course-scoped, time-bounded attendance code.
type Token struct {
	Code       string     `gorm:"primaryKey;size:8" json:"code"`
	CourseCode string     `gorm:"size:64;not null;index:idx_tokens_course_used,priority:1" json:"course_code"`
	Used       bool       `gorm:"not null;default:false;index:idx_tokens_course_used,priority:2" json:"used"`
	ExpiresAt  time.Time  `gorm:"not null;index" json:"expires_at"`
	UsedBy     *string    `gorm:"size:36" json:"used_by,omitempty"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	IssuedBy   string     `gorm:"size:36" json:"issued_by"`
	CreatedAt  time.Time  `gorm:"not null;index" json:"created_at"`
}

// Record is one successful attendance submission.
type Record struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	StudentID   string    `gorm:"size:36;not null;uniqueIndex:uniq_attendance_student_course_date,priority:1" json:"student_id"`
	CourseCode  string    `gorm:"size:64;not null;uniqueIndex:uniq_attendance_student_course_date,priority:2;index" json:"course_code"`
	Date        string    `gorm:"size:10;not null;uniqueIndex:uniq_attendance_student_course_date,priority:3;index" json:"date"`
	TokenCode   string    `gorm:"size:8;not null" json:"token_code"`
	Present     bool      `gorm:"not null" json:"present"`
	SubmittedAt time.Time `gorm:"not null" json:"submitted_at"`
}

func (Record) TableName() string { return "attendance_records" }

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Token{}, &Record{}}
}

func (r Record) mirrorEntry() principal.AttendanceEntry {
	return principal.AttendanceEntry{
		Token:       r.TokenCode,
		CourseCode:  r.CourseCode,
		Date:        r.Date,
		SubmittedAt: r.SubmittedAt,
	}
}
