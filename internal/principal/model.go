package principal

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Student is a registered student. Attendance is a denormalised copy of
// the student's attendance records for quick profile display; the
// attendance_records table is authoritative.
type Student struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	FullName     string         `gorm:"size:128;not null" json:"fullname"`
	Email        string         `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Matric       string         `gorm:"size:64;uniqueIndex;not null" json:"matric"`
	Department   string         `gorm:"size:64;not null" json:"department"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	Attendance   datatypes.JSON `json:"attendance"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AttendanceEntry is one element of Student.Attendance.
type AttendanceEntry struct {
	Token       string    `json:"token"`
	CourseCode  string    `json:"course_code"`
	Date        string    `json:"date"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Entries decodes the attendance mirror.
func (s Student) Entries() ([]AttendanceEntry, error) {
	if len(s.Attendance) == 0 {
		return nil, nil
	}
	var out []AttendanceEntry
	if err := json.Unmarshal(s.Attendance, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeEntries encodes entries for Student.Attendance.
func EncodeEntries(entries []AttendanceEntry) (datatypes.JSON, error) {
	if entries == nil {
		entries = []AttendanceEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Admin is a staff account allowed to issue tokens.
type Admin struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	AdminType    string    `gorm:"size:64;not null" json:"admin_type"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Student{}, &Admin{}}
}
