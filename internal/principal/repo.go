package principal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"classattend/internal/apperr"
	"classattend/internal/paging"
	"classattend/internal/store"
)

// Repository persists students and admins.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repo.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateStudent inserts a student; email and matric must be unique.
func (r *Repository) CreateStudent(ctx context.Context, st *Student) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	if len(st.Attendance) == 0 {
		st.Attendance, _ = EncodeEntries(nil)
	}
	if err := r.db.WithContext(ctx).Create(st).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return apperr.Wrap(apperr.KindPolicyConflict, "email or matric number already registered", err)
		}
		return store.Wrap("create student", err)
	}
	return nil
}

// StudentByID returns a student or a not_found error.
func (r *Repository) StudentByID(ctx context.Context, id string) (*Student, error) {
	return r.firstStudent(ctx, "id = ?", id)
}

// StudentByMatric returns a student or a not_found error.
func (r *Repository) StudentByMatric(ctx context.Context, matric string) (*Student, error) {
	return r.firstStudent(ctx, "matric = ?", matric)
}

// StudentExists reports whether email or matric is already taken.
func (r *Repository) StudentExists(ctx context.Context, email, matric string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Student{}).
		Where("email = ? OR matric = ?", email, matric).
		Count(&n).Error
	if err != nil {
		return false, store.Wrap("count students", err)
	}
	return n > 0, nil
}

func (r *Repository) firstStudent(ctx context.Context, where string, arg any) (*Student, error) {
	var st Student
	if err := r.db.WithContext(ctx).Where(where, arg).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "student not found")
		}
		return nil, store.Wrap("find student", err)
	}
	return &st, nil
}

// ListStudents returns students ordered by matric.
func (r *Repository) ListStudents(ctx context.Context, req paging.Request) (paging.Page[Student], error) {
	req = paging.Normalize(req)
	q := r.db.WithContext(ctx).Model(&Student{}).Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return paging.Page[Student]{}, store.Wrap("count students", err)
	}
	var items []Student
	if err := q.Order("matric ASC").Limit(req.Limit).Offset(req.Offset()).Find(&items).Error; err != nil {
		return paging.Page[Student]{}, store.Wrap("list students", err)
	}
	return paging.New(items, req, total), nil
}

// CreateAdmin inserts an admin; email must be unique.
func (r *Repository) CreateAdmin(ctx context.Context, a *Admin) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return apperr.Wrap(apperr.KindPolicyConflict, "admin email already registered", err)
		}
		return store.Wrap("create admin", err)
	}
	return nil
}

// AdminByEmail returns an admin or a not_found error.
func (r *Repository) AdminByEmail(ctx context.Context, email string) (*Admin, error) {
	var a Admin
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "admin not found")
		}
		return nil, store.Wrap("find admin", err)
	}
	return &a, nil
}
