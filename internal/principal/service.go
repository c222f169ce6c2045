package principal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"classattend/internal/apperr"
	"classattend/internal/auth"
	"classattend/internal/paging"
)

const (
	minPasswordLen = 8
	// bcrypt only accepts up to 72 bytes
	maxPasswordLen = 72
)

// RegisterInput is the raw student registration payload.
type RegisterInput struct {
	FullName   string `validate:"required"`
	Matric     string `validate:"required"`
	Email      string `validate:"required,email"`
	Password   string `validate:"required,min=8,max=72"`
	Department string `validate:"required"`
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Principal auth.Principal
	Student   *Student
	Admin     *Admin
}

// Service coordinates registration and login.
type Service struct {
	repo     *Repository
	issuer   *auth.Issuer
	validate *validator.Validate
	timeout  time.Duration
}

// NewService creates a principal service.
func NewService(repo *Repository, issuer *auth.Issuer, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		repo:     repo,
		issuer:   issuer,
		validate: validator.New(),
		timeout:  timeout,
	}
}

// Normalize applies the canonical casing rules to a registration.
func (s *Service) Normalize(in RegisterInput) RegisterInput {
	in.FullName = cases.Title(language.English).String(strings.ToLower(strings.Join(strings.Fields(in.FullName), " ")))
	in.Matric = strings.ToUpper(strings.TrimSpace(in.Matric))
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Department = strings.ToUpper(strings.TrimSpace(in.Department))
	return in
}

// RegisterStudent validates, normalises and stores a new student.
func (s *Service) RegisterStudent(ctx context.Context, in RegisterInput) (*Student, error) {
	in = s.Normalize(in)
	if err := s.validate.Struct(in); err != nil {
		return nil, registerInputError(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	taken, err := s.repo.StudentExists(ctx, in.Email, in.Matric)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.New(apperr.KindPolicyConflict, "email or matric number already registered")
	}
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	st := &Student{
		FullName:     in.FullName,
		Matric:       in.Matric,
		Email:        in.Email,
		Department:   in.Department,
		PasswordHash: string(hash),
	}
	if err := s.repo.CreateStudent(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

var errPasswordTooLong = apperr.New(apperr.KindInvalidInput, "Password must be at most 72 bytes long.")

// hashPassword bcrypts pw. The validator counts runes, so multi-byte
// passwords can still exceed bcrypt's byte limit here.
func hashPassword(pw string) ([]byte, error) {
	if len(pw) > maxPasswordLen {
		return nil, errPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, errPasswordTooLong
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "internal server error", err)
	}
	return hash, nil
}

func registerInputError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid registration", err)
	}
	switch fe := verrs[0]; {
	case fe.Tag() == "required":
		return apperr.New(apperr.KindInvalidInput, "All fields are required.")
	case fe.Field() == "Email":
		return apperr.New(apperr.KindInvalidInput, "Invalid email format.")
	case fe.Field() == "Password" && fe.Tag() == "max":
		return errPasswordTooLong
	case fe.Field() == "Password":
		return apperr.New(apperr.KindInvalidInput, "Password must be at least 8 characters long.")
	default:
		return apperr.New(apperr.KindInvalidInput, "invalid "+strings.ToLower(fe.Field()))
	}
}

// LoginStudent checks a matric/password pair and issues an access token.
func (s *Service) LoginStudent(ctx context.Context, matric, password string) (*Session, error) {
	matric = strings.ToUpper(strings.TrimSpace(matric))
	if matric == "" || password == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "Matric and password are required.")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	st, err := s.repo.StudentByMatric(ctx, matric)
	if apperr.HasKind(err, apperr.KindNotFound) {
		return nil, apperr.New(apperr.KindUnauthorized, "Invalid matric or password.")
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(st.PasswordHash), []byte(password)) != nil {
		return nil, apperr.New(apperr.KindUnauthorized, "Invalid matric or password.")
	}
	sess, err := s.session(auth.Principal{ID: st.ID, Role: auth.RoleStudent})
	if err != nil {
		return nil, err
	}
	sess.Student = st
	return sess, nil
}

// LoginAdmin checks an email/password pair and issues an access token.
func (s *Service) LoginAdmin(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "Email and password are required.")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := s.repo.AdminByEmail(ctx, email)
	if apperr.HasKind(err, apperr.KindNotFound) {
		return nil, apperr.New(apperr.KindUnauthorized, "Invalid email or password.")
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return nil, apperr.New(apperr.KindUnauthorized, "Invalid email or password.")
	}
	sess, err := s.session(auth.Principal{ID: a.ID, Role: auth.RoleAdmin})
	if err != nil {
		return nil, err
	}
	sess.Admin = a
	return sess, nil
}

func (s *Service) session(p auth.Principal) (*Session, error) {
	tok, err := s.issuer.Issue(p)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "token issue failed", err)
	}
	return &Session{Token: tok.Token, ExpiresAt: tok.ExpiresAt, Principal: p}, nil
}

// EnsureAdmin creates the admin if no account with that email exists.
// It reports whether a new account was created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password, adminType string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(password) < minPasswordLen {
		return false, apperr.New(apperr.KindInvalidInput, "admin email and a password of at least 8 characters are required")
	}
	if adminType == "" {
		adminType = "Super Admin"
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.repo.AdminByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !apperr.HasKind(err, apperr.KindNotFound) {
		return false, err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return false, err
	}
	if err := s.repo.CreateAdmin(ctx, &Admin{Email: email, AdminType: adminType, PasswordHash: string(hash)}); err != nil {
		if apperr.HasKind(err, apperr.KindPolicyConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetStudent returns one student.
func (s *Service) GetStudent(ctx context.Context, id string) (*Student, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.StudentByID(ctx, id)
}

// ListStudents returns a page of students.
func (s *Service) ListStudents(ctx context.Context, req paging.Request) (paging.Page[Student], error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.ListStudents(ctx, req)
}
