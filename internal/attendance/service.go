package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/auth"
	"classattend/internal/paging"
	"classattend/internal/principal"
	"classattend/internal/queue"
	"classattend/internal/store"
)

const (
	MinCourseCodeLength = 4
	MaxBatchSize        = 1000
	// MaxCodeAttempts bounds regeneration per token slot.
	MaxCodeAttempts = 10
	// MaxInsertAttempts bounds whole-batch retries after an insert collision.
	MaxInsertAttempts = 3

	dateLayout = "2006-01-02"

	// EventRedeemed is the queue message type published after a redemption commits.
	EventRedeemed = "attendance.redeemed"
)

// IssueRequest asks for a batch of tokens for one course.
type IssueRequest struct {
	CourseCode string
	ExpiresAt  time.Time
	Count      int
}

// Batch is the result of a successful issuance.
type Batch struct {
	CourseCode  string
	ExpiresAt   time.Time
	IssuedCodes []string
}

// RedeemRequest is a student's attendance submission.
type RedeemRequest struct {
	Code       string
	CourseCode string
	Date       string
}

// AttendanceFilter narrows ListAttendance; empty fields match everything.
type AttendanceFilter struct {
	CourseCode string
	Date       string
	StudentID  string
}

// TokenFilter narrows ListTokens; nil/empty fields match everything.
type TokenFilter struct {
	CourseCode       string
	Used             *bool
	NotExpiredBefore *time.Time
}

// Reconciliation compares redeemed tokens with stored records for a course.
// Records may exceed used tokens after a purge, never the other way round.
type Reconciliation struct {
	CourseCode string `json:"course_code"`
	UsedTokens int64  `json:"used_tokens"`
	Records    int64  `json:"records"`
	Consistent bool   `json:"consistent"`
}

// RedemptionEvent is the payload of EventRedeemed messages.
type RedemptionEvent struct {
	StudentID   string    `json:"student_id"`
	CourseCode  string    `json:"course_code"`
	Date        string    `json:"date"`
	TokenCode   string    `json:"token_code"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Locker serialises issuance for a course across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Publisher receives redemption events.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Recorder observes ledger outcomes. An empty kind means success.
type Recorder interface {
	TokensIssued(courseCode string, n int)
	IssueFailed(kind apperr.Kind)
	Redemption(kind apperr.Kind, d time.Duration)
	TokensPurged(n int64)
	Reconciled(r Reconciliation)
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Timeout   time.Duration
	LockTTL   time.Duration
	Locker    Locker
	Publisher Publisher
	Recorder  Recorder
	Logger    *zap.Logger
	Generate  CodeGenerator
	Now       func() time.Time
}

// Service is the token ledger: it issues tokens and redeems them
// against attendance records.
type Service struct {
	repo      *Repository
	timeout   time.Duration
	lockTTL   time.Duration
	locker    Locker
	publisher Publisher
	recorder  Recorder
	log       *zap.Logger
	generate  CodeGenerator
	now       func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, opts Options) *Service {
	s := &Service{
		repo:      repo,
		timeout:   opts.Timeout,
		lockTTL:   opts.LockTTL,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		log:       opts.Logger,
		generate:  opts.Generate,
		now:       opts.Now,
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Second
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.generate == nil {
		s.generate = RandomCode
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// IssueBatch creates req.Count tokens for a course. The batch is
// all-or-nothing: on any error no token of it is persisted.
func (s *Service) IssueBatch(ctx context.Context, actor auth.Principal, req IssueRequest) (*Batch, error) {
	batch, err := s.issueBatch(ctx, actor, req)
	if err != nil {
		s.recorder.IssueFailed(apperr.KindOf(err))
		if apperr.HasKind(err, apperr.KindUniquenessExhausted) || apperr.HasKind(err, apperr.KindInternal) {
			s.log.Error("token issuance failed", zap.String("course_code", req.CourseCode), zap.Int("count", req.Count), zap.Error(err))
		}
		return nil, err
	}
	s.recorder.TokensIssued(batch.CourseCode, len(batch.IssuedCodes))
	s.log.Info("tokens issued",
		zap.String("course_code", batch.CourseCode),
		zap.Int("count", len(batch.IssuedCodes)),
		zap.String("admin_id", actor.ID),
		zap.Time("expires_at", batch.ExpiresAt))
	return batch, nil
}

func (s *Service) issueBatch(ctx context.Context, actor auth.Principal, req IssueRequest) (*Batch, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "Only admins can generate tokens")
	}
	now := s.now().UTC()
	course := strings.TrimSpace(req.CourseCode)
	switch {
	case course == "" || req.ExpiresAt.IsZero() || req.Count == 0:
		return nil, apperr.New(apperr.KindInvalidInput, "Course code, expiry date, and number of students are required")
	case utf8.RuneCountInString(course) < MinCourseCodeLength:
		return nil, apperr.New(apperr.KindInvalidInput, "Course code must be at least 4 characters")
	case req.Count < 1 || req.Count > MaxBatchSize:
		return nil, apperr.New(apperr.KindInvalidInput, "Number of students must be between 1 and 1000")
	case !req.ExpiresAt.After(now):
		return nil, apperr.New(apperr.KindInvalidInput, "Invalid or past expiry date")
	}
	expiresAt := req.ExpiresAt.UTC()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "issue:"+course, s.lockTTL)
		switch {
		case errors.Is(err, store.ErrLockHeld):
			return nil, apperr.New(apperr.KindPolicyConflict, "Token generation for this course is already in progress")
		case err != nil:
			// The outstanding-token check below still applies without the lock.
			s.log.Warn("issuance lock unavailable", zap.String("course_code", course), zap.Error(err))
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.log.Warn("issuance lock release failed", zap.String("course_code", course), zap.Error(err))
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Codes from another course sharing the prefix can land between the
	// existence check and the insert; regenerate the batch when they do.
	var codes []string
	var err error
	for attempt := 1; ; attempt++ {
		codes, err = s.insertBatch(ctx, actor, course, expiresAt, req.Count, now)
		if !errors.Is(err, errInsertCollision) {
			break
		}
		if attempt == MaxInsertAttempts {
			err = apperr.Wrap(apperr.KindUniquenessExhausted, "Unable to generate unique tokens", err)
			break
		}
		s.log.Debug("token insert collided, regenerating", zap.String("course_code", course), zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, store.Wrap("issue tokens", err)
	}
	return &Batch{CourseCode: course, ExpiresAt: expiresAt, IssuedCodes: codes}, nil
}

var errInsertCollision = errors.New("token code collided at insert")

func (s *Service) insertBatch(ctx context.Context, actor auth.Principal, course string, expiresAt time.Time, n int, now time.Time) ([]string, error) {
	var codes []string
	err := s.repo.Transaction(ctx, func(tx *Repository) error {
		outstanding, err := tx.HasOutstanding(ctx, course, now)
		if err != nil {
			return err
		}
		if outstanding {
			return apperr.New(apperr.KindPolicyConflict, "Unused tokens exist for this course. Use or expire them before generating new ones.")
		}
		codes, err = s.uniqueCodes(ctx, tx, course, n)
		if err != nil {
			return err
		}
		tokens := make([]Token, len(codes))
		for i, code := range codes {
			tokens[i] = Token{
				Code:       code,
				CourseCode: course,
				ExpiresAt:  expiresAt,
				IssuedBy:   actor.ID,
				CreatedAt:  now,
			}
		}
		if err := tx.InsertTokens(ctx, tokens); err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %w", errInsertCollision, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// uniqueCodes fills n slots with codes unseen both in storage and in the
// batch. Each slot gets at most MaxCodeAttempts candidates.
func (s *Service) uniqueCodes(ctx context.Context, tx *Repository, course string, n int) ([]string, error) {
	codes := make([]string, 0, n)
	taken := make(map[string]struct{}, n)
	tries := make([]int, n)
	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}
	for len(pending) > 0 {
		candidates := make([]string, 0, len(pending))
		for _, slot := range pending {
			for {
				if tries[slot] == MaxCodeAttempts {
					return nil, apperr.New(apperr.KindUniquenessExhausted, "Unable to generate unique tokens")
				}
				tries[slot]++
				code, err := s.generate(course)
				if err != nil {
					return nil, err
				}
				if !validCodeShape(code) {
					return nil, apperr.New(apperr.KindInternal, "generated token has invalid length")
				}
				if _, dup := taken[code]; dup {
					continue
				}
				taken[code] = struct{}{}
				candidates = append(candidates, code)
				break
			}
		}
		existing, err := tx.ExistingCodes(ctx, candidates)
		if err != nil {
			return nil, err
		}
		var retry []int
		for i, c := range candidates {
			if _, clash := existing[c]; clash {
				retry = append(retry, pending[i])
				continue
			}
			codes = append(codes, c)
		}
		pending = retry
	}
	return codes, nil
}

// Redeem consumes a token and records the student's attendance for the
// course on the given date. The claim, the record and the mirror update
// commit together or not at all.
func (s *Service) Redeem(ctx context.Context, actor auth.Principal, req RedeemRequest) (*Record, error) {
	start := time.Now()
	rec, err := s.redeem(ctx, actor, req)
	s.recorder.Redemption(apperr.KindOf(err), time.Since(start))
	if err != nil {
		if apperr.HasKind(err, apperr.KindTransient) || apperr.HasKind(err, apperr.KindInternal) {
			s.log.Error("redeem failed", zap.String("student_id", actor.ID), zap.String("course_code", req.CourseCode), zap.Error(err))
		}
		return nil, err
	}
	s.publish(ctx, rec)
	return rec, nil
}

func (s *Service) redeem(ctx context.Context, actor auth.Principal, req RedeemRequest) (*Record, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	course := strings.TrimSpace(req.CourseCode)
	if code == "" || course == "" || strings.TrimSpace(req.Date) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "Token, course code, and date are required")
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	if !actor.IsStudent() {
		return nil, apperr.New(apperr.KindForbidden, "Only students can submit attendance")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rec *Record
	err = s.repo.Transaction(ctx, func(tx *Repository) error {
		now := s.now().UTC()
		st, err := tx.LockStudent(ctx, actor.ID)
		if err != nil {
			return err
		}
		if st == nil {
			return apperr.New(apperr.KindForbidden, "Only students can submit attendance")
		}

		tok, err := tx.UnusedToken(ctx, code)
		if err != nil {
			return err
		}
		if tok == nil {
			return apperr.New(apperr.KindInvalidOrUsedToken, "Invalid or already used token")
		}
		if tok.CourseCode != course {
			return apperr.New(apperr.KindCourseMismatch, "Token does not match the course")
		}
		if !tok.ExpiresAt.After(now) {
			return apperr.New(apperr.KindTokenExpired, "Token has expired")
		}
		dup, err := tx.RecordExists(ctx, actor.ID, course, date)
		if err != nil {
			return err
		}
		if dup {
			return apperr.New(apperr.KindDuplicateSubmission, "Attendance already submitted for this course and date")
		}

		claimed, err := tx.ClaimToken(ctx, code, actor.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return apperr.New(apperr.KindInvalidOrUsedToken, "Invalid or already used token")
		}
		r := &Record{
			ID:          newID(),
			StudentID:   actor.ID,
			CourseCode:  course,
			Date:        date,
			TokenCode:   code,
			Present:     true,
			SubmittedAt: now,
		}
		if err := tx.InsertRecord(ctx, r); err != nil {
			if store.IsUniqueViolation(err) {
				return apperr.Wrap(apperr.KindDuplicateSubmission, "Attendance already submitted for this course and date", err)
			}
			return err
		}

		entries, err := st.Entries()
		if err != nil {
			// the mirror is a cache; rebuild it from the records instead
			s.log.Warn("attendance mirror unreadable, rebuilding", zap.String("student_id", st.ID), zap.Error(err))
			recs, err := tx.StudentRecords(ctx, st.ID)
			if err != nil {
				return err
			}
			entries = mirrorFrom(recs)
		} else {
			entries = append(entries, r.mirrorEntry())
		}
		if err := tx.SetMirror(ctx, st.ID, entries); err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, store.Wrap("redeem token", err)
	}
	return rec, nil
}

func (s *Service) publish(ctx context.Context, rec *Record) {
	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(RedemptionEvent{
		StudentID:   rec.StudentID,
		CourseCode:  rec.CourseCode,
		Date:        rec.Date,
		TokenCode:   rec.TokenCode,
		SubmittedAt: rec.SubmittedAt,
	})
	if err != nil {
		s.log.Warn("encode redemption event", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, queue.Message{Type: EventRedeemed, Body: body}); err != nil {
		s.log.Warn("queue publish failed", zap.String("course_code", rec.CourseCode), zap.Error(err))
	}
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns the
// calendar date as YYYY-MM-DD (UTC for timestamps).
func ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.Format(dateLayout), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(dateLayout), nil
	}
	return "", apperr.New(apperr.KindInvalidInput, "Invalid date format")
}

// ListAttendance returns attendance records, newest date first.
func (s *Service) ListAttendance(ctx context.Context, f AttendanceFilter, req paging.Request) (paging.Page[Record], error) {
	if f.Date != "" {
		d, err := ParseDate(f.Date)
		if err != nil {
			return paging.Page[Record]{}, err
		}
		f.Date = d
	}
	f.CourseCode = strings.TrimSpace(f.CourseCode)
	req = paging.Normalize(req)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, total, err := s.repo.ListRecords(ctx, f, req)
	if err != nil {
		return paging.Page[Record]{}, store.Wrap("list attendance", err)
	}
	return paging.New(recs, req, total), nil
}

// StudentAttendance returns one student's records, newest first.
func (s *Service) StudentAttendance(ctx context.Context, studentID string, req paging.Request) (paging.Page[Record], error) {
	if studentID == "" {
		return paging.Page[Record]{}, apperr.New(apperr.KindInvalidInput, "student id required")
	}
	return s.ListAttendance(ctx, AttendanceFilter{StudentID: studentID}, req)
}

// ListTokens returns tokens, newest first.
func (s *Service) ListTokens(ctx context.Context, f TokenFilter, req paging.Request) (paging.Page[Token], error) {
	f.CourseCode = strings.TrimSpace(f.CourseCode)
	req = paging.Normalize(req)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	toks, total, err := s.repo.ListTokens(ctx, f, req)
	if err != nil {
		return paging.Page[Token]{}, store.Wrap("list tokens", err)
	}
	return paging.New(toks, req, total), nil
}

// PurgeAllTokens deletes every token. Attendance records are kept.
func (s *Service) PurgeAllTokens(ctx context.Context, actor auth.Principal) (int64, error) {
	if !actor.IsAdmin() {
		return 0, apperr.New(apperr.KindForbidden, "Only Admin can perform this operation")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.repo.DeleteAllTokens(ctx)
	if err != nil {
		return 0, store.Wrap("purge tokens", err)
	}
	s.recorder.TokensPurged(n)
	s.log.Info("tokens purged", zap.Int64("deleted", n), zap.String("admin_id", actor.ID))
	return n, nil
}

// Reconcile counts redeemed tokens and records for a course.
func (s *Service) Reconcile(ctx context.Context, courseCode string) (Reconciliation, error) {
	course := strings.TrimSpace(courseCode)
	if course == "" {
		return Reconciliation{}, apperr.New(apperr.KindInvalidInput, "course code required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out Reconciliation
	err := s.repo.Transaction(ctx, func(tx *Repository) error {
		used, err := tx.CountUsedTokens(ctx, course)
		if err != nil {
			return err
		}
		recs, err := tx.CountRecords(ctx, course)
		if err != nil {
			return err
		}
		out = Reconciliation{CourseCode: course, UsedTokens: used, Records: recs, Consistent: used <= recs}
		return nil
	})
	if err != nil {
		return Reconciliation{}, store.Wrap("reconcile", err)
	}
	s.recorder.Reconciled(out)
	if !out.Consistent {
		s.log.Warn("ledger drift: redeemed tokens without records",
			zap.String("course_code", course), zap.Int64("used_tokens", out.UsedTokens), zap.Int64("records", out.Records))
	}
	return out, nil
}

// RebuildMirror replaces a student's attendance mirror with the contents
// of the record store and returns the number of entries written.
func (s *Service) RebuildMirror(ctx context.Context, studentID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.repo.Transaction(ctx, func(tx *Repository) error {
		st, err := tx.LockStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if st == nil {
			return apperr.New(apperr.KindNotFound, "student not found")
		}
		recs, err := tx.StudentRecords(ctx, studentID)
		if err != nil {
			return err
		}
		n = len(recs)
		return tx.SetMirror(ctx, studentID, mirrorFrom(recs))
	})
	if err != nil {
		return 0, store.Wrap("rebuild mirror", err)
	}
	return n, nil
}

// RebuildAllMirrors rebuilds every student's mirror, continuing past
// individual failures. It returns how many students were rebuilt.
func (s *Service) RebuildAllMirrors(ctx context.Context) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	ids, err := s.repo.StudentIDs(listCtx)
	cancel()
	if err != nil {
		return 0, store.Wrap("list students", err)
	}
	var (
		done    int
		lastErr error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, store.Wrap("rebuild mirrors", ctx.Err())
		}
		if _, err := s.RebuildMirror(ctx, id); err != nil {
			s.log.Warn("mirror rebuild failed", zap.String("student_id", id), zap.Error(err))
			lastErr = err
			continue
		}
		done++
	}
	return done, lastErr
}

func mirrorFrom(recs []Record) []principal.AttendanceEntry {
	out := make([]principal.AttendanceEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.mirrorEntry())
	}
	return out
}

func newID() string { return uuid.NewString() }

type nopRecorder struct{}

func (nopRecorder) TokensIssued(string, int)              {}
func (nopRecorder) IssueFailed(apperr.Kind)               {}
func (nopRecorder) Redemption(apperr.Kind, time.Duration) {}
func (nopRecorder) TokensPurged(int64)                    {}
func (nopRecorder) Reconciled(Reconciliation)             {}
