package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"classattend/internal/apperr"
	"classattend/internal/auth"
	"classattend/internal/paging"
	"classattend/internal/principal"
	"classattend/internal/queue"
	"classattend/internal/store"
	"classattend/internal/store/storetest"
)

var admin = auth.Principal{ID: "admin-1", Role: auth.RoleAdmin}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu          sync.Mutex
	issued      int
	issueFails  []apperr.Kind
	redemptions []apperr.Kind
	purged      int64
	reconciled  []Reconciliation
}

func (r *recorder) TokensIssued(_ string, n int) {
	r.mu.Lock()
	r.issued += n
	r.mu.Unlock()
}

func (r *recorder) IssueFailed(k apperr.Kind) {
	r.mu.Lock()
	r.issueFails = append(r.issueFails, k)
	r.mu.Unlock()
}

func (r *recorder) Redemption(k apperr.Kind, _ time.Duration) {
	r.mu.Lock()
	r.redemptions = append(r.redemptions, k)
	r.mu.Unlock()
}

func (r *recorder) TokensPurged(n int64) {
	r.mu.Lock()
	r.purged += n
	r.mu.Unlock()
}

func (r *recorder) Reconciled(rc Reconciliation) {
	r.mu.Lock()
	r.reconciled = append(r.reconciled, rc)
	r.mu.Unlock()
}

type publisher struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (p *publisher) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type lockerFunc func(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)

func (f lockerFunc) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	return f(ctx, key, ttl)
}

type fixture struct {
	db    *gorm.DB
	svc   *Service
	repo  *Repository
	clock *clock
	rec   *recorder
	pub   *publisher
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	db := storetest.NewSQLite(t, append(Models(), principal.Models()...)...)
	f := &fixture{
		db:    db,
		repo:  NewRepository(db),
		clock: &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		rec:   &recorder{},
		pub:   &publisher{},
	}
	opts := Options{
		Timeout:   10 * time.Second,
		Publisher: f.pub,
		Recorder:  f.rec,
		Now:       f.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc = NewService(f.repo, opts)
	return f
}

func (f *fixture) student(t *testing.T, matric string) auth.Principal {
	t.Helper()
	st := &principal.Student{
		FullName:     "Test " + matric,
		Email:        strings.ToLower(matric) + "@example.com",
		Matric:       matric,
		Department:   "CSC",
		PasswordHash: "x",
	}
	if err := principal.NewRepository(f.db).CreateStudent(context.Background(), st); err != nil {
		t.Fatalf("create student: %v", err)
	}
	return auth.Principal{ID: st.ID, Role: auth.RoleStudent}
}

func (f *fixture) issue(t *testing.T, course string, n int) []string {
	t.Helper()
	b, err := f.svc.IssueBatch(context.Background(), admin, IssueRequest{
		CourseCode: course,
		ExpiresAt:  f.clock.Now().Add(time.Hour),
		Count:      n,
	})
	if err != nil {
		t.Fatalf("issue %s: %v", course, err)
	}
	return b.IssuedCodes
}

func (f *fixture) tokenCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&Token{}).Count(&n).Error; err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	return n
}

func (f *fixture) recordCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&Record{}).Count(&n).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

func TestIssueBatchCreatesDistinctUnusedTokens(t *testing.T) {
	f := newFixture(t, nil)
	codes := f.issue(t, " csc101 ", 25)

	if len(codes) != 25 {
		t.Fatalf("expected 25 codes, got %d", len(codes))
	}
	seen := make(map[string]struct{})
	for _, c := range codes {
		if len(c) != 8 || !strings.HasPrefix(c, "CSC1") {
			t.Fatalf("bad code %q", c)
		}
		if _, dup := seen[c]; dup {
			t.Fatalf("duplicate code %q", c)
		}
		seen[c] = struct{}{}
	}
	var toks []Token
	if err := f.db.Find(&toks).Error; err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if len(toks) != 25 {
		t.Fatalf("expected 25 stored tokens, got %d", len(toks))
	}
	for _, tok := range toks {
		if tok.Used || tok.UsedBy != nil || tok.CourseCode != "csc101" || tok.IssuedBy != admin.ID {
			t.Fatalf("unexpected stored token %+v", tok)
		}
	}
	if f.rec.issued != 25 {
		t.Fatalf("recorder saw %d issued", f.rec.issued)
	}
}

func TestIssueBatchValidation(t *testing.T) {
	f := newFixture(t, nil)
	future := f.clock.Now().Add(time.Hour)
	cases := []struct {
		name  string
		actor auth.Principal
		req   IssueRequest
		kind  apperr.Kind
	}{
		{name: "student", actor: auth.Principal{ID: "s", Role: auth.RoleStudent}, req: IssueRequest{CourseCode: "CSC101", ExpiresAt: future, Count: 1}, kind: apperr.KindForbidden},
		{name: "missing course", actor: admin, req: IssueRequest{CourseCode: "  ", ExpiresAt: future, Count: 1}, kind: apperr.KindInvalidInput},
		{name: "short course", actor: admin, req: IssueRequest{CourseCode: " CS ", ExpiresAt: future, Count: 1}, kind: apperr.KindInvalidInput},
		{name: "zero count", actor: admin, req: IssueRequest{CourseCode: "CSC101", ExpiresAt: future, Count: 0}, kind: apperr.KindInvalidInput},
		{name: "negative count", actor: admin, req: IssueRequest{CourseCode: "CSC101", ExpiresAt: future, Count: -3}, kind: apperr.KindInvalidInput},
		{name: "too many", actor: admin, req: IssueRequest{CourseCode: "CSC101", ExpiresAt: future, Count: 1001}, kind: apperr.KindInvalidInput},
		{name: "past expiry", actor: admin, req: IssueRequest{CourseCode: "CSC101", ExpiresAt: f.clock.Now().Add(-time.Minute), Count: 1}, kind: apperr.KindInvalidInput},
		{name: "expiry now", actor: admin, req: IssueRequest{CourseCode: "CSC101", ExpiresAt: f.clock.Now(), Count: 1}, kind: apperr.KindInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.IssueBatch(context.Background(), tc.actor, tc.req)
			if !apperr.HasKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
	if n := f.tokenCount(t); n != 0 {
		t.Fatalf("rejected requests must not persist tokens, found %d", n)
	}
}

func TestIssueBatchMaxSize(t *testing.T) {
	f := newFixture(t, nil)
	if codes := f.issue(t, "BIG101", MaxBatchSize); len(codes) != MaxBatchSize {
		t.Fatalf("expected %d codes, got %d", MaxBatchSize, len(codes))
	}
}

func TestIssueBatchOutstandingPolicy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.issue(t, "CSC101", 2)

	_, err := f.svc.IssueBatch(ctx, admin, IssueRequest{CourseCode: "CSC101", ExpiresAt: f.clock.Now().Add(time.Hour), Count: 1})
	if !apperr.HasKind(err, apperr.KindPolicyConflict) {
		t.Fatalf("expected policy_conflict, got %v", err)
	}
	// other courses are unaffected
	f.issue(t, "MTH201", 1)

	// once the outstanding tokens expire a new batch is allowed
	f.clock.Advance(2 * time.Hour)
	f.issue(t, "CSC101", 1)
	if n := f.tokenCount(t); n != 4 {
		t.Fatalf("expected 4 tokens, got %d", n)
	}
}

func TestIssueBatchOutstandingClearedByRedemption(t *testing.T) {
	f := newFixture(t, nil)
	st := f.student(t, "A1")
	codes := f.issue(t, "CSC101", 1)
	if _, err := f.svc.Redeem(context.Background(), st, RedeemRequest{Code: codes[0], CourseCode: "CSC101", Date: "2025-03-10"}); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	f.issue(t, "CSC101", 1)
}

func TestIssueBatchUniquenessExhausted(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Generate = func(string) (string, error) { return "CSC1AAAA", nil }
	})
	_, err := f.svc.IssueBatch(context.Background(), admin, IssueRequest{CourseCode: "CSC101", ExpiresAt: f.clock.Now().Add(time.Hour), Count: 2})
	if !apperr.HasKind(err, apperr.KindUniquenessExhausted) {
		t.Fatalf("expected uniqueness_exhausted, got %v", err)
	}
	if n := f.tokenCount(t); n != 0 {
		t.Fatalf("failed batch must persist nothing, found %d", n)
	}
	if len(f.rec.issueFails) != 1 || f.rec.issueFails[0] != apperr.KindUniquenessExhausted {
		t.Fatalf("unexpected recorded failures %v", f.rec.issueFails)
	}
}

func TestIssueBatchSkipsExistingCodes(t *testing.T) {
	calls := 0
	f := newFixture(t, func(o *Options) {
		o.Generate = func(string) (string, error) {
			calls++
			if calls == 1 {
				return "CSC1TAKE", nil
			}
			return fmt.Sprintf("CSC1%04d", calls), nil
		}
	})
	used := "someone"
	if err := f.db.Create(&Token{Code: "CSC1TAKE", CourseCode: "OLD101", Used: true, UsedBy: &used, ExpiresAt: f.clock.Now(), CreatedAt: f.clock.Now()}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	codes := f.issue(t, "CSC101", 1)
	if codes[0] == "CSC1TAKE" {
		t.Fatal("issued a code that already exists")
	}
}

func TestIssueBatchRegeneratesDuplicateSlotOnly(t *testing.T) {
	calls := 0
	f := newFixture(t, func(o *Options) {
		// every code comes out twice in a row
		o.Generate = func(string) (string, error) {
			code := fmt.Sprintf("CSC1%04d", calls/2)
			calls++
			return code, nil
		}
	})
	codes := f.issue(t, "CSC101", 20)
	if len(codes) != 20 {
		t.Fatalf("expected 20 codes, got %d", len(codes))
	}
	if calls != 39 {
		t.Fatalf("expected one extra candidate per repeated slot, got %d calls", calls)
	}
}

func TestIssueBatchRetriesInsertCollision(t *testing.T) {
	f := newFixture(t, nil)
	collisions := 0
	if err := f.db.Callback().Create().Before("gorm:create").Register("test:collide_tokens", func(db *gorm.DB) {
		if db.Statement.Table == "tokens" && collisions == 0 {
			collisions++
			_ = db.AddError(gorm.ErrDuplicatedKey)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	codes := f.issue(t, "CSC102", 3)
	if len(codes) != 3 || collisions != 1 {
		t.Fatalf("codes=%v collisions=%d", codes, collisions)
	}
	if n := f.tokenCount(t); n != 3 {
		t.Fatalf("expected 3 stored tokens, got %d", n)
	}
}

func TestIssueBatchInsertCollisionsExhausted(t *testing.T) {
	f := newFixture(t, nil)
	collisions := 0
	if err := f.db.Callback().Create().Before("gorm:create").Register("test:collide_tokens", func(db *gorm.DB) {
		if db.Statement.Table == "tokens" {
			collisions++
			_ = db.AddError(gorm.ErrDuplicatedKey)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err := f.svc.IssueBatch(context.Background(), admin, IssueRequest{CourseCode: "CSC102", ExpiresAt: f.clock.Now().Add(time.Hour), Count: 2})
	if !apperr.HasKind(err, apperr.KindUniquenessExhausted) {
		t.Fatalf("expected uniqueness_exhausted, got %v", err)
	}
	if collisions != MaxInsertAttempts {
		t.Fatalf("expected %d attempts, got %d", MaxInsertAttempts, collisions)
	}
	if n := f.tokenCount(t); n != 0 {
		t.Fatalf("failed batch must persist nothing, found %d", n)
	}
}

func TestIssueBatchLock(t *testing.T) {
	t.Run("held", func(t *testing.T) {
		f := newFixture(t, func(o *Options) {
			o.Locker = lockerFunc(func(context.Context, string, time.Duration) (func(context.Context) error, error) {
				return nil, store.ErrLockHeld
			})
		})
		_, err := f.svc.IssueBatch(context.Background(), admin, IssueRequest{CourseCode: "CSC101", ExpiresAt: f.clock.Now().Add(time.Hour), Count: 1})
		if !apperr.HasKind(err, apperr.KindPolicyConflict) {
			t.Fatalf("expected policy_conflict, got %v", err)
		}
	})
	t.Run("released", func(t *testing.T) {
		var gotKey string
		released := false
		f := newFixture(t, func(o *Options) {
			o.Locker = lockerFunc(func(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
				gotKey = key
				return func(context.Context) error { released = true; return nil }, nil
			})
		})
		f.issue(t, "CSC101", 1)
		if gotKey != "issue:CSC101" || !released {
			t.Fatalf("lock key=%q released=%v", gotKey, released)
		}
	})
	t.Run("unavailable", func(t *testing.T) {
		f := newFixture(t, func(o *Options) {
			o.Locker = lockerFunc(func(context.Context, string, time.Duration) (func(context.Context) error, error) {
				return nil, errors.New("redis down")
			})
		})
		f.issue(t, "CSC101", 1)
	})
}

func TestRedeemSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.student(t, "A1")
	code := f.issue(t, "CSC101", 1)[0]

	rec, err := f.svc.Redeem(ctx, st, RedeemRequest{Code: " " + strings.ToLower(code) + " ", CourseCode: " CSC101 ", Date: "2025-03-10T08:00:00Z"})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if rec.StudentID != st.ID || rec.CourseCode != "CSC101" || rec.Date != "2025-03-10" || rec.TokenCode != code || !rec.Present {
		t.Fatalf("unexpected record %+v", rec)
	}

	tok, err := f.repo.Token(ctx, code)
	if err != nil || tok == nil {
		t.Fatalf("load token: %v", err)
	}
	if !tok.Used || tok.UsedBy == nil || *tok.UsedBy != st.ID || tok.UsedAt == nil {
		t.Fatalf("token not claimed: %+v", tok)
	}

	stu, err := principal.NewRepository(f.db).StudentByID(ctx, st.ID)
	if err != nil {
		t.Fatalf("load student: %v", err)
	}
	entries, err := stu.Entries()
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one mirror entry, got %v err=%v", entries, err)
	}
	if entries[0].Token != code || entries[0].CourseCode != "CSC101" || entries[0].Date != "2025-03-10" {
		t.Fatalf("unexpected mirror entry %+v", entries[0])
	}

	if len(f.pub.msgs) != 1 || f.pub.msgs[0].Type != EventRedeemed {
		t.Fatalf("expected one redemption event, got %+v", f.pub.msgs)
	}
	var ev RedemptionEvent
	if err := json.Unmarshal(f.pub.msgs[0].Body, &ev); err != nil || ev.CourseCode != "CSC101" || ev.StudentID != st.ID {
		t.Fatalf("bad event %+v err=%v", ev, err)
	}
	if len(f.rec.redemptions) != 1 || f.rec.redemptions[0] != "" {
		t.Fatalf("expected one successful redemption, got %v", f.rec.redemptions)
	}
}

func TestRedeemRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.student(t, "A1")
	bob := f.student(t, "B2")
	codes := f.issue(t, "CSC101", 3)

	if _, err := f.svc.Redeem(ctx, alice, RedeemRequest{Code: codes[0], CourseCode: "CSC101", Date: "2025-03-10"}); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	cases := []struct {
		name  string
		actor auth.Principal
		req   RedeemRequest
		kind  apperr.Kind
	}{
		{name: "missing code", actor: bob, req: RedeemRequest{CourseCode: "CSC101", Date: "2025-03-10"}, kind: apperr.KindInvalidInput},
		{name: "missing date", actor: bob, req: RedeemRequest{Code: codes[1], CourseCode: "CSC101"}, kind: apperr.KindInvalidInput},
		{name: "bad date", actor: bob, req: RedeemRequest{Code: codes[1], CourseCode: "CSC101", Date: "10/03/2025"}, kind: apperr.KindInvalidInput},
		{name: "admin", actor: admin, req: RedeemRequest{Code: codes[1], CourseCode: "CSC101", Date: "2025-03-10"}, kind: apperr.KindForbidden},
		{name: "unknown student", actor: auth.Principal{ID: "ghost", Role: auth.RoleStudent}, req: RedeemRequest{Code: codes[1], CourseCode: "CSC101", Date: "2025-03-10"}, kind: apperr.KindForbidden},
		{name: "unknown code", actor: bob, req: RedeemRequest{Code: "NOPE0000", CourseCode: "CSC101", Date: "2025-03-10"}, kind: apperr.KindInvalidOrUsedToken},
		{name: "used code", actor: bob, req: RedeemRequest{Code: codes[0], CourseCode: "CSC101", Date: "2025-03-10"}, kind: apperr.KindInvalidOrUsedToken},
		{name: "wrong course", actor: bob, req: RedeemRequest{Code: codes[1], CourseCode: "MTH201", Date: "2025-03-10"}, kind: apperr.KindCourseMismatch},
		{name: "same day twice", actor: alice, req: RedeemRequest{Code: codes[1], CourseCode: "CSC101", Date: "2025-03-10"}, kind: apperr.KindDuplicateSubmission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Redeem(ctx, tc.actor, tc.req)
			if !apperr.HasKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}

	// rejected attempts leave the remaining tokens redeemable
	for _, c := range codes[1:] {
		tok, err := f.repo.Token(ctx, c)
		if err != nil || tok == nil || tok.Used {
			t.Fatalf("token %s should still be unused: %+v err=%v", c, tok, err)
		}
	}
	if _, err := f.svc.Redeem(ctx, alice, RedeemRequest{Code: codes[1], CourseCode: "CSC101", Date: "2025-03-11"}); err != nil {
		t.Fatalf("next-day redeem: %v", err)
	}
	if len(f.pub.msgs) != 2 {
		t.Fatalf("only successful redemptions publish events, got %d", len(f.pub.msgs))
	}
}

func TestRedeemExpired(t *testing.T) {
	f := newFixture(t, nil)
	st := f.student(t, "A1")
	code := f.issue(t, "CSC101", 1)[0]
	f.clock.Advance(time.Hour)

	_, err := f.svc.Redeem(context.Background(), st, RedeemRequest{Code: code, CourseCode: "CSC101", Date: "2025-03-10"})
	if !apperr.HasKind(err, apperr.KindTokenExpired) {
		t.Fatalf("expected token_expired, got %v", err)
	}
	tok, _ := f.repo.Token(context.Background(), code)
	if tok == nil || tok.Used {
		t.Fatalf("expired token must not be consumed: %+v", tok)
	}
}

func TestRedeemMismatchBeforeExpiry(t *testing.T) {
	f := newFixture(t, nil)
	st := f.student(t, "A1")
	code := f.issue(t, "CSC101", 1)[0]
	f.clock.Advance(2 * time.Hour)

	_, err := f.svc.Redeem(context.Background(), st, RedeemRequest{Code: code, CourseCode: "MTH201", Date: "2025-03-10"})
	if !apperr.HasKind(err, apperr.KindCourseMismatch) {
		t.Fatalf("expected course_mismatch, got %v", err)
	}
}

func TestRedeemConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	const n = 8
	students := make([]auth.Principal, n)
	for i := range students {
		students[i] = f.student(t, fmt.Sprintf("S%02d", i))
	}
	code := f.issue(t, "CSC101", 1)[0]

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range students {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Redeem(context.Background(), students[i], RedeemRequest{Code: code, CourseCode: "CSC101", Date: "2025-03-10"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apperr.HasKind(err, apperr.KindInvalidOrUsedToken):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	var recs int64
	f.db.Model(&Record{}).Count(&recs)
	if recs != 1 {
		t.Fatalf("expected one record, got %d", recs)
	}
}

func TestListAttendanceAndTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.student(t, "A1")
	bob := f.student(t, "B2")

	csc := f.issue(t, "CSC101", 3)
	mth := f.issue(t, "MTH201", 1)
	redeem := func(p auth.Principal, code, course, date string) {
		t.Helper()
		f.clock.Advance(time.Minute)
		if _, err := f.svc.Redeem(ctx, p, RedeemRequest{Code: code, CourseCode: course, Date: date}); err != nil {
			t.Fatalf("redeem: %v", err)
		}
	}
	redeem(alice, csc[0], "CSC101", "2025-03-09")
	redeem(alice, csc[1], "CSC101", "2025-03-10")
	redeem(bob, csc[2], "CSC101", "2025-03-10")
	redeem(bob, mth[0], "MTH201", "2025-03-10")

	all, err := f.svc.ListAttendance(ctx, AttendanceFilter{}, paging.Request{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all.Total != 4 || len(all.Items) != 4 {
		t.Fatalf("expected 4 records, got %+v", all)
	}
	if all.Items[0].TokenCode != mth[0] || all.Items[3].Date != "2025-03-09" {
		t.Fatalf("unexpected order: first=%s last=%s", all.Items[0].TokenCode, all.Items[3].Date)
	}

	byCourse, _ := f.svc.ListAttendance(ctx, AttendanceFilter{CourseCode: "CSC101", Date: "2025-03-10"}, paging.Request{})
	if byCourse.Total != 2 {
		t.Fatalf("expected 2 CSC101 records on 2025-03-10, got %d", byCourse.Total)
	}
	mine, _ := f.svc.StudentAttendance(ctx, alice.ID, paging.Request{Page: 1, Limit: 1})
	if mine.Total != 2 || len(mine.Items) != 1 || mine.TotalPages != 2 {
		t.Fatalf("unexpected student page %+v", mine)
	}
	if _, err := f.svc.ListAttendance(ctx, AttendanceFilter{Date: "yesterday"}, paging.Request{}); !apperr.HasKind(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid_input for bad date filter, got %v", err)
	}

	used := true
	usedToks, _ := f.svc.ListTokens(ctx, TokenFilter{CourseCode: "CSC101", Used: &used}, paging.Request{})
	if usedToks.Total != 3 {
		t.Fatalf("expected 3 used CSC101 tokens, got %d", usedToks.Total)
	}
	allToks, _ := f.svc.ListTokens(ctx, TokenFilter{}, paging.Request{})
	if allToks.Total != 4 {
		t.Fatalf("expected 4 tokens, got %d", allToks.Total)
	}
	later := f.clock.Now().Add(3 * time.Hour)
	live, _ := f.svc.ListTokens(ctx, TokenFilter{NotExpiredBefore: &later}, paging.Request{})
	if live.Total != 0 {
		t.Fatalf("expected no tokens valid in 3h, got %d", live.Total)
	}
}

func TestPurgeAndReconcile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.student(t, "A1")
	codes := f.issue(t, "CSC101", 2)
	if _, err := f.svc.Redeem(ctx, st, RedeemRequest{Code: codes[0], CourseCode: "CSC101", Date: "2025-03-10"}); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	rc, err := f.svc.Reconcile(ctx, "CSC101")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rc.UsedTokens != 1 || rc.Records != 1 || !rc.Consistent {
		t.Fatalf("unexpected reconciliation %+v", rc)
	}

	if _, err := f.svc.PurgeAllTokens(ctx, st); !apperr.HasKind(err, apperr.KindForbidden) {
		t.Fatalf("students must not purge, got %v", err)
	}
	n, err := f.svc.PurgeAllTokens(ctx, admin)
	if err != nil || n != 2 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if c := f.tokenCount(t); c != 0 {
		t.Fatalf("expected no tokens after purge, got %d", c)
	}

	// records survive a purge; records exceeding used tokens is still consistent
	rc, err = f.svc.Reconcile(ctx, "CSC101")
	if err != nil || rc.Records != 1 || rc.UsedTokens != 0 || !rc.Consistent {
		t.Fatalf("unexpected post-purge reconciliation %+v err=%v", rc, err)
	}

	// a used token without a record is drift
	by := "ghost"
	if err := f.db.Create(&Token{Code: "MTH1ZZZZ", CourseCode: "MTH201", Used: true, UsedBy: &by, ExpiresAt: f.clock.Now(), CreatedAt: f.clock.Now()}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	rc, err = f.svc.Reconcile(ctx, "MTH201")
	if err != nil || rc.Consistent {
		t.Fatalf("expected drift, got %+v err=%v", rc, err)
	}
	if _, err := f.svc.Reconcile(ctx, " "); !apperr.HasKind(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
	if f.rec.purged != 2 || len(f.rec.reconciled) != 3 {
		t.Fatalf("recorder purged=%d reconciled=%d", f.rec.purged, len(f.rec.reconciled))
	}
}

func TestRebuildMirror(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.student(t, "A1")
	bob := f.student(t, "B2")
	codes := f.issue(t, "CSC101", 2)
	for i, date := range []string{"2025-03-09", "2025-03-10"} {
		if _, err := f.svc.Redeem(ctx, alice, RedeemRequest{Code: codes[i], CourseCode: "CSC101", Date: date}); err != nil {
			t.Fatalf("redeem: %v", err)
		}
	}

	if err := f.db.Model(&principal.Student{}).Where("id = ?", alice.ID).Update("attendance", []byte("[]")).Error; err != nil {
		t.Fatalf("clobber mirror: %v", err)
	}
	n, err := f.svc.RebuildMirror(ctx, alice.ID)
	if err != nil || n != 2 {
		t.Fatalf("rebuild: n=%d err=%v", n, err)
	}
	stu, _ := principal.NewRepository(f.db).StudentByID(ctx, alice.ID)
	entries, _ := stu.Entries()
	if len(entries) != 2 || entries[0].Date != "2025-03-09" || entries[1].Date != "2025-03-10" {
		t.Fatalf("unexpected rebuilt mirror %+v", entries)
	}

	if _, err := f.svc.RebuildMirror(ctx, "missing"); !apperr.HasKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	done, err := f.svc.RebuildAllMirrors(ctx)
	if err != nil || done != 2 {
		t.Fatalf("rebuild all: done=%d err=%v", done, err)
	}
	stu, _ = principal.NewRepository(f.db).StudentByID(ctx, bob.ID)
	if entries, _ := stu.Entries(); len(entries) != 0 {
		t.Fatalf("bob should have an empty mirror, got %+v", entries)
	}
}

func TestRedeemRecordFailureRollsBackClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.student(t, "A1")
	code := f.issue(t, "CSC101", 1)[0]

	if err := f.db.Callback().Create().Before("gorm:create").Register("test:fail_records", func(db *gorm.DB) {
		if db.Statement.Table == "attendance_records" {
			_ = db.AddError(gorm.ErrDuplicatedKey)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err := f.svc.Redeem(ctx, st, RedeemRequest{Code: code, CourseCode: "CSC101", Date: "2025-03-10"})
	if !apperr.HasKind(err, apperr.KindDuplicateSubmission) {
		t.Fatalf("expected duplicate_submission, got %v", err)
	}
	tok, err := f.repo.Token(ctx, code)
	if err != nil || tok == nil {
		t.Fatalf("load token: %v", err)
	}
	if tok.Used || tok.UsedBy != nil || tok.UsedAt != nil {
		t.Fatalf("claim must roll back with the failed record write: %+v", tok)
	}
	if n := f.recordCount(t); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
	stu, _ := principal.NewRepository(f.db).StudentByID(ctx, st.ID)
	if entries, _ := stu.Entries(); len(entries) != 0 {
		t.Fatalf("mirror must be untouched, got %+v", entries)
	}
	if len(f.pub.msgs) != 0 {
		t.Fatalf("failed redemption published %d events", len(f.pub.msgs))
	}
}

func TestRedeemLosesClaimRace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.student(t, "A1")
	code := f.issue(t, "CSC101", 1)[0]

	// another redeemer takes the token between the read and the claim
	raced := false
	if err := f.db.Callback().Update().Before("gorm:update").Register("test:steal_claim", func(db *gorm.DB) {
		if db.Statement.Table != "tokens" || raced {
			return
		}
		raced = true
		if err := db.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE tokens SET used = ? WHERE code = ?", true, code).Error; err != nil {
			_ = db.AddError(err)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err := f.svc.Redeem(ctx, st, RedeemRequest{Code: code, CourseCode: "CSC101", Date: "2025-03-10"})
	if !raced {
		t.Fatal("claim update never ran")
	}
	if !apperr.HasKind(err, apperr.KindInvalidOrUsedToken) {
		t.Fatalf("expected invalid_or_used_token, got %v", err)
	}
	if n := f.recordCount(t); n != 0 {
		t.Fatalf("losing redeemer must not write a record, got %d", n)
	}
	if len(f.rec.redemptions) != 1 || f.rec.redemptions[0] != apperr.KindInvalidOrUsedToken {
		t.Fatalf("unexpected recorded outcomes %v", f.rec.redemptions)
	}
}

func TestRedeemStorageTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.student(t, "A1")
	code := f.issue(t, "CSC101", 1)[0]

	var slow atomic.Bool
	if err := f.db.Callback().Query().Before("gorm:query").Register("test:slow_query", func(*gorm.DB) {
		if slow.Load() {
			time.Sleep(60 * time.Millisecond)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}
	svc := NewService(f.repo, Options{Timeout: 30 * time.Millisecond, Now: f.clock.Now})

	slow.Store(true)
	_, err := svc.Redeem(ctx, st, RedeemRequest{Code: code, CourseCode: "CSC101", Date: "2025-03-10"})
	slow.Store(false)

	if !apperr.HasKind(err, apperr.KindTransient) || !apperr.Retryable(err) {
		t.Fatalf("expected retryable transient_storage, got %v", err)
	}
	tok, err := f.repo.Token(ctx, code)
	if err != nil || tok == nil || tok.Used {
		t.Fatalf("timed out redemption must leave the token unused: %+v err=%v", tok, err)
	}
	if n := f.recordCount(t); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}

	if _, err := f.svc.Redeem(ctx, st, RedeemRequest{Code: code, CourseCode: "CSC101", Date: "2025-03-10"}); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
}
