package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/paging"
	"classattend/internal/principal"
)

func init() {
	// report request fields by their JSON names
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

type Handler struct {
	principals *principal.Service
	ledger     *attendance.Service
	issuer     *auth.Issuer
	checks     map[string]HealthCheck
	log        *zap.Logger
}

func New(principals *principal.Service, ledger *attendance.Service, issuer *auth.Issuer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		principals: principals,
		ledger:     ledger,
		issuer:     issuer,
		checks:     make(map[string]HealthCheck),
		log:        log,
	}
}

// AddHealthCheck registers a dependency probed by /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Routes mounts every endpoint on r. limit runs before each handler;
// on authenticated routes it runs after the principal is known.
func (h *Handler) Routes(r gin.IRouter, limit gin.HandlerFunc) {
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	r.GET("/healthz", h.Healthz)

	r.POST("/student/register", limit, h.RegisterStudent)
	r.POST("/student/login", limit, h.LoginStudent)
	r.POST("/auth/admin/login", limit, h.LoginAdmin)

	authed := r.Group("", auth.Authenticate(h.issuer), limit)
	authed.GET("/auth/verify", h.Verify)

	student := authed.Group("/student", auth.RequireRole(auth.RoleStudent))
	student.GET("/dashboard", h.Dashboard)
	student.GET("/attendance", h.MyAttendance)
	student.POST("/submit-attendance", h.SubmitAttendance)

	admin := authed.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/generate-tokens", h.GenerateTokens)
	admin.GET("/get-tokenlist", h.TokenList)
	admin.DELETE("/delete-all-tokens", h.DeleteAllTokens)
	admin.GET("/get-attendance", h.AttendanceList)
	admin.GET("/get-students", h.StudentList)
	admin.GET("/reconcile", h.Reconcile)
	admin.POST("/students/:id/rebuild-mirror", h.RebuildMirror)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Errors ----------

// fail writes err as {"error", "kind"} with the status for its kind.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	if apperr.Retryable(err) {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.MessageOf(err), "kind": kind})
}

// bind decodes a JSON body and turns binding failures into invalid_input.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.fail(c, bindError(err))
		return false
	}
	return true
}

func bindError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return apperr.Wrap(apperr.KindInvalidInput, strings.Join(msgs, "; "), err)
}

func pageRequest(c *gin.Context) paging.Request {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return paging.Normalize(paging.Request{Page: page, Limit: limit})
}

func principalOf(c *gin.Context) auth.Principal {
	p, _ := auth.FromContext(c)
	return p
}

// ---------- Auth ----------

type registerRequest struct {
	FullName   string `json:"fullname"`
	Matric     string `json:"matric"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Department string `json:"department"`
}

func (h *Handler) RegisterStudent(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	st, err := h.principals.RegisterStudent(c.Request.Context(), principal.RegisterInput{
		FullName:   req.FullName,
		Matric:     req.Matric,
		Email:      req.Email,
		Password:   req.Password,
		Department: req.Department,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":  "success",
		"message": "Student registered successfully.",
		"student": st,
	})
}

type studentLoginRequest struct {
	Matric   string `json:"matric" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) LoginStudent(c *gin.Context) {
	var req studentLoginRequest
	if !h.bind(c, &req) {
		return
	}
	sess, err := h.principals.LoginStudent(c.Request.Context(), req.Matric, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
		"user": gin.H{
			"id":         sess.Student.ID,
			"fullname":   sess.Student.FullName,
			"email":      sess.Student.Email,
			"matric":     sess.Student.Matric,
			"department": sess.Student.Department,
			"role":       sess.Principal.Role.String(),
		},
	})
}

type adminLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) LoginAdmin(c *gin.Context) {
	var req adminLoginRequest
	if !h.bind(c, &req) {
		return
	}
	sess, err := h.principals.LoginAdmin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
		"user": gin.H{
			"id":         sess.Admin.ID,
			"email":      sess.Admin.Email,
			"admin_type": sess.Admin.AdminType,
			"role":       sess.Principal.Role.String(),
		},
	})
}

func (h *Handler) Verify(c *gin.Context) {
	p := principalOf(c)
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "User is authenticated",
		"user":    gin.H{"id": p.ID, "role": p.Role.String()},
	})
}

// ---------- Student ----------

func (h *Handler) Dashboard(c *gin.Context) {
	st, err := h.principals.GetStudent(c.Request.Context(), principalOf(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "student": st})
}

func (h *Handler) MyAttendance(c *gin.Context) {
	page, err := h.ledger.StudentAttendance(c.Request.Context(), principalOf(c).ID, pageRequest(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type submitRequest struct {
	Token      string `json:"token" binding:"required"`
	CourseCode string `json:"course_code" binding:"required"`
	Date       string `json:"date" binding:"required"`
}

func (h *Handler) SubmitAttendance(c *gin.Context) {
	var req submitRequest
	if !h.bind(c, &req) {
		return
	}
	rec, err := h.ledger.Redeem(c.Request.Context(), principalOf(c), attendance.RedeemRequest{
		Code:       req.Token,
		CourseCode: req.CourseCode,
		Date:       req.Date,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Attendance submitted successfully",
		"record":  rec,
	})
}

// ---------- Admin ----------

type generateRequest struct {
	CourseCode string `json:"course_code"`
	ExpiresAt  string `json:"expires_at"`
	Count      int    `json:"count"`
}

func (h *Handler) GenerateTokens(c *gin.Context) {
	var req generateRequest
	if !h.bind(c, &req) {
		return
	}
	var expiresAt time.Time
	if strings.TrimSpace(req.ExpiresAt) != "" {
		t, err := parseTime(req.ExpiresAt)
		if err != nil {
			h.fail(c, apperr.New(apperr.KindInvalidInput, "Invalid or past expiry date"))
			return
		}
		expiresAt = t
	}
	batch, err := h.ledger.IssueBatch(c.Request.Context(), principalOf(c), attendance.IssueRequest{
		CourseCode: req.CourseCode,
		ExpiresAt:  expiresAt,
		Count:      req.Count,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":     fmt.Sprintf("Generated %d token(s) successfully", len(batch.IssuedCodes)),
		"course_code": batch.CourseCode,
		"expires_at":  batch.ExpiresAt,
		"tokens":      batch.IssuedCodes,
	})
}

func (h *Handler) TokenList(c *gin.Context) {
	f := attendance.TokenFilter{CourseCode: c.Query("course_code")}
	if v := c.Query("used"); v != "" {
		used, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(c, apperr.New(apperr.KindInvalidInput, "used must be true or false"))
			return
		}
		f.Used = &used
	}
	if v := c.Query("not_expired_before"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			h.fail(c, apperr.New(apperr.KindInvalidInput, "Invalid date format"))
			return
		}
		f.NotExpiredBefore = &t
	}
	page, err := h.ledger.ListTokens(c.Request.Context(), f, pageRequest(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) DeleteAllTokens(c *gin.Context) {
	n, err := h.ledger.PurgeAllTokens(c.Request.Context(), principalOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	msg := "All tokens deleted successfully"
	if n == 0 {
		msg = "No tokens found to delete"
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": msg, "deleted": n})
}

func (h *Handler) AttendanceList(c *gin.Context) {
	page, err := h.ledger.ListAttendance(c.Request.Context(), attendance.AttendanceFilter{
		CourseCode: c.Query("course_code"),
		Date:       c.Query("date"),
		StudentID:  c.Query("student_id"),
	}, pageRequest(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) StudentList(c *gin.Context) {
	page, err := h.principals.ListStudents(c.Request.Context(), pageRequest(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) Reconcile(c *gin.Context) {
	rc, err := h.ledger.Reconcile(c.Request.Context(), c.Query("course_code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}

func (h *Handler) RebuildMirror(c *gin.Context) {
	id := c.Param("id")
	n, err := h.ledger.RebuildMirror(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"student_id": id, "entries": n})
}

// parseTime accepts RFC 3339 or a bare date (midnight UTC).
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
