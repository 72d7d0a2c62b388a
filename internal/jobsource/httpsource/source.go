// Package httpsource implements the job source over the job board's JSON API.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
)

const tracerName = "github.com/JakeFAU/autoapply/internal/jobsource/httpsource"

// Config describes how to reach the job board.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	HealthPath string        `mapstructure:"health_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// Source talks to the job board over HTTP.
type Source struct {
	base   *url.URL
	cfg    Config
	client *http.Client
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates cfg and builds a Source. client may be nil.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Source, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		base:   base,
		cfg:    cfg,
		client: client,
		tracer: otel.Tracer(tracerName),
		logger: logger.Named("httpsource"),
	}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Token   string `json:"token"`
}

func (r statusResponse) text() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Error
}

type jobPayload struct {
	ID         json.RawMessage `json:"id"`
	Title      string          `json:"title"`
	Company    string          `json:"company"`
	Location   string          `json:"location"`
	URL        string          `json:"url"`
	Salary     string          `json:"salary"`
	JobType    string          `json:"job_type"`
	MatchScore *float64        `json:"match_score"`
}

// Authenticate posts credentials to /login and returns the issued session.
func (s *Source) Authenticate(ctx context.Context, creds apply.Credentials) (apply.Session, error) {
	ctx, span := s.tracer.Start(ctx, "httpsource.Authenticate")
	defer span.End()

	var resp statusResponse
	status, err := s.do(ctx, http.MethodPost, "/login", loginRequest(creds), &resp)
	if err == nil && (!resp.Success || resp.Token == "") {
		err = fmt.Errorf("login rejected: %s: %w", resp.text(), apply.ErrAuth)
	}
	if err != nil {
		if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
			err = fmt.Errorf("login rejected (status %d): %w", status, apply.ErrAuth)
		}
		return apply.Session{}, s.fail(span, "authenticate", err)
	}

	session := apply.Session{Token: resp.Token}
	if exp, ok := tokenExpiry(resp.Token); ok {
		session.ExpiresAt = exp
		span.SetAttributes(attribute.String("session.expires_at", exp.Format(time.RFC3339)))
	}
	return session, nil
}

// FetchWorkItems lists up to limit open postings.
func (s *Source) FetchWorkItems(ctx context.Context, session apply.Session, limit int) ([]apply.WorkItem, error) {
	ctx, span := s.tracer.Start(ctx, "httpsource.FetchWorkItems", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	path := "/api/jobs/search"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var raw json.RawMessage
	if _, err := s.doAuthed(ctx, http.MethodGet, path, session, nil, &raw); err != nil {
		return nil, s.fail(span, "fetch", err)
	}
	payloads, err := decodeJobs(raw)
	if err != nil {
		return nil, s.fail(span, "fetch", fmt.Errorf("decode jobs: %v: %w", err, apply.ErrTransport))
	}

	items := make([]apply.WorkItem, 0, len(payloads))
	for _, p := range payloads {
		item, ok := p.workItem()
		if !ok {
			s.logger.Debug("skipping posting without id", zap.String("title", p.Title))
			continue
		}
		items = append(items, item)
		if limit > 0 && len(items) == limit {
			break
		}
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

// Apply submits an application for workItemID.
func (s *Source) Apply(ctx context.Context, session apply.Session, workItemID string) (apply.ApplyStatus, error) {
	ctx, span := s.tracer.Start(ctx, "httpsource.Apply", trace.WithAttributes(attribute.String("work_item_id", workItemID)))
	defer span.End()

	var resp statusResponse
	path := "/api/jobs/" + url.PathEscape(workItemID) + "/apply"
	status, err := s.doAuthed(ctx, http.MethodPost, path, session, struct{}{}, &resp)
	switch {
	case status == http.StatusConflict || (err == nil && alreadyApplied(resp.text())):
		span.SetAttributes(attribute.String("apply.status", string(apply.ApplyAlreadyApplied)))
		return apply.ApplyAlreadyApplied, nil
	case err != nil:
		if apply.IsValidation(err) && alreadyApplied(err.Error()) {
			return apply.ApplyAlreadyApplied, nil
		}
		return "", s.fail(span, "apply", err)
	case !resp.Success:
		span.SetAttributes(attribute.String("apply.status", string(apply.ApplyValidationError)))
		return apply.ApplyValidationError, nil
	}
	return apply.ApplySuccess, nil
}

// Health probes the configured health path.
func (s *Source) Health(ctx context.Context) apply.HealthStatus {
	ctx, span := s.tracer.Start(ctx, "httpsource.Health")
	defer span.End()

	status, err := s.do(ctx, http.MethodGet, s.cfg.HealthPath, nil, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return apply.HealthStatus{Up: false, Detail: err.Error()}
	}
	return apply.HealthStatus{Up: true, Detail: fmt.Sprintf("status %d", status)}
}

func (s *Source) doAuthed(ctx context.Context, method, path string, session apply.Session, body, out any) (int, error) {
	if session.Token == "" {
		return 0, fmt.Errorf("no session token: %w", apply.ErrAuth)
	}
	return s.request(ctx, method, path, session.Token, body, out)
}

func (s *Source) do(ctx context.Context, method, path string, body, out any) (int, error) {
	return s.request(ctx, method, path, "", body, out)
}

// request sends one call and classifies the failure into an apply error kind.
func (s *Source) request(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base.String()+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %v: %w", method, path, err, apply.ErrTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s: %v: %w", path, err, apply.ErrTransport)
	}
	if err := classify(resp.StatusCode, data); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %v: %w", path, err, apply.ErrTransport)
		}
	}
	return resp.StatusCode, nil
}

func (s *Source) fail(span trace.Span, op string, err error) error {
	s.logger.Debug("job source call failed", zap.String("op", op), zap.Error(err))
	result := "transport"
	switch {
	case apply.IsAuth(err):
		result = "auth"
	case apply.IsValidation(err):
		result = "validation"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, result)
	return err
}

func classify(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	var resp statusResponse
	_ = json.Unmarshal(body, &resp)
	msg := resp.text()
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d: %s: %w", status, msg, apply.ErrAuth)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("status %d: %s: %w", status, msg, apply.ErrTransport)
	default:
		return fmt.Errorf("status %d: %s: %w", status, msg, apply.ErrValidation)
	}
}

func alreadyApplied(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already applied")
}

// decodeJobs accepts either a bare array or an object wrapping it under "jobs".
func decodeJobs(raw json.RawMessage) ([]jobPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var jobs []jobPayload
		err := json.Unmarshal(trimmed, &jobs)
		return jobs, err
	}
	var wrapped struct {
		Jobs []jobPayload `json:"jobs"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Jobs, nil
}

func (p jobPayload) workItem() (apply.WorkItem, bool) {
	id := strings.Trim(string(bytes.TrimSpace(p.ID)), `"`)
	if id == "" || id == "null" {
		return apply.WorkItem{}, false
	}
	meta := map[string]string{}
	for k, v := range map[string]string{"location": p.Location, "url": p.URL, "salary": p.Salary, "job_type": p.JobType} {
		if v != "" {
			meta[k] = v
		}
	}
	if p.MatchScore != nil {
		meta["match_score"] = strconv.FormatFloat(*p.MatchScore, 'f', -1, 64)
	}
	return apply.WorkItem{ID: id, Title: p.Title, Organization: p.Company, Metadata: meta}, true
}

// tokenExpiry reads the exp claim without verifying the signature; the board owns the key.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

var _ apply.Source = (*Source)(nil)
