// Package memory provides an in-process job source for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/autoapply/internal/apply"
)

// Source serves a fixed set of work items and records applications in memory.
// Failures can be scripted per operation to exercise retry paths.
type Source struct {
	mu        sync.RWMutex
	creds     *apply.Credentials
	items     []apply.WorkItem
	index     map[string]int
	applied   map[string]int
	closed    map[string]bool
	authErrs  []error
	fetchErrs []error
	applyErrs map[string][]error
	latency   time.Duration
	down      bool
	sessions  int
}

// New creates a Source serving items in order.
func New(items ...apply.WorkItem) *Source {
	s := &Source{
		index:     make(map[string]int),
		applied:   make(map[string]int),
		closed:    make(map[string]bool),
		applyErrs: make(map[string][]error),
	}
	s.Add(items...)
	return s
}

// Demo creates a Source with n generated postings.
func Demo(n int) *Source {
	titles := []string{"Software Engineer", "Backend Developer", "Data Engineer", "Platform Engineer", "Python Developer"}
	orgs := []string{"Acme", "Globex", "Initech", "Umbrella", "Hooli"}
	items := make([]apply.WorkItem, n)
	for i := range items {
		items[i] = apply.WorkItem{
			ID:           fmt.Sprintf("demo-%04d", i+1),
			Title:        titles[i%len(titles)],
			Organization: orgs[i%len(orgs)],
			Metadata: map[string]string{
				"location":    "Remote",
				"match_score": strconv.Itoa(60 + (i*7)%40),
			},
		}
	}
	return New(items...)
}

// Add appends items, ignoring duplicates.
func (s *Source) Add(items ...apply.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if _, ok := s.index[item.ID]; ok {
			continue
		}
		s.index[item.ID] = len(s.items)
		s.items = append(s.items, item)
	}
}

// RequireCredentials makes Authenticate reject anything but creds.
func (s *Source) RequireCredentials(creds apply.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
}

// ClosePosting makes applications to id fail validation.
func (s *Source) ClosePosting(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[id] = true
}

// FailAuth queues errors returned by the next Authenticate calls.
func (s *Source) FailAuth(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErrs = append(s.authErrs, errs...)
}

// FailFetch queues errors returned by the next FetchWorkItems calls.
func (s *Source) FailFetch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, errs...)
}

// FailApply queues errors returned by the next Apply calls for id.
func (s *Source) FailApply(id string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyErrs[id] = append(s.applyErrs[id], errs...)
}

// SetLatency delays every call by d.
func (s *Source) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetDown toggles the Health result.
func (s *Source) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Authenticate issues a session token.
func (s *Source) Authenticate(ctx context.Context, creds apply.Credentials) (apply.Session, error) {
	if err := s.delay(ctx); err != nil {
		return apply.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pop(&s.authErrs); err != nil {
		return apply.Session{}, err
	}
	if s.creds != nil && *s.creds != creds {
		return apply.Session{}, fmt.Errorf("invalid credentials: %w", apply.ErrAuth)
	}
	s.sessions++
	return apply.Session{Token: fmt.Sprintf("session-%d", s.sessions)}, nil
}

// FetchWorkItems returns up to limit postings that have not been applied to.
func (s *Source) FetchWorkItems(ctx context.Context, session apply.Session, limit int) ([]apply.WorkItem, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if session.Token == "" {
		return nil, fmt.Errorf("missing session: %w", apply.ErrAuth)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pop(&s.fetchErrs); err != nil {
		return nil, err
	}
	out := make([]apply.WorkItem, 0, limit)
	for _, item := range s.items {
		if s.applied[item.ID] > 0 || s.closed[item.ID] {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Apply records an application for id.
func (s *Source) Apply(ctx context.Context, session apply.Session, id string) (apply.ApplyStatus, error) {
	if err := s.delay(ctx); err != nil {
		return "", err
	}
	if session.Token == "" {
		return "", fmt.Errorf("missing session: %w", apply.ErrAuth)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.applyErrs[id]; len(errs) > 0 {
		s.applyErrs[id] = errs[1:]
		return "", errs[0]
	}
	if _, ok := s.index[id]; !ok {
		return "", fmt.Errorf("job %s not found: %w", id, apply.ErrValidation)
	}
	if s.closed[id] {
		return apply.ApplyValidationError, nil
	}
	s.applied[id]++
	if s.applied[id] > 1 {
		return apply.ApplyAlreadyApplied, nil
	}
	return apply.ApplySuccess, nil
}

// Health reports the toggled state.
func (s *Source) Health(context.Context) apply.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return apply.HealthStatus{Up: false, Detail: "source marked down"}
	}
	return apply.HealthStatus{Up: true, Detail: fmt.Sprintf("%d postings", len(s.items))}
}

// Applications returns how many times id was applied to.
func (s *Source) Applications(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[id]
}

// TotalApplications sums applications over all postings.
func (s *Source) TotalApplications() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.applied {
		n += c
	}
	return n
}

func (s *Source) delay(ctx context.Context) error {
	s.mu.RLock()
	d := s.latency
	s.mu.RUnlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("memory source: %w: %w", apply.ErrTransport, ctx.Err())
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
