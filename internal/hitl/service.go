package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
	"github.com/BakeDesk/OrderPilot/internal/util"
)

// Escalation reasons recorded on cases. Free-form reasons are allowed; these
// cover the paths the flow engine takes.
const (
	ReasonAuthorizationFailed = "authorization_failed"
	ReasonCommitUncertain     = "commit_outcome_uncertain"
	ReasonCustomerRequest     = "customer_requested_agent"
	ReasonPolicyDenied        = "policy_denied"
	ReasonStuckConversation   = "stuck_conversation"
)

// Summarizer produces the best-effort incident summary attached to a case
// when its grace period expires. Satisfied by genai.Client.
type Summarizer interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NotifyFunc delivers an ops-channel alert for a case whose grace period
// expired without resolution.
type NotifyFunc func(ctx context.Context, c models.HitlCase) error

// EscalateRequest carries everything needed to open a case.
type EscalateRequest struct {
	ConversationID string
	BranchID       string
	Reason         string
	Priority       models.HitlPriority
	// Context is a short description of what the conversation was doing,
	// used as input for the incident summary. Not persisted verbatim.
	Context string
	// GraceDelay bounds how long the case may sit unresolved before ops is
	// alerted. Zero disables the timer.
	GraceDelay time.Duration
}

// Service owns the escalation case lifecycle.
type Service struct {
	store      store.Store
	timer      *CaseTimer
	clock      Clock
	makeTimer  TimerConstructor
	summarizer Summarizer
	notify     NotifyFunc

	// mu serializes the read-modify-write done by Resolve and the grace
	// expiry handler, and guards the waiter registry.
	mu      sync.Mutex
	waiters map[string][]chan models.Resolution
}

// Option configures the Service.
type Option func(*Service)

// WithSummarizer sets the incident summarizer. Without one, cases get a
// static summary.
func WithSummarizer(s Summarizer) Option {
	return func(svc *Service) { svc.summarizer = s }
}

// WithNotify sets the ops-channel alert callback.
func WithNotify(fn NotifyFunc) Option {
	return func(svc *Service) { svc.notify = fn }
}

// WithClock overrides the service's time source. Used by tests.
func WithClock(c Clock) Option {
	return func(svc *Service) {
		if c != nil {
			svc.clock = c
		}
	}
}

// WithTimerFactory overrides how grace timers are built, letting tests fire
// them on demand instead of sleeping.
func WithTimerFactory(tc TimerConstructor) Option {
	return func(svc *Service) {
		if tc != nil {
			svc.makeTimer = tc
		}
	}
}

// NewService creates the escalation service backed by the given store.
func NewService(st store.Store, opts ...Option) *Service {
	svc := &Service{
		store:     st,
		clock:     time.Now,
		makeTimer: NewSystemTimer,
		waiters:   make(map[string][]chan models.Resolution),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.timer = NewCaseTimer(WithTimerClock(svc.clock), WithTimerConstructor(svc.makeTimer))
	return svc
}

// Escalate opens a PENDING case, persists it, and arms the grace timer when
// the request carries a positive delay.
func (s *Service) Escalate(req EscalateRequest) (*models.HitlCase, error) {
	if req.Reason == "" {
		return nil, errors.New("escalation requires a reason")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.HitlPriorityNormal
	}

	now := s.clock().UTC()
	c := models.HitlCase{
		CaseID:         util.GenerateCaseID(),
		ConversationID: req.ConversationID,
		BranchID:       req.BranchID,
		Priority:       priority,
		Status:         models.HitlStatusPending,
		Reason:         req.Reason,
		CreatedAt:      now,
	}
	if req.GraceDelay > 0 {
		deadline := now.Add(req.GraceDelay)
		c.TimerArmed = true
		c.GraceExpiresAt = &deadline
	}

	if err := s.store.SaveHitlCase(c); err != nil {
		slog.Error("HitlService.Escalate: failed to persist case",
			"error", err, "conversationID", req.ConversationID, "reason", req.Reason)
		return nil, fmt.Errorf("failed to save escalation case: %w", err)
	}

	if c.TimerArmed {
		caseID, contextText := c.CaseID, req.Context
		s.timer.Arm(caseID, req.GraceDelay, func() {
			s.onGraceExpired(caseID, contextText)
		})
	}

	slog.Info("HitlService.Escalate: case opened",
		"caseID", c.CaseID, "conversationID", c.ConversationID,
		"reason", c.Reason, "priority", c.Priority, "graceDelay", req.GraceDelay)
	return &c, nil
}

// Resolve marks a case resolved exactly once. The second and later calls for
// the same case return the already-resolved record with resolved=false and do
// not notify anyone again.
func (s *Service) Resolve(caseID, resolvedBy, instruction string) (*models.HitlCase, bool, error) {
	if resolvedBy == "" {
		return nil, false, errors.New("resolution requires resolvedBy")
	}

	s.mu.Lock()
	c, err := s.store.GetHitlCase(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("failed to load case %s: %w", caseID, err)
	}
	if c == nil {
		s.mu.Unlock()
		return nil, false, models.ErrCaseNotFound
	}
	if c.Status == models.HitlStatusResolved {
		s.mu.Unlock()
		slog.Debug("HitlService.Resolve: case already resolved", "caseID", caseID)
		return c, false, nil
	}

	now := s.clock().UTC()
	c.Status = models.HitlStatusResolved
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.Instruction = instruction
	c.TimerArmed = false
	c.GraceExpiresAt = nil
	if err := s.store.SaveHitlCase(*c); err != nil {
		s.mu.Unlock()
		slog.Error("HitlService.Resolve: failed to persist resolution", "error", err, "caseID", caseID)
		return nil, false, fmt.Errorf("failed to save resolution for case %s: %w", caseID, err)
	}

	s.timer.Cancel(caseID)
	waiters := s.waiters[caseID]
	delete(s.waiters, caseID)
	s.mu.Unlock()

	res := models.Resolution{
		CaseID:      caseID,
		ResolvedBy:  resolvedBy,
		Instruction: instruction,
		ResolvedAt:  now,
	}
	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}

	slog.Info("HitlService.Resolve: case resolved",
		"caseID", caseID, "resolvedBy", resolvedBy, "waitersNotified", len(waiters))
	return c, true, nil
}

// Get returns a case by ID, or nil when it does not exist.
func (s *Service) Get(caseID string) (*models.HitlCase, error) {
	return s.store.GetHitlCase(caseID)
}

// List returns cases filtered by status; an empty status returns all.
func (s *Service) List(status models.HitlStatus) ([]models.HitlCase, error) {
	return s.store.ListHitlCases(status)
}

// AwaitResolution returns a channel that receives the case's resolution and a
// cancel function that deregisters the waiter. A case that already resolved
// delivers immediately.
func (s *Service) AwaitResolution(caseID string) (<-chan models.Resolution, func(), error) {
	ch := make(chan models.Resolution, 1)

	s.mu.Lock()
	c, err := s.store.GetHitlCase(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to load case %s: %w", caseID, err)
	}
	if c == nil {
		s.mu.Unlock()
		return nil, nil, models.ErrCaseNotFound
	}
	if c.Status == models.HitlStatusResolved {
		s.mu.Unlock()
		resolvedAt := time.Time{}
		if c.ResolvedAt != nil {
			resolvedAt = *c.ResolvedAt
		}
		ch <- models.Resolution{
			CaseID:      c.CaseID,
			ResolvedBy:  c.ResolvedBy,
			Instruction: c.Instruction,
			ResolvedAt:  resolvedAt,
		}
		return ch, func() {}, nil
	}

	s.waiters[caseID] = append(s.waiters[caseID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.waiters[caseID]
		for i, w := range list {
			if w == ch {
				s.waiters[caseID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.waiters[caseID]) == 0 {
			delete(s.waiters, caseID)
		}
	}
	return ch, cancel, nil
}

// RearmPendingTimers re-arms grace timers for PENDING cases after a restart,
// using each case's persisted deadline. Cases whose deadline already passed
// fire immediately. Returns how many timers were armed or fired.
func (s *Service) RearmPendingTimers() (int, error) {
	cases, err := s.store.ListHitlCases(models.HitlStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending cases: %w", err)
	}

	count := 0
	for _, c := range cases {
		if !c.TimerArmed {
			continue
		}
		remaining := time.Duration(0)
		if c.GraceExpiresAt != nil {
			remaining = c.GraceExpiresAt.Sub(s.clock())
		}
		caseID := c.CaseID
		s.timer.Arm(caseID, remaining, func() {
			s.onGraceExpired(caseID, "")
		})
		count++
	}
	if count > 0 {
		slog.Info("HitlService.RearmPendingTimers: grace timers restored", "count", count)
	}
	return count, nil
}

// Stop cancels all armed timers. Used at shutdown.
func (s *Service) Stop() {
	s.timer.Stop()
}

// onGraceExpired runs when a case's grace period elapses without resolution.
// The case is re-checked around the slow summary call so a resolution that
// lands mid-summary wins.
func (s *Service) onGraceExpired(caseID, contextText string) {
	s.mu.Lock()
	c, err := s.store.GetHitlCase(caseID)
	if err != nil {
		s.mu.Unlock()
		slog.Error("HitlService.onGraceExpired: failed to load case", "error", err, "caseID", caseID)
		return
	}
	if c == nil || c.Status != models.HitlStatusPending {
		s.mu.Unlock()
		slog.Debug("HitlService.onGraceExpired: case no longer pending", "caseID", caseID)
		return
	}
	snapshot := *c
	s.mu.Unlock()

	summary := s.summarize(context.Background(), snapshot, contextText)

	s.mu.Lock()
	c, err = s.store.GetHitlCase(caseID)
	if err != nil || c == nil || c.Status != models.HitlStatusPending {
		s.mu.Unlock()
		slog.Debug("HitlService.onGraceExpired: case resolved during summary", "caseID", caseID)
		return
	}
	c.Summary = summary
	c.TimerArmed = false
	c.GraceExpiresAt = nil
	if err := s.store.SaveHitlCase(*c); err != nil {
		slog.Error("HitlService.onGraceExpired: failed to persist summary", "error", err, "caseID", caseID)
	}
	alert := *c
	s.mu.Unlock()

	slog.Warn("HitlService.onGraceExpired: grace period elapsed without resolution",
		"caseID", caseID, "conversationID", alert.ConversationID, "reason", alert.Reason)

	if s.notify != nil {
		if err := s.notify(context.Background(), alert); err != nil {
			slog.Error("HitlService.onGraceExpired: ops notification failed", "error", err, "caseID", caseID)
		}
	}
}

// summarize produces the incident summary, falling back to a static line when
// no summarizer is configured or the call fails.
func (s *Service) summarize(ctx context.Context, c models.HitlCase, contextText string) string {
	fallback := fmt.Sprintf("Case %s pending since %s. Reason: %s. Conversation %s needs staff attention.",
		c.CaseID, c.CreatedAt.Format(time.RFC3339), c.Reason, c.ConversationID)
	if s.summarizer == nil {
		return fallback
	}

	systemPrompt := "You write one-paragraph incident summaries for a bakery operations channel. " +
		"Be factual and brief. State what the customer was trying to do, why the bot escalated, " +
		"and what a staff member should do next. Do not invent details."
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation reason: %s\n", c.Reason)
	fmt.Fprintf(&b, "Conversation: %s\n", c.ConversationID)
	if c.BranchID != "" {
		fmt.Fprintf(&b, "Branch: %s\n", c.BranchID)
	}
	fmt.Fprintf(&b, "Opened at: %s\n", c.CreatedAt.Format(time.RFC3339))
	if contextText != "" {
		fmt.Fprintf(&b, "Conversation context: %s\n", contextText)
	}

	out, err := s.summarizer.GeneratePrompt(ctx, systemPrompt, b.String())
	if err != nil || out == "" {
		slog.Warn("HitlService.summarize: summary generation failed, using fallback",
			"error", err, "caseID", c.CaseID)
		return fallback
	}
	return out
}
