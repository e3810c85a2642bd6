// Package balance recommends and executes workload-driven reassignments.
//
// Reads go through Store. Lookup failures while computing workload degrade
// to a zero snapshot instead of failing the caller. Writes are guarded by
// the store's version check and, within one process, by a claim map so
// concurrent rebalance passes never move the same item.
package balance

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/logging"
	"taskpulse/internal/metrics"
	"taskpulse/internal/repo"
	"taskpulse/internal/workload"
)

// Store is the data access the balancer needs.
type Store interface {
	GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error)
	GetPerson(ctx context.Context, id string) (domain.Person, error)
	ListPeople(ctx context.Context, f repo.PeopleFilter) ([]domain.Person, error)
	ListActiveWorkItems(ctx context.Context, assigneeID, iterationID string) ([]domain.WorkItem, error)
	ListAssigneeIDs(ctx context.Context, projectID, iterationID string) ([]string, error)
	ReassignWorkItem(ctx context.Context, ra repo.Reassignment) (domain.WorkItem, error)
}

var _ Store = repo.Repo{}

// Settings holds every tunable of the recommender and rebalancer.
type Settings struct {
	Workload workload.Settings
	Weights  workload.Weights
	// CandidateThreshold excludes recommender candidates at or above it.
	CandidateThreshold int
	// IdleThreshold is the rebalancer's underutilized bound. It is kept
	// separate from CandidateThreshold on purpose.
	IdleThreshold     int
	MinSkillRatio     float64
	MaxParallel       int
	ConfirmPriorities []string
}

func DefaultSettings() Settings {
	return Settings{
		Workload:           workload.DefaultSettings(),
		Weights:            workload.DefaultWeights(),
		CandidateThreshold: 60,
		IdleThreshold:      35,
		MinSkillRatio:      0.5,
		MaxParallel:        8,
		ConfirmPriorities:  []string{domain.PriorityHigh, domain.PriorityHighest},
	}
}

// SettingsFromConfig maps a project config onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		return DefaultSettings()
	}
	return Settings{
		Workload:           cfg.WorkloadSettings(),
		Weights:            cfg.Scoring.Weights,
		CandidateThreshold: cfg.Recommender.UnderloadThreshold,
		IdleThreshold:      cfg.Rebalancer.UnderloadThreshold,
		MinSkillRatio:      cfg.Rebalancer.MinSkillRatio,
		MaxParallel:        cfg.Rebalancer.MaxParallel,
		ConfirmPriorities:  append([]string(nil), cfg.Policies.ConfirmPriorities...),
	}
}

// Claims tracks work items a rebalance pass is currently writing. Share one
// Claims between services that may run concurrently.
type Claims struct {
	m *xsync.Map[string, struct{}]
}

func NewClaims() *Claims {
	return &Claims{m: xsync.NewMap[string, struct{}]()}
}

// TryClaim returns false when another pass holds the item.
func (c *Claims) TryClaim(itemID string) bool {
	_, loaded := c.m.LoadOrStore(itemID, struct{}{})
	return !loaded
}

func (c *Claims) Release(itemID string) {
	c.m.Delete(itemID)
}

type Service struct {
	store    Store
	settings Settings
	audit    events.Recorder
	logger   logging.Logger
	metrics  metrics.Collector
	claims   *Claims
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l logging.Logger) Option     { return func(s *Service) { s.logger = logging.OrNop(l) } }
func WithMetrics(m metrics.Collector) Option { return func(s *Service) { s.metrics = metrics.OrNop(m) } }
func WithAudit(r events.Recorder) Option     { return func(s *Service) { s.audit = r } }
func WithClaims(c *Claims) Option            { return func(s *Service) { s.claims = c } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

func New(store Store, settings Settings, opts ...Option) *Service {
	s := &Service{
		store:    store,
		settings: settings,
		audit:    events.Discard,
		logger:   logging.NewNop(),
		metrics:  metrics.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.claims == nil {
		s.claims = NewClaims()
	}
	if s.audit == nil {
		s.audit = events.Discard
	}
	return s
}

func (s *Service) Settings() Settings {
	return s.settings
}

// RequiresConfirmation reports whether items of this priority need an
// explicit confirm flag before ExecuteReassignment.
func (s *Service) RequiresConfirmation(priority string) bool {
	for _, p := range s.settings.ConfirmPriorities {
		if p == priority {
			return true
		}
	}
	return false
}

func (s *Service) ts() string {
	return s.now().UTC().Format(time.RFC3339)
}

// snapshot computes p's workload, degrading to zero when the items cannot
// be loaded.
func (s *Service) snapshot(ctx context.Context, p domain.Person, iterationID string) (workload.Snapshot, []domain.WorkItem) {
	items, err := s.store.ListActiveWorkItems(ctx, p.ID, iterationID)
	if err != nil {
		s.logger.Warn("workload lookup failed; using zero workload", "person_id", p.ID, "iteration_id", iterationID, "error", err)
		s.metrics.RecordDegradedSnapshot()
		return workload.Degraded(p, s.settings.Workload), nil
	}
	return workload.Calculate(p, items, s.settings.Workload), items
}

func (s *Service) record(ctx context.Context, e events.Entry) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn("audit entry not recorded", "type", e.Type, "entity_id", e.EntityID, "error", err)
		s.metrics.RecordAuditFailure()
	}
}
