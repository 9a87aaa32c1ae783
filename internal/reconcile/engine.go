package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/senseyeio/duration"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/domain/coding"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
	"github.com/drfirst/go-pathsync/pkg/ledger"
)

// Config bounds one patient's reconciliation.
type Config struct {
	// MetaPathway is enacted for a patient without enactments
	MetaPathway string
	// MaxIterations bounds task dispatches per enactment per run
	MaxIterations int
	// MaxSubPathwayDepth bounds nested automatic actions
	MaxSubPathwayDepth int
	// PatientTimeout bounds one patient's run. Zero disables it.
	PatientTimeout time.Duration
	// DayWindow is the bucket width of the abstracted diarrhea rules
	DayWindow duration.Duration
	// PathwayCacheTTL and PathwayCacheSize size the pathway lookup cache
	PathwayCacheTTL  time.Duration
	PathwayCacheSize int
}

// DefaultConfig returns defaults for a single reconciler replica
func DefaultConfig() Config {
	return Config{
		MetaPathway:        "project_ph_meta_guideline",
		MaxIterations:      200,
		MaxSubPathwayDepth: 4,
		PatientTimeout:     2 * time.Minute,
		DayWindow:          duration.Duration{D: 1},
		PathwayCacheTTL:    5 * time.Minute,
		PathwayCacheSize:   64,
	}
}

// Deps are the collaborators of an Engine. Repository and Engine are required.
type Deps struct {
	Repository Repository
	Engine     DecisionEngine
	Conflicts  ConflictChecker
	Translator *coding.Translator
	Ledger     ledger.Ledger
	Lease      Lease
	Publisher  reconciliation.Publisher
	Metrics    *metrics.Metrics
	// Now is the rule clock. Defaults to time.Now.
	Now func() time.Time
}

var (
	// ErrPathwayNotFound is returned when the decision engine has no pathway with the requested name.
	ErrPathwayNotFound = errors.New("pathway not found")
	// ErrIterationLimit is returned when an enactment keeps producing tasks past MaxIterations.
	ErrIterationLimit = errors.New("iteration limit reached")
	// ErrLeaseHeld is returned when another holder owns the patient's lease. The patient must be retried.
	ErrLeaseHeld = errors.New("patient lease held elsewhere")
)

// Engine reconciles patients against the decision engine and the clinical repository.
type Engine struct {
	cfg        Config
	repo       Repository
	de         DecisionEngine
	conflicts  ConflictChecker
	translator *coding.Translator
	ledger     ledger.Ledger
	lease      Lease
	publisher  reconciliation.Publisher
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer

	pathways *expirable.LRU[string, bool]
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("decision engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.MetaPathway == "" {
		cfg.MetaPathway = def.MetaPathway
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxSubPathwayDepth <= 0 {
		cfg.MaxSubPathwayDepth = def.MaxSubPathwayDepth
	}
	if cfg.DayWindow == (duration.Duration{}) {
		cfg.DayWindow = def.DayWindow
	}
	if cfg.PathwayCacheTTL <= 0 {
		cfg.PathwayCacheTTL = def.PathwayCacheTTL
	}
	if cfg.PathwayCacheSize <= 0 {
		cfg.PathwayCacheSize = def.PathwayCacheSize
	}

	if deps.Conflicts == nil {
		deps.Conflicts = noConflicts{}
	}
	if deps.Translator == nil {
		deps.Translator = coding.NewTranslator(nil)
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory(ledger.DefaultConfig())
	}
	if deps.Lease == nil {
		deps.Lease = NewMemoryLease(cfg.PatientTimeout)
	}
	if deps.Publisher == nil {
		deps.Publisher = reconciliation.LogPublisher{Logger: logger}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Engine{
		cfg:        cfg,
		repo:       deps.Repository,
		de:         deps.Engine,
		conflicts:  deps.Conflicts,
		translator: deps.Translator,
		ledger:     deps.Ledger,
		lease:      deps.Lease,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		now:        deps.Now,
		logger:     logger,
		tracer:     otel.Tracer("reconcile"),
		pathways:   expirable.NewLRU[string, bool](cfg.PathwayCacheSize, nil, cfg.PathwayCacheTTL),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// pathwayExists looks the pathway up by name. The engine filters by name; deleted pathways do not count.
// Only hits are cached.
func (e *Engine) pathwayExists(ctx context.Context, name string) (bool, error) {
	if ok, cached := e.pathways.Get(name); cached {
		return ok, nil
	}
	found, err := e.de.PathwaysByName(ctx, name)
	if err != nil {
		return false, err
	}
	for _, p := range found {
		if !bool(p.Deleted) {
			e.pathways.Add(name, true)
			return true, nil
		}
	}
	return false, nil
}

type noConflicts struct{}

func (noConflicts) Ping(context.Context, string) (bool, error) { return false, nil }
