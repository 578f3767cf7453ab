package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache-engine/types"
)

const (
	defaultChangeThreshold = 100
	defaultViewTTL         = types.Duration(time.Hour)
	jobTimeout             = 10 * time.Minute
	staleSweepInterval     = 30 * time.Second
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Scheduler recomputes registered aggregate views on a cron schedule, when
// the router reports enough upstream changes, or when a view sits past its
// staleness threshold. Descriptors arrive at startup or via Reload and are
// only ever disabled, never removed.
type Scheduler struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    types.Logger
	metrics   types.MetricsManager
	monitor   types.HealthMonitor
	store     types.CacheStore
	graph     types.GraphManager
	namespace types.KeyNamespace
	cron      *cron.Cron
	views     map[string]*viewState
	mu        sync.RWMutex
	state     atomic.Value
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

type viewState struct {
	descriptor types.RefreshDescriptor
	compute    types.ViewComputeFunc
	entryID    cron.EntryID
	running    int32
	recheck    int32
	changes    int64
	statsMu    sync.Mutex
	stats      types.ViewStats
}

func NewScheduler(ctx context.Context, descriptors []types.RefreshDescriptor, deps Dependencies) (*Scheduler, error) {
	schedulerCtx, cancel := context.WithCancel(ctx)

	cronL := cronLogger{logger: deps.Logger}
	s := &Scheduler{
		ctx:       schedulerCtx,
		cancel:    cancel,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		monitor:   deps.Monitor,
		store:     deps.Store,
		graph:     deps.Graph,
		namespace: deps.Namespace,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronL)),
		),
		views:    make(map[string]*viewState),
		shutdown: make(chan struct{}),
	}
	s.state.Store(StateStopped)

	for _, descriptor := range descriptors {
		if err := s.addDescriptor(descriptor); err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

type Dependencies struct {
	Logger    types.Logger
	Metrics   types.MetricsManager
	Monitor   types.HealthMonitor
	Store     types.CacheStore
	Graph     types.GraphManager
	Namespace types.KeyNamespace
}

func normalizeDescriptor(descriptor types.RefreshDescriptor) types.RefreshDescriptor {
	if descriptor.TenantScope == "" {
		descriptor.TenantScope = types.ScopeGlobal
	}
	if descriptor.ChangeThreshold <= 0 {
		descriptor.ChangeThreshold = defaultChangeThreshold
	}
	if descriptor.TTL <= 0 {
		descriptor.TTL = defaultViewTTL
	}
	if descriptor.Namespace == "" {
		descriptor.Namespace = "views"
	}
	return descriptor
}

func (s *Scheduler) addDescriptor(descriptor types.RefreshDescriptor) error {
	if descriptor.Name == "" {
		return types.ErrViewNameEmpty
	}
	descriptor = normalizeDescriptor(descriptor)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.views[descriptor.Name]; exists {
		return types.Errorf(types.ErrViewExists, "view: %s", descriptor.Name)
	}

	s.views[descriptor.Name] = &viewState{
		descriptor: descriptor,
		stats:      types.ViewStats{Name: descriptor.Name},
	}

	return nil
}

// Reload applies a new descriptor set. Existing views are updated in place
// (rescheduling when the cron spec or disabled flag changed), new views are
// added and wait for RegisterView, and views absent from the new set are
// disabled. Nothing is ever removed at runtime.
func (s *Scheduler) Reload(descriptors []types.RefreshDescriptor) error {
	seen := make(map[string]bool, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Name == "" {
			return types.ErrViewNameEmpty
		}
		seen[descriptor.Name] = true
		if err := s.applyDescriptor(descriptor); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, view := range s.views {
		if seen[name] || view.descriptor.Disabled {
			continue
		}
		view.descriptor.Disabled = true
		s.unscheduleLocked(view)
		s.logger.Info("View disabled", zap.String("view", name))
	}

	return nil
}

func (s *Scheduler) applyDescriptor(descriptor types.RefreshDescriptor) error {
	descriptor = normalizeDescriptor(descriptor)

	s.mu.Lock()
	defer s.mu.Unlock()

	view, exists := s.views[descriptor.Name]
	if !exists {
		s.views[descriptor.Name] = &viewState{
			descriptor: descriptor,
			stats:      types.ViewStats{Name: descriptor.Name},
		}
		return nil
	}

	previous := view.descriptor
	view.descriptor = descriptor

	if view.compute != nil &&
		(previous.Schedule != descriptor.Schedule || previous.Disabled != descriptor.Disabled) {
		s.unscheduleLocked(view)
		if err := s.scheduleLocked(view); err != nil {
			return err
		}
	}

	return nil
}

// scheduleLocked installs the cron entry for a view whose compute function is
// bound. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(view *viewState) error {
	descriptor := view.descriptor
	if descriptor.Schedule == "" || descriptor.Disabled {
		return nil
	}

	name := descriptor.Name
	entryID, err := s.cron.AddFunc(descriptor.Schedule, func() {
		if err := s.refresh(name); err != nil && !types.IsError(err, types.ErrRefreshInProgress) {
			s.logger.Error("scheduled refresh failed",
				zap.String("view", name), zap.Error(err))
		}
	})
	if err != nil {
		return types.Errorf(types.ErrScheduleInvalid, "view %s: %v", name, err)
	}
	view.entryID = entryID

	return nil
}

func (s *Scheduler) unscheduleLocked(view *viewState) {
	if view.entryID != 0 {
		s.cron.Remove(view.entryID)
		view.entryID = 0
	}
}

// RegisterView binds the compute function to a configured descriptor and, if
// the descriptor carries a schedule, installs the cron entry.
func (s *Scheduler) RegisterView(name string, compute types.ViewComputeFunc) error {
	if compute == nil {
		return types.ErrViewComputeIsNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	view, exists := s.views[name]
	if !exists {
		return types.Errorf(types.ErrViewNotFound, "view: %s", name)
	}

	view.compute = compute

	if err := s.scheduleLocked(view); err != nil {
		return err
	}

	s.logger.Info("View registered",
		zap.String("view", name),
		zap.String("schedule", view.descriptor.Schedule),
		zap.String("scope", view.descriptor.TenantScope))

	return nil
}

// NoteChange accumulates upstream row changes; crossing the threshold
// triggers an eager refresh.
func (s *Scheduler) NoteChange(view string, rows int) {
	s.mu.RLock()
	state, exists := s.views[view]
	var threshold int
	if exists {
		threshold = state.descriptor.ChangeThreshold
	}
	s.mu.RUnlock()
	if !exists || rows <= 0 {
		return
	}

	total := atomic.AddInt64(&state.changes, int64(rows))
	if total >= int64(threshold) {
		go func() {
			if err := s.refresh(view); err != nil && !types.IsError(err, types.ErrRefreshInProgress) {
				s.logger.Error("change-triggered refresh failed",
					zap.String("view", view), zap.Error(err))
			}
		}()
	}
}

func (s *Scheduler) TriggerRefresh(view string) error {
	return s.refresh(view)
}

func (s *Scheduler) ViewStats(view string) (types.ViewStats, bool) {
	s.mu.RLock()
	state, exists := s.views[view]
	s.mu.RUnlock()
	if !exists {
		return types.ViewStats{}, false
	}

	state.statsMu.Lock()
	defer state.statsMu.Unlock()

	stats := state.stats
	stats.PendingChanges = atomic.LoadInt64(&state.changes)
	return stats, true
}

// refresh recomputes one view. At most one refresh runs per view; a trigger
// arriving mid-refresh coalesces into a single recheck once the current run
// finishes.
func (s *Scheduler) refresh(name string) error {
	select {
	case <-s.shutdown:
		return types.ErrSchedulerStopped
	default:
	}

	s.mu.RLock()
	view, exists := s.views[name]
	var descriptor types.RefreshDescriptor
	var compute types.ViewComputeFunc
	if exists {
		descriptor = view.descriptor
		compute = view.compute
	}
	s.mu.RUnlock()
	if !exists {
		return types.Errorf(types.ErrViewNotFound, "view: %s", name)
	}
	if descriptor.Disabled {
		return types.ErrViewDisabled
	}
	if compute == nil {
		return types.ErrViewComputeIsNil
	}

	if !atomic.CompareAndSwapInt32(&view.running, 0, 1) {
		atomic.StoreInt32(&view.recheck, 1)
		view.statsMu.Lock()
		view.stats.CoalescedCount++
		view.statsMu.Unlock()
		return types.ErrRefreshInProgress
	}

	defer func() {
		atomic.StoreInt32(&view.running, 0)
		if atomic.CompareAndSwapInt32(&view.recheck, 1, 0) {
			go func() {
				if err := s.refresh(name); err != nil && !types.IsError(err, types.ErrRefreshInProgress) {
					s.logger.Error("coalesced recheck failed",
						zap.String("view", name), zap.Error(err))
				}
			}()
		}
	}()

	start := time.Now()
	atomic.StoreInt64(&view.changes, 0)

	refreshCtx, cancelRefresh := context.WithTimeout(s.ctx, jobTimeout)
	defer cancelRefresh()

	var refreshErr error
	for _, tenantID := range s.scopeTenants(descriptor) {
		if err := s.refreshTenant(refreshCtx, descriptor, compute, tenantID); err != nil {
			refreshErr = err
		}
	}

	duration := time.Since(start)

	view.statsMu.Lock()
	view.stats.LastRefresh = time.Now()
	view.stats.LastDuration = duration
	view.stats.RefreshCount++
	if refreshErr != nil {
		view.stats.FailureCount++
		view.stats.LastError = refreshErr.Error()
	} else {
		view.stats.LastError = ""
	}
	view.statsMu.Unlock()

	s.observeRefresh(name, duration, refreshErr)

	if refreshErr != nil {
		// The previous cached aggregate stays in place; stale beats absent.
		return types.WrapError(refreshErr, "view refresh failed")
	}

	s.logger.Info("View refreshed",
		zap.String("view", name),
		zap.Duration("duration", duration))

	return nil
}

func (s *Scheduler) refreshTenant(ctx context.Context, descriptor types.RefreshDescriptor, compute types.ViewComputeFunc, tenantID string) error {
	value, err := compute(ctx, tenantID)
	if err != nil {
		s.logger.Error("view compute failed",
			zap.String("view", descriptor.Name),
			zap.String("tenant", tenantID),
			zap.Error(err))
		return err
	}

	key, err := s.viewKey(descriptor, tenantID)
	if err != nil {
		return err
	}

	if err := s.store.Set(ctx, key, value, descriptor.TTL.Std()); err != nil {
		return types.WrapError(err, "failed to store refreshed view")
	}

	if s.graph != nil && len(descriptor.Tags) > 0 {
		if err := s.graph.RegisterDependency(ctx, key, nil, descriptor.Tags); err != nil {
			s.logger.Warn("failed to tag refreshed view",
				zap.String("key", key), zap.Error(err))
		}
	}

	return nil
}

func (s *Scheduler) scopeTenants(descriptor types.RefreshDescriptor) []string {
	if descriptor.TenantScope == types.ScopePerTenant && len(descriptor.Tenants) > 0 {
		return descriptor.Tenants
	}
	return []string{"global"}
}

func (s *Scheduler) viewKey(descriptor types.RefreshDescriptor, tenantID string) (string, error) {
	return s.namespace.BuildKey(tenantID, descriptor.Namespace, descriptor.Name)
}

// staleSweeper refreshes views that sat past their staleness threshold,
// independent of cron schedules and change counters.
func (s *Scheduler) staleSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, name := range s.staleViews() {
				if err := s.refresh(name); err != nil && !types.IsError(err, types.ErrRefreshInProgress) {
					s.logger.Error("staleness refresh failed",
						zap.String("view", name), zap.Error(err))
				}
			}
		}
	}
}

// staleViews returns views past their staleness threshold, the ones with
// warm cache keys first so hot readers see fresh data soonest.
func (s *Scheduler) staleViews() []string {
	now := time.Now()

	type candidate struct {
		name string
		warm bool
	}

	s.mu.RLock()
	stale := make([]*viewState, 0)
	for _, view := range s.views {
		d := view.descriptor
		if d.StalenessThreshold <= 0 || d.Disabled || view.compute == nil {
			continue
		}
		view.statsMu.Lock()
		last := view.stats.LastRefresh
		view.statsMu.Unlock()
		if now.Sub(last) >= d.StalenessThreshold.Std() {
			stale = append(stale, view)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}

	var warmKeys map[string]bool
	if s.monitor != nil && len(stale) > 1 {
		candidates := s.monitor.WarmCandidates(64)
		warmKeys = make(map[string]bool, len(candidates))
		for _, key := range candidates {
			warmKeys[key] = true
		}
	}

	ordered := make([]candidate, 0, len(stale))
	for _, view := range stale {
		ordered = append(ordered, candidate{
			name: view.descriptor.Name,
			warm: s.viewIsWarm(view.descriptor, warmKeys),
		})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].warm && !ordered[j].warm
	})

	names := make([]string, 0, len(ordered))
	for _, c := range ordered {
		names = append(names, c.name)
	}
	return names
}

func (s *Scheduler) viewIsWarm(descriptor types.RefreshDescriptor, warmKeys map[string]bool) bool {
	if len(warmKeys) == 0 {
		return false
	}
	for _, tenantID := range s.scopeTenants(descriptor) {
		if key, err := s.viewKey(descriptor, tenantID); err == nil && warmKeys[key] {
			return true
		}
	}
	return false
}

func (s *Scheduler) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrSchedulerIsRunning
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.staleSweeper()

	s.state.CompareAndSwap(StateStarting, StateRunning)

	s.logger.Info("Refresh scheduler started", zap.Int("views", len(s.views)))

	return nil
}

func (s *Scheduler) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) &&
		!s.state.CompareAndSwap(StateStarting, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.state.Store(StateStopped)
		s.cancel()
	}()

	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
			return nil
		case <-gCtx.Done():
			return types.ErrComponentStopFailed
		}
	})
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return types.ErrComponentStopFailed
		}
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("Refresh scheduler stop timeout, active refreshes may still be running")
		return err
	}

	s.logger.Info("Refresh scheduler stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *Scheduler) observeRefresh(view string, duration time.Duration, err error) {
	if s.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	s.metrics.Counter("refresh_executions_total", map[string]string{
		"view":   view,
		"result": result,
	}).Inc()
	s.metrics.Histogram("refresh_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 10.0, 60.0},
		map[string]string{"view": view},
	).Observe(duration.Seconds())
}

type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	l.logger.Debug(msg, fields...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	fields = append(fields, zap.Error(err))
	l.logger.Error(msg, fields...)
}
