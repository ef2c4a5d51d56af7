// Package requestmanager implements the adaptive, multi-source request
// manager for remote file reads described by the project specification:
// a single logical open file backed by up to two concurrently usable
// replicas, selected from a dynamic pool and rebalanced on measured
// per-source quality, with transparent failover on read error.
package requestmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

const maxInitialOpenAttempts = 5

// Manager is the request manager (spec §4.1–§4.7). The zero value is
// not usable; construct with New.
type Manager struct {
	params  xrdcore.OpenParams
	timeout time.Duration
	client  xrdcore.FileClient
	logger  *slog.Logger

	stats      xrdcore.StatsSender
	monitoring xrdcore.MonitoringSender

	mu                      sync.Mutex
	activeSources           []xrdcore.Source
	inactiveSources         map[string]xrdcore.Source
	disabledSources         map[string]xrdcore.Source
	disabledSourceStrings   map[string]struct{}
	lastSourceCheck         time.Time
	nextActiveSourceCheck   time.Time
	nextInitialSourceToggle bool

	openHandler *OpenHandler
}

// Option customizes Manager construction.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithStatsSender(s xrdcore.StatsSender) Option {
	return func(m *Manager) { m.stats = s }
}
func WithMonitoringSender(s xrdcore.MonitoringSender) Option {
	return func(m *Manager) { m.monitoring = s }
}
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// New performs the initial synchronous open (retried up to five
// times, per spec §4.1) and returns a Manager with exactly one active
// source, or a terminal *xrdcore.FileOpenError.
func New(ctx context.Context, params xrdcore.OpenParams, client xrdcore.FileClient, opts ...Option) (*Manager, error) {
	if client == nil {
		panic("requestmanager: FileClient is required")
	}

	m := &Manager{
		params:                params,
		client:                client,
		logger:                slog.Default(),
		stats:                 nil,
		monitoring:            xrdcore.NoOpMonitoring{},
		inactiveSources:       make(map[string]xrdcore.Source),
		disabledSources:       make(map[string]xrdcore.Source),
		disabledSourceStrings: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "requestmanager", "name", params.Name)
	m.timeout = resolveTimeout(m.timeout)
	m.openHandler = newOpenHandler(client, params, m.logger, m.handleOpen, m.triedOpaque)

	if err := m.initialOpen(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveTimeout applies the "StreamErrorWindow" environment override
// (spec §6), falling back to xrdcore.DefaultTimeout on anything
// unparsable or non-positive, matching the teacher's setDefaults
// idiom of never failing construction over a bad tunable.
func resolveTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if raw := os.Getenv("StreamErrorWindow"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return xrdcore.DefaultTimeout
}

func (m *Manager) initialOpen(ctx context.Context) error {
	for attempt := 0; attempt < maxInitialOpenAttempts; attempt++ {
		tried := m.triedOpaque()
		src, err := m.client.OpenSync(ctx, m.params, tried)
		if err == nil {
			now := time.Now()
			m.mu.Lock()
			m.activeSources = []xrdcore.Source{src}
			m.lastSourceCheck = now
			m.nextActiveSourceCheck = now.Add(xrdcore.ShortOpenDelay)
			m.mu.Unlock()
			m.sendMonitoringInfo(ctx, src)
			m.logger.Info("initial open succeeded", "source", src.ID(), "attempt", attempt+1)
			return nil
		}

		var openErr *xrdcore.FileClientOpenError
		props := xrdcore.ServerProps{}
		if errors.As(err, &openErr) {
			props = openErr.Props
		}
		m.logger.Warn("initial open attempt failed", "attempt", attempt+1, "error", err, "data_server", props.DataServer)

		if props.DataServer != "" {
			m.mu.Lock()
			_, alreadyDisabled := m.disabledSourceStrings[props.DataServer]
			if alreadyDisabled {
				m.mu.Unlock()
				return m.terminalOpenError(xrdcore.ErrNoDataServers, props, err)
			}
			m.disabledSourceStrings[props.DataServer] = struct{}{}
			m.mu.Unlock()
		}

		if props.LastURL != "" && props.LastURL == m.params.Name {
			return m.terminalOpenError(xrdcore.ErrNoRedirect, props, err)
		}
	}
	return m.terminalOpenError(xrdcore.ErrOpenFailedTerminal, xrdcore.ServerProps{Status: "retries exhausted"}, nil)
}

func (m *Manager) terminalOpenError(sentinel error, props xrdcore.ServerProps, cause error) *xrdcore.FileOpenError {
	active, disabled := m.sourceIDsLocked()
	status := props.Status
	if status == "" {
		status = sentinel.Error()
	}
	if cause == nil {
		cause = sentinel
	} else {
		cause = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return xrdcore.NewFileOpenError(m.params, status, props.Errno, props.Code, active, disabled, cause)
}

// sourceIDsLocked is safe to call without holding mu only during
// construction error paths, where no other goroutine can yet observe
// m. All other callers must hold mu.
func (m *Manager) sourceIDsLocked() (active, disabled []string) {
	for _, s := range m.activeSources {
		active = append(active, s.ID())
	}
	for id := range m.disabledSourceStrings {
		disabled = append(disabled, id)
	}
	sort.Strings(disabled)
	return active, disabled
}

func (m *Manager) sendMonitoringInfo(ctx context.Context, src xrdcore.Source) {
	if m.stats == nil {
		return
	}
	jobID := m.stats.JobID()
	if jobID == "" {
		return
	}
	lastURL := src.ID()
	if xrdcore.ContainsUUIDParam(lastURL) {
		return
	}
	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := m.monitoring.SendInfo(sendCtx, lastURL, jobID)

	event := xrdcore.NewMonitoringEvent(lastURL, jobID, start, time.Now())
	if err != nil {
		m.logger.Debug("monitoring SendInfo failed", append(event.LogAttrs(), "error", err)...)
		return
	}
	m.logger.Debug("monitoring SendInfo sent", event.LogAttrs()...)
}

// triedOpaque assembles the "tried=" query parameter per spec §6,
// using the three-pass order (active in positional order, then
// inactive sorted by ID, then disabled sorted by ID) SPEC_FULL resolves
// from original_source.
func (m *Manager) triedOpaque() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return buildTriedOpaque(m.params.Name, m.namesLocked())
}

func (m *Manager) namesLocked() []string {
	var names []string
	for _, s := range m.activeSources {
		names = append(names, xrdcore.ServerName(s.ID()))
	}
	var inactiveNames []string
	for id := range m.inactiveSources {
		inactiveNames = append(inactiveNames, xrdcore.ServerName(id))
	}
	sort.Strings(inactiveNames)
	names = append(names, inactiveNames...)

	// disabledSourceStrings, not disabledSources, is the ground truth for
	// this half: initial-open failures only ever have a DataServer name,
	// never a Source object, so disabledSources alone would omit them
	// from tried= (spec §6 scenario 4).
	var disabledNames []string
	for name := range m.disabledSourceStrings {
		disabledNames = append(disabledNames, name)
	}
	sort.Strings(disabledNames)
	names = append(names, disabledNames...)
	return names
}

// Handle dispatches req: a single active source for a single-range
// request, or a split across both active sources for a vector read.
// Spec §4.3–§4.4.
func (m *Manager) Handle(ctx context.Context, req *xrdcore.ClientRequest) (*xrdcore.Future[int64], error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now()
	m.checkSources(now, req.TotalBytes())

	if len(req.Chunks) > 1 {
		return m.dispatchVector(ctx, req)
	}
	return m.dispatchSingle(ctx, req)
}

func (m *Manager) dispatchSingle(ctx context.Context, req *xrdcore.ClientRequest) (*xrdcore.Future[int64], error) {
	m.mu.Lock()
	if len(m.activeSources) == 0 {
		m.mu.Unlock()
		return nil, errors.New("requestmanager: no active sources available (internal invariant violated)")
	}
	src := m.pickSingleSourceLocked()
	m.mu.Unlock()

	return m.dispatchToSource(ctx, src, req), nil
}

// dispatchVector splits req across both active sources; if the pool
// has only one active source (including after checkSources may have
// shrunk it), the whole request goes to that one source instead.
func (m *Manager) dispatchVector(ctx context.Context, req *xrdcore.ClientRequest) (*xrdcore.Future[int64], error) {
	m.mu.Lock()
	if len(m.activeSources) != 2 {
		if len(m.activeSources) == 0 {
			m.mu.Unlock()
			return nil, errors.New("requestmanager: no active sources available (internal invariant violated)")
		}
		src := m.activeSources[0]
		m.mu.Unlock()
		return m.dispatchToSource(ctx, src, req), nil
	}
	src0, src1 := m.activeSources[0], m.activeSources[1]
	m.mu.Unlock()

	req1, req2 := splitClientRequest(req, src0.Quality(), src1.Quality())
	m.logger.Debug("split vector read", "req_id", req.ID, "bytes1", req1.TotalBytes(), "bytes2", req2.TotalBytes())

	var f1, f2 *xrdcore.Future[int64]
	if len(req1.Chunks) > 0 {
		f1 = m.dispatchToSource(ctx, src0, req1)
	}
	if len(req2.Chunks) > 0 {
		f2 = m.dispatchToSource(ctx, src1, req2)
	}

	switch {
	case f1 != nil && f2 != nil:
		return xrdcore.SumFutures(f1, f2), nil
	case f1 != nil:
		return f1, nil
	case f2 != nil:
		return f2, nil
	default:
		return xrdcore.Resolved[int64](0, nil), nil
	}
}

// dispatchToSource submits req to src and returns a future that
// resolves to the final outcome, after transparently recovering from
// at most one failure via requestFailure.
func (m *Manager) dispatchToSource(ctx context.Context, src xrdcore.Source, req *xrdcore.ClientRequest) *xrdcore.Future[int64] {
	result, fulfill := xrdcore.NewFuture[int64]()

	var onFailure func(error)
	onFailure = func(err error) {
		m.recover(ctx, src, req, err, fulfill)
	}

	inner, err := src.Handle(ctx, req, onFailure)
	if err != nil {
		m.recover(ctx, src, req, err, fulfill)
		return result
	}

	go func() {
		n, ferr := inner.Get(ctx)
		if ferr != nil {
			m.recover(ctx, src, req, ferr, fulfill)
			return
		}
		fulfill(n, nil)
	}()
	return result
}

// recover implements spec §4.7/§7's propagation policy: InvalidResponse
// is surfaced immediately, everything else goes through requestFailure
// (disable, reopen if needed, retry once).
func (m *Manager) recover(ctx context.Context, failed xrdcore.Source, req *xrdcore.ClientRequest, origErr error, fulfill func(int64, error)) {
	if errors.Is(origErr, xrdcore.ErrInvalidResponse) {
		m.mu.Lock()
		active, disabled := m.sourceIDsLocked()
		m.mu.Unlock()
		fulfill(0, xrdcore.NewFileReadError(m.params, "invalid response", 0, 0, active, disabled, origErr))
		return
	}

	newSrc, err := m.requestFailure(ctx, failed)
	if err != nil {
		fulfill(0, err)
		return
	}

	retryFuture, err := newSrc.Handle(ctx, req, func(retryErr error) {
		fulfill(0, fmt.Errorf("requestmanager: retry on %s failed: %w", newSrc.ID(), retryErr))
	})
	if err != nil {
		fulfill(0, fmt.Errorf("requestmanager: retry dispatch on %s failed: %w", newSrc.ID(), err))
		return
	}
	n, ferr := retryFuture.Get(ctx)
	fulfill(n, ferr)
}

// requestFailure implements spec §4.7 steps 2-5: disable the failed
// source, drop it from activeSources, and if the pool is now empty,
// synchronously wait for a replacement open before returning the
// source the caller should retry on.
func (m *Manager) requestFailure(ctx context.Context, failed xrdcore.Source) (xrdcore.Source, error) {
	m.mu.Lock()
	m.disabledSourceStrings[xrdcore.ServerName(failed.ID())] = struct{}{}
	m.disabledSources[failed.ID()] = failed
	m.removeActiveLocked(failed)
	empty := len(m.activeSources) == 0
	if !empty {
		src := m.activeSources[0]
		m.mu.Unlock()
		return src, nil
	}
	m.mu.Unlock()

	// openHandler.Open() is called with mu released: its callback may
	// fire on an arbitrary goroutine and must be free to take mu itself
	// (see xrdcore.FileClient.OpenAsync).
	openFuture, err := m.openHandler.Open()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastSourceCheck = time.Now()
	m.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, m.timeout+10*time.Second)
	defer cancel()
	newSrc, err := openFuture.Get(waitCtx)
	if err != nil {
		active, disabled := m.snapshotIDs()
		return nil, xrdcore.NewFileOpenError(m.params, "timed out waiting for replacement source", 0, 0, active, disabled, xrdcore.ErrOpenTimeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, excluded := m.disabledSourceStrings[xrdcore.ServerName(newSrc.ID())]; excluded {
		active, disabled := m.sourceIDsLocked()
		return nil, xrdcore.NewFileOpenError(m.params, "redirector returned excluded source", 0, 0, active, disabled, xrdcore.ErrExcludedSource)
	}
	// handleOpen (openhandler.go's onResult callback) may already have
	// raced this goroutine and added newSrc itself; appending again here
	// unconditionally would duplicate it in activeSources.
	if !m.knownLocked(newSrc.ID()) {
		m.activeSources = append(m.activeSources, newSrc)
	}
	return newSrc, nil
}

func (m *Manager) snapshotIDs() (active, disabled []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceIDsLocked()
}

func (m *Manager) removeActiveLocked(src xrdcore.Source) {
	for i, s := range m.activeSources {
		if s == src {
			m.activeSources = append(m.activeSources[:i], m.activeSources[i+1:]...)
			return
		}
	}
}

// pickSingleSourceLocked implements spec §4.3's alternation: starting
// false, it returns index 1 first, then 0, then 1, ... Caller must
// hold mu.
func (m *Manager) pickSingleSourceLocked() xrdcore.Source {
	if len(m.activeSources) != 2 {
		return m.activeSources[0]
	}
	idx := 1
	if m.nextInitialSourceToggle {
		idx = 0
	}
	m.nextInitialSourceToggle = !m.nextInitialSourceToggle
	return m.activeSources[idx]
}

// checkSources is the gated entry point run at the start of every
// read; checkSourcesImplLocked only runs when both pacing conditions
// hold (spec §4.2).
func (m *Manager) checkSources(now time.Time, sizeHint int64) {
	m.mu.Lock()
	if now.Sub(m.lastSourceCheck) <= time.Second || now.Before(m.nextActiveSourceCheck) {
		m.mu.Unlock()
		return
	}
	findNewSource := m.checkSourcesImplLocked(now)
	m.mu.Unlock()

	// openHandler.Open() is called with mu released: its callback may
	// fire on an arbitrary goroutine and must be free to take mu itself
	// (see xrdcore.FileClient.OpenAsync).
	if findNewSource {
		if _, err := m.openHandler.Open(); err != nil {
			m.logger.Warn("speculative open failed to submit", "error", err)
		}
		m.mu.Lock()
		m.lastSourceCheck = now
		m.mu.Unlock()
	}
}

// checkSourcesImplLocked performs the synchronous part of spec §4.2's
// rebalancing pass — quality comparison, promotion/demotion, and the
// decision of whether to kick off a speculative open — and reports
// whether the caller should do so. Caller must hold mu.
func (m *Manager) checkSourcesImplLocked(now time.Time) (findNewSource bool) {
	findNewSource = len(m.activeSources) <= 1

	if len(m.activeSources) == 2 {
		findNewSource = m.compareAndDemoteLocked(now) || findNewSource
	}

	eligible := m.eligibleInactiveLocked(now, xrdcore.ShortOpenDelay-time.Second)
	bestInactive, bestOK := minQuality(eligible)
	worstActive, worstOK := maxQuality(m.activeSources)

	if len(m.activeSources) == 1 && bestOK {
		m.promoteLocked(bestInactive)
	} else {
		for bestOK && worstOK && worstActive.Quality() > bestInactive.Quality()+xrdcore.QualityFudge {
			m.logger.Debug("swapping active source for better inactive candidate",
				"worst_active", worstActive.ID(), "worst_quality", worstActive.Quality(),
				"best_inactive", bestInactive.ID(), "best_quality", bestInactive.Quality())
			worstActive.SetLastDowngrade(now)
			m.demoteLocked(worstActive)
			m.promoteLocked(bestInactive)

			eligible = m.eligibleInactiveLocked(now, xrdcore.LongOpenDelay-time.Second)
			bestInactive, bestOK = minQuality(eligible)
			worstActive, worstOK = maxQuality(m.activeSources)
		}
	}

	if !findNewSource && now.Sub(m.lastSourceCheck) > xrdcore.LongOpenDelay {
		if rand.Intn(100) < xrdcore.OpenProbePercent {
			findNewSource = true
		}
	}

	delay := xrdcore.ShortOpenDelay
	if len(m.activeSources) == 2 {
		delay = xrdcore.LongOpenDelay - xrdcore.ShortOpenDelay
	}
	m.nextActiveSourceCheck = now.Add(delay)

	return findNewSource
}

// compareAndDemoteLocked implements spec §4.2 step 2 over the current
// snapshot of both active sources' quality, demoting at most one per
// call (see DESIGN.md for the tie-break when both conditions hold).
func (m *Manager) compareAndDemoteLocked(now time.Time) (findNewSource bool) {
	s0, s1 := m.activeSources[0], m.activeSources[1]
	q0, q1 := s0.Quality(), s1.Quality()
	demote0 := q0 > xrdcore.DemoteHardQuality || (q0 > xrdcore.DemoteSoftQuality && 4*q1 < q0)
	demote1 := q1 > xrdcore.DemoteHardQuality || (q1 > xrdcore.DemoteSoftQuality && 4*q0 < q1)

	var victim xrdcore.Source
	switch {
	case demote0 && !demote1:
		victim = s0
	case demote1 && !demote0:
		victim = s1
	case demote0 && demote1:
		if q0 >= q1 {
			victim = s0
		} else {
			victim = s1
		}
	default:
		return false
	}

	m.logger.Debug("demoting active source on quality comparison", "source", victim.ID(), "quality", victim.Quality())
	hadPriorDowngrade := !victim.LastDowngrade().IsZero()
	victim.SetLastDowngrade(now)
	m.demoteLocked(victim)
	return hadPriorDowngrade
}

func (m *Manager) eligibleInactiveLocked(now time.Time, threshold time.Duration) []xrdcore.Source {
	var eligible []xrdcore.Source
	for _, s := range m.inactiveSources {
		if s.LastDowngrade().IsZero() || now.Sub(s.LastDowngrade()) > threshold {
			eligible = append(eligible, s)
		}
	}
	return eligible
}

func (m *Manager) demoteLocked(src xrdcore.Source) {
	m.removeActiveLocked(src)
	m.inactiveSources[src.ID()] = src
}

func (m *Manager) promoteLocked(src xrdcore.Source) {
	delete(m.inactiveSources, src.ID())
	m.activeSources = append(m.activeSources, src)
}

func minQuality(sources []xrdcore.Source) (xrdcore.Source, bool) {
	if len(sources) == 0 {
		return nil, false
	}
	best := sources[0]
	for _, s := range sources[1:] {
		if s.Quality() < best.Quality() {
			best = s
		}
	}
	return best, true
}

func maxQuality(sources []xrdcore.Source) (xrdcore.Source, bool) {
	if len(sources) == 0 {
		return nil, false
	}
	worst := sources[0]
	for _, s := range sources[1:] {
		if s.Quality() > worst.Quality() {
			worst = s
		}
	}
	return worst, true
}

// handleOpen integrates the outcome of an OpenHandler attempt into the
// pool, per spec §4.6. Registered as the OpenHandler's onResult
// callback; runs outside the handler's own lock but takes mu itself.
func (m *Manager) handleOpen(outcome xrdcore.OpenOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome.Err != nil {
		m.nextActiveSourceCheck = m.nextActiveSourceCheck.Add(xrdcore.LongOpenDelay - xrdcore.ShortOpenDelay)
		return
	}

	src := outcome.Source
	if m.knownLocked(src.ID()) {
		m.logger.Debug("discarding duplicate source from speculative open", "source", src.ID())
		m.nextActiveSourceCheck = m.nextActiveSourceCheck.Add(xrdcore.LongOpenDelay - xrdcore.ShortOpenDelay)
		return
	}

	if len(m.activeSources) < 2 {
		m.activeSources = append(m.activeSources, src)
		m.logger.Info("promoted newly opened source directly to active", "source", src.ID())
	} else {
		m.inactiveSources[src.ID()] = src
		m.logger.Info("added newly opened source to inactive pool", "source", src.ID())
	}
}

func (m *Manager) knownLocked(id string) bool {
	for _, s := range m.activeSources {
		if s.ID() == id {
			return true
		}
	}
	_, inInactive := m.inactiveSources[id]
	return inInactive
}

// Snapshot returns the current active/inactive/disabled source IDs,
// for diagnostics and tests (spec invariant P1).
func (m *Manager) Snapshot() (active, inactive, disabled []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.activeSources {
		active = append(active, s.ID())
	}
	for id := range m.inactiveSources {
		inactive = append(inactive, id)
	}
	for name := range m.disabledSourceStrings {
		disabled = append(disabled, name)
	}
	sort.Strings(inactive)
	sort.Strings(disabled)
	return active, inactive, disabled
}

// Shutdown releases the OpenHandler's in-flight open, if any, waiting
// up to timeout+10s (spec §4.6 destructor).
func (m *Manager) Shutdown() {
	m.openHandler.Shutdown(m.timeout + 10*time.Second)
}
