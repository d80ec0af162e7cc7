package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/fundex/internal/domain"
	"github.com/efreitasn/fundex/internal/metrics"
	"github.com/efreitasn/fundex/internal/store"
)

// Submitter transmits one matched pair to the exchange. Implementations
// return nil or domain.ErrAlreadySent on success, domain.ErrSubmissionTimeout
// (or a context deadline error) when the outcome is not known, and any
// other error for a rejected submission.
type Submitter interface {
	Submit(ctx context.Context, pair domain.MatchedPair) error
}

// WarningKind classifies tracker warnings surfaced to operators.
type WarningKind string

const (
	WarningClassificationAmbiguous WarningKind = "classification_ambiguous"
	WarningCacheContradicted       WarningKind = "cache_contradicted"
)

// Warning is a non-fatal condition an operator should look at.
type Warning struct {
	Kind    WarningKind
	Key     domain.PairKey
	Message string
	At      time.Time
}

// PairFailure is a pair whose submission was not accepted.
type PairFailure struct {
	Key    domain.PairKey
	Reason string
	Err    error
}

// BatchResult reports the outcome of a Send call per pair.
type BatchResult struct {
	SentCount        int
	AlreadySentCount int
	FailedCount      int
	Sent             []domain.PairKey
	AlreadySent      []domain.PairKey
	Failed           []PairFailure
	InFlight         []domain.PairKey // rejected, another submission is running
	Unknown          []domain.PairKey // awaiting reconciliation, not attempted
}

// View is a snapshot of the tracker's filtered and paged pairs. It never
// shares memory with the tracker.
type View struct {
	Pairs      []domain.MatchedPair
	Totals     Totals // over every pair passing the filter
	PageTotals Totals // over Pairs
	Filter     Filter
	Page       int
	PageSize   int
	PageCount  int
	Total      int
	Selected   []domain.PairKey

	RemainingBuys  []domain.Order
	RemainingSells []domain.Order
}

// Options configures a Tracker.
type Options struct {
	Namespace     string
	PageSize      int
	SubmitTimeout time.Duration
	Concurrency   int
	Classifier    *Classifier
}

// Tracker holds the client-visible state of the matched pairs of one
// session. All methods are safe for concurrent use.
type Tracker struct {
	namespace     string
	sent          store.SentStore
	exchange      Submitter
	classifier    *Classifier
	submitTimeout time.Duration
	concurrency   int
	logger        *slog.Logger
	now           func() time.Time

	mu             sync.Mutex
	pairs          *btree.BTreeG[*domain.MatchedPair] // newest match first
	index          map[domain.PairKey]*domain.MatchedPair
	inFlight       map[domain.PairKey]bool
	selection      map[domain.PairKey]bool
	remainingBuys  []domain.Order
	remainingSells []domain.Order
	filter         Filter
	page           int
	pageSize       int
	warnings       []Warning
}

// pairLess orders pairs by match time descending, then by key.
func pairLess(a, b *domain.MatchedPair) bool {
	if !a.MatchTimestamp.Equal(b.MatchTimestamp) {
		return a.MatchTimestamp.After(b.MatchTimestamp)
	}
	if a.BuyOrderID != b.BuyOrderID {
		return a.BuyOrderID < b.BuyOrderID
	}
	return a.SellOrderID < b.SellOrderID
}

const pairTreeDegree = 16

// NewTracker creates an empty Tracker. Call Load to populate it.
func NewTracker(opts Options, sent store.SentStore, exchange Submitter, logger *slog.Logger) *Tracker {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(DefaultMarketMakerTokens)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		namespace:     opts.Namespace,
		sent:          sent,
		exchange:      exchange,
		classifier:    opts.Classifier,
		submitTimeout: opts.SubmitTimeout,
		concurrency:   opts.Concurrency,
		logger:        logger.With(slog.String("namespace", opts.Namespace)),
		now:           time.Now,
		pairs:         btree.NewG[*domain.MatchedPair](pairTreeDegree, pairLess),
		index:         make(map[domain.PairKey]*domain.MatchedPair),
		inFlight:      make(map[domain.PairKey]bool),
		selection:     make(map[domain.PairKey]bool),
		filter:        FilterAll,
		page:          1,
		pageSize:      opts.PageSize,
	}
}

// Load replaces the tracked pairs with a fresh matching service snapshot.
//
// A pair's sent state comes from the snapshot's authoritative flag when
// reported. Otherwise the furthest of the tracked state and the local sent
// record wins, so a pair never moves back from sent. A local record the
// matching service contradicts is dropped. Pairs being submitted keep
// their in-flight state across a reload.
func (t *Tracker) Load(ctx context.Context, snap domain.MatchSnapshot) {
	cached, err := t.sent.List(ctx, t.namespace)
	if err != nil {
		t.logger.Warn("sent record unavailable, loading without it", slog.String("error", err.Error()))
		cached = map[domain.PairKey]domain.SubmissionState{}
	}

	tree := btree.NewG[*domain.MatchedPair](pairTreeDegree, pairLess)
	index := make(map[domain.PairKey]*domain.MatchedPair, len(snap.Pairs))
	var warnings []Warning

	for i := range snap.Pairs {
		p := snap.Pairs[i]
		key := p.Key()
		if _, dup := index[key]; dup {
			t.logger.Warn("duplicate pair in snapshot, keeping first", slog.String("pair", key.String()))
			continue
		}

		class, source := t.classifier.Classify(&p)
		p.State = domain.PairState{ResolvedClass: class, ClassSource: source}
		if source == domain.SourceNameMatch {
			metrics.ClassificationFallbacks.Inc()
			warnings = append(warnings, Warning{
				Kind:    WarningClassificationAmbiguous,
				Key:     key,
				Message: fmt.Sprintf("counterparty class %s guessed from names %q / %q", class, p.BuyName, p.SellName),
				At:      t.now(),
			})
		}

		index[key] = &p
		tree.ReplaceOrInsert(&p)
	}

	// Submission states are settled under the lock so a submission that
	// finishes while the record is being read is not lost.
	var stale, confirmed []domain.PairKey
	t.mu.Lock()
	tree.Ascend(func(p *domain.MatchedPair) bool {
		key := p.Key()
		local, hasLocal := cached[key]
		prev, tracked := t.index[key]

		switch {
		case p.SentToExchange != nil && *p.SentToExchange:
			p.State.Submission = domain.StateSent
			if local != domain.StateSent {
				confirmed = append(confirmed, key)
			}
		case p.SentToExchange != nil:
			p.State.Submission = domain.StateUnsent
			if hasLocal {
				stale = append(stale, key)
				warnings = append(warnings, Warning{
					Kind:    WarningCacheContradicted,
					Key:     key,
					Message: fmt.Sprintf("local record %q dropped, matching service reports not sent", local),
					At:      t.now(),
				})
			}
		default:
			state := domain.StateUnsent
			if hasLocal {
				state = local
			}
			if tracked && submissionRank(prev.State.Submission) > submissionRank(state) {
				state = prev.State.Submission
			}
			p.State.Submission = state
		}

		if tracked && p.State.Submission == prev.State.Submission {
			p.State.SentAt = prev.State.SentAt
			p.State.LastAttemptAt = prev.State.LastAttemptAt
			p.State.LastError = prev.State.LastError
		}
		if t.inFlight[key] && p.State.Submission != domain.StateSent {
			p.State.Submission = domain.StateInFlight
		}
		return true
	})

	t.pairs = tree
	t.index = index
	t.remainingBuys = append([]domain.Order(nil), snap.RemainingBuys...)
	t.remainingSells = append([]domain.Order(nil), snap.RemainingSells...)
	t.warnings = append(t.warnings, warnings...)

	for key := range t.selection {
		if p, ok := index[key]; !ok || p.State.Submission != domain.StateUnsent {
			delete(t.selection, key)
		}
	}
	t.page = ClampPage(t.page, len(t.filteredLocked()), t.pageSize)
	t.mu.Unlock()

	for _, key := range stale {
		if err := t.sent.Delete(ctx, t.namespace, key); err != nil {
			t.logger.Warn("failed to drop stale sent record", slog.String("pair", key.String()), slog.String("error", err.Error()))
		}
	}
	for _, key := range confirmed {
		if err := t.sent.Put(ctx, t.namespace, key, domain.StateSent); err != nil {
			t.logger.Warn("failed to record sent pair", slog.String("pair", key.String()), slog.String("error", err.Error()))
		}
	}
	for _, w := range warnings {
		t.logger.Warn("settlement warning",
			slog.String("kind", string(w.Kind)),
			slog.String("pair", w.Key.String()),
			slog.String("message", w.Message),
		)
	}

	t.logger.Info("pairs loaded",
		slog.Int("pairs", len(index)),
		slog.Int("remaining_buys", len(snap.RemainingBuys)),
		slog.Int("remaining_sells", len(snap.RemainingSells)),
	)
}

// submissionRank orders the states a pair only moves forward through
// without an authoritative answer.
func submissionRank(s domain.SubmissionState) int {
	switch s {
	case domain.StateSent:
		return 2
	case domain.StateUnknown:
		return 1
	}
	return 0
}

// allLocked returns copies of every pair in display order.
func (t *Tracker) allLocked() []domain.MatchedPair {
	result := make([]domain.MatchedPair, 0, t.pairs.Len())
	t.pairs.Ascend(func(p *domain.MatchedPair) bool {
		result = append(result, *p)
		return true
	})
	return result
}

func (t *Tracker) filteredLocked() []domain.MatchedPair {
	return FilterByClass(t.allLocked(), t.filter)
}

func (t *Tracker) visibleLocked() []domain.MatchedPair {
	return Paginate(t.filteredLocked(), t.page, t.pageSize)
}

// Pairs returns a copy of every tracked pair, newest match first.
func (t *Tracker) Pairs() []domain.MatchedPair {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allLocked()
}

// Pair returns a copy of the pair with the given key.
func (t *Tracker) Pair(key domain.PairKey) (domain.MatchedPair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.index[key]
	if !ok {
		return domain.MatchedPair{}, domain.ErrPairNotFound
	}
	return *p, nil
}

// View returns the current filtered page together with its totals.
// Totals are computed on every call.
func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	filtered := t.filteredLocked()
	page := Paginate(filtered, t.page, t.pageSize)
	pageCopy := make([]domain.MatchedPair, len(page))
	copy(pageCopy, page)

	return View{
		Pairs:          pageCopy,
		Totals:         ComputeTotals(filtered),
		PageTotals:     ComputeTotals(pageCopy),
		Filter:         t.filter,
		Page:           t.page,
		PageSize:       t.pageSize,
		PageCount:      PageCount(len(filtered), t.pageSize),
		Total:          len(filtered),
		Selected:       t.selectedLocked(),
		RemainingBuys:  append([]domain.Order(nil), t.remainingBuys...),
		RemainingSells: append([]domain.Order(nil), t.remainingSells...),
	}
}

// SetFilter changes the class filter and returns to the first page.
func (t *Tracker) SetFilter(f Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f == "" {
		f = FilterAll
	}
	if f != t.filter {
		t.filter = f
		t.page = 1
	}
}

// SetPage moves to page n. Out-of-range pages leave the current page
// unchanged and return false.
func (t *Tracker) SetPage(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n < 1 || n > PageCount(len(t.filteredLocked()), t.pageSize) {
		return false
	}
	t.page = n
	return true
}

// SetPageSize changes the page size and returns to the first page.
// Non-positive sizes are ignored.
func (t *Tracker) SetPageSize(size int) {
	if size <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if size != t.pageSize {
		t.pageSize = size
		t.page = 1
	}
}

// Select adds an unsent pair to the selection.
func (t *Tracker) Select(key domain.PairKey) error {
	_, err := t.SelectKeys([]domain.PairKey{key})
	return err
}

// SelectKeys adds the given pairs to the selection and returns how many
// were not already selected. Every key is checked first: when any pair
// cannot be selected the selection is left unchanged.
func (t *Tracker) SelectKeys(keys []domain.PairKey) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		p, ok := t.index[key]
		if !ok {
			return 0, fmt.Errorf("select %s: %w", key, domain.ErrPairNotFound)
		}
		if err := selectable(p); err != nil {
			return 0, fmt.Errorf("select %s: %w", key, err)
		}
	}

	added := 0
	for _, key := range keys {
		if !t.selection[key] {
			t.selection[key] = true
			added++
		}
	}
	return added, nil
}

func selectable(p *domain.MatchedPair) error {
	switch p.State.Submission {
	case domain.StateSent:
		return domain.ErrAlreadySent
	case domain.StateInFlight:
		return domain.ErrSubmissionInFlight
	case domain.StateUnknown:
		return domain.ErrSubmissionUnknown
	}
	return nil
}

// Deselect removes a pair from the selection. Unknown keys are ignored.
func (t *Tracker) Deselect(key domain.PairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.selection, key)
}

// SelectAll adds every unsent pair on the current page to the selection
// and returns how many were added.
func (t *Tracker) SelectAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, p := range t.visibleLocked() {
		if p.State.Submission != domain.StateUnsent || t.selection[p.Key()] {
			continue
		}
		t.selection[p.Key()] = true
		added++
	}
	return added
}

// ClearSelection empties the selection.
func (t *Tracker) ClearSelection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selection = make(map[domain.PairKey]bool)
}

// Selected returns the selected keys in display order.
func (t *Tracker) Selected() []domain.PairKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selectedLocked()
}

func (t *Tracker) selectedLocked() []domain.PairKey {
	keys := make([]domain.PairKey, 0, len(t.selection))
	t.pairs.Ascend(func(p *domain.MatchedPair) bool {
		if t.selection[p.Key()] {
			keys = append(keys, p.Key())
		}
		return true
	})
	return keys
}

// Warnings returns the warnings raised since the tracker was created.
func (t *Tracker) Warnings() []Warning {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Warning(nil), t.warnings...)
}

// HasUnknown reports whether any pair awaits reconciliation.
func (t *Tracker) HasUnknown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.index {
		if p.State.Submission == domain.StateUnknown {
			return true
		}
	}
	return false
}

// Resolve settles a pair awaiting reconciliation once its real outcome is
// known from the exchange or the matching service: sent moves it to sent,
// otherwise it becomes unsent and may be submitted again.
func (t *Tracker) Resolve(ctx context.Context, key domain.PairKey, sent bool) error {
	t.mu.Lock()
	p, ok := t.index[key]
	if !ok {
		t.mu.Unlock()
		return domain.ErrPairNotFound
	}
	if p.State.Submission != domain.StateUnknown {
		t.mu.Unlock()
		return &domain.ValidationError{
			Message: fmt.Sprintf("pair %s is %s, only pairs awaiting reconciliation can be resolved", key, p.State.Submission),
		}
	}
	if sent {
		now := t.now()
		p.State.Submission = domain.StateSent
		p.State.SentAt = &now
	} else {
		p.State.Submission = domain.StateUnsent
	}
	p.State.LastError = ""
	t.mu.Unlock()

	t.logger.Info("pair resolved", slog.String("pair", key.String()), slog.Bool("sent", sent))

	if sent {
		return t.sent.Put(ctx, t.namespace, key, domain.StateSent)
	}
	return t.sent.Delete(ctx, t.namespace, key)
}

// SendSelected sends every selected pair.
func (t *Tracker) SendSelected(ctx context.Context) BatchResult {
	return t.Send(ctx, t.Selected())
}

type attempt struct {
	pair domain.MatchedPair
	err  error
}

// Send transmits the given pairs to the exchange. Pairs already sent are
// reported as such and never retransmitted; pairs with a submission
// running or awaiting reconciliation are not attempted. Submissions within
// one call run concurrently and a failure never aborts its siblings.
func (t *Tracker) Send(ctx context.Context, keys []domain.PairKey) BatchResult {
	var result BatchResult
	var todo []domain.MatchedPair

	t.mu.Lock()
	seen := make(map[domain.PairKey]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		p, ok := t.index[key]
		if !ok {
			result.Failed = append(result.Failed, PairFailure{Key: key, Reason: "pair not found", Err: domain.ErrPairNotFound})
			continue
		}
		switch p.State.Submission {
		case domain.StateSent:
			result.AlreadySent = append(result.AlreadySent, key)
			metrics.PairSubmissions.WithLabelValues(metrics.OutcomeAlreadySent).Inc()
		case domain.StateInFlight:
			result.InFlight = append(result.InFlight, key)
			metrics.PairSubmissions.WithLabelValues(metrics.OutcomeInFlight).Inc()
		case domain.StateUnknown:
			result.Unknown = append(result.Unknown, key)
		default:
			now := t.now()
			p.State.Submission = domain.StateInFlight
			p.State.LastAttemptAt = &now
			t.inFlight[key] = true
			todo = append(todo, *p)
		}
	}
	t.mu.Unlock()

	attempts := make([]attempt, len(todo))
	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for i := range todo {
		i := i // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			attempts[i] = attempt{pair: todo[i], err: t.submit(ctx, todo[i])}
			return nil
		})
	}
	_ = g.Wait() // submissions report through attempts

	for _, a := range attempts {
		t.finish(ctx, a, &result)
	}

	result.SentCount = len(result.Sent)
	result.AlreadySentCount = len(result.AlreadySent)
	result.FailedCount = len(result.Failed)

	t.logger.Info("send completed",
		slog.Int("requested", len(seen)),
		slog.Int("sent", result.SentCount),
		slog.Int("already_sent", result.AlreadySentCount),
		slog.Int("failed", result.FailedCount),
		slog.Int("in_flight", len(result.InFlight)),
		slog.Int("unknown", len(result.Unknown)),
	)
	return result
}

// submit sends one pair. An issued submission is bounded by the submit
// timeout only; the caller going away does not cancel it.
func (t *Tracker) submit(ctx context.Context, pair domain.MatchedPair) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.submitTimeout)
	defer cancel()

	start := time.Now()
	err := t.exchange.Submit(ctx, pair)
	metrics.SubmissionLatency.Observe(time.Since(start).Seconds())
	return err
}

// finish applies the outcome of one submission to the tracker state and
// the sent record.
func (t *Tracker) finish(ctx context.Context, a attempt, result *BatchResult) {
	key := a.pair.Key()

	var state domain.SubmissionState
	switch {
	case a.err == nil, errors.Is(a.err, domain.ErrAlreadySent):
		state = domain.StateSent
	case errors.Is(a.err, domain.ErrSubmissionTimeout),
		errors.Is(a.err, context.DeadlineExceeded),
		errors.Is(a.err, context.Canceled):
		state = domain.StateUnknown
	default:
		state = domain.StateUnsent
	}

	t.mu.Lock()
	delete(t.inFlight, key)
	confirmed := false
	if p, ok := t.index[key]; ok {
		if p.State.Submission == domain.StateSent {
			// A reload confirmed the pair while it was in flight.
			confirmed = true
		} else {
			p.State.Submission = state
			switch state {
			case domain.StateSent:
				now := t.now()
				p.State.SentAt = &now
				p.State.LastError = ""
				delete(t.selection, key)
			case domain.StateUnknown:
				p.State.LastError = a.err.Error()
				delete(t.selection, key)
			default:
				p.State.LastError = a.err.Error()
			}
		}
	}
	t.mu.Unlock()

	if confirmed {
		if state == domain.StateSent {
			result.Sent = append(result.Sent, key)
			metrics.PairSubmissions.WithLabelValues(metrics.OutcomeSent).Inc()
		} else {
			result.AlreadySent = append(result.AlreadySent, key)
			metrics.PairSubmissions.WithLabelValues(metrics.OutcomeAlreadySent).Inc()
		}
		return
	}

	switch state {
	case domain.StateSent:
		result.Sent = append(result.Sent, key)
		metrics.PairSubmissions.WithLabelValues(metrics.OutcomeSent).Inc()
	case domain.StateUnknown:
		result.Unknown = append(result.Unknown, key)
		metrics.PairSubmissions.WithLabelValues(metrics.OutcomeUnknown).Inc()
		t.logger.Warn("submission outcome unknown, pair held for reconciliation",
			slog.String("pair", key.String()),
			slog.String("error", a.err.Error()),
		)
	default:
		result.Failed = append(result.Failed, PairFailure{Key: key, Reason: a.err.Error(), Err: a.err})
		metrics.PairSubmissions.WithLabelValues(metrics.OutcomeFailed).Inc()
		t.logger.Error("submission failed",
			slog.String("pair", key.String()),
			slog.String("error", a.err.Error()),
		)
		return
	}

	// Recorded even when the caller's context is already cancelled.
	if err := t.sent.Put(context.WithoutCancel(ctx), t.namespace, key, state); err != nil {
		t.logger.Error("failed to record submission outcome",
			slog.String("pair", key.String()),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}
