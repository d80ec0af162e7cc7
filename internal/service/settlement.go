package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/fundex/internal/domain"
	"github.com/efreitasn/fundex/internal/settlement"
	"github.com/efreitasn/fundex/internal/store"
)

// MatchSource provides matching service snapshots.
type MatchSource interface {
	FetchMatches(ctx context.Context, fundID string, from, to time.Time) (domain.MatchSnapshot, error)
}

// OpenSessionRequest represents the input for opening a settlement session.
type OpenSessionRequest struct {
	OperatorID string
	FundID     string
	From       time.Time
	To         time.Time
}

// ViewRequest adjusts a session's view before it is returned. Zero values
// leave the current setting unchanged.
type ViewRequest struct {
	Filter   string
	Page     int
	PageSize int
}

// Session is one operator's settlement screen for a fund and date range.
type Session struct {
	ID         string
	OperatorID string
	FundID     string
	From       time.Time
	To         time.Time
	CreatedAt  time.Time

	namespace string
	tracker   *settlement.Tracker

	mu       sync.Mutex
	loadedAt time.Time
}

// Tracker returns the session's pair tracker.
func (s *Session) Tracker() *settlement.Tracker {
	return s.tracker
}

// LoadedAt returns when the session's pairs were last fetched.
func (s *Session) LoadedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

func (s *Session) markLoaded(t time.Time) {
	s.mu.Lock()
	s.loadedAt = t
	s.mu.Unlock()
}

// SettlementService manages settlement sessions and their trackers.
type SettlementService struct {
	matches  MatchSource
	exchange settlement.Submitter
	sent     store.SentStore
	opts     settlement.Options
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSettlementService creates a new SettlementService. opts is the
// template for every session's tracker; its Namespace is ignored.
func NewSettlementService(
	matches MatchSource,
	exchange settlement.Submitter,
	sent store.SentStore,
	opts settlement.Options,
	logger *slog.Logger,
) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		matches:  matches,
		exchange: exchange,
		sent:     sent,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open validates the request, loads the fund's matched pairs and returns
// the new session.
func (s *SettlementService) Open(ctx context.Context, req OpenSessionRequest) (*Session, error) {
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	req.FundID = strings.TrimSpace(req.FundID)
	if req.OperatorID == "" {
		return nil, &domain.ValidationError{Message: "operator_id is required"}
	}
	if req.FundID == "" {
		return nil, &domain.ValidationError{Message: "fund_id is required"}
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, &domain.ValidationError{Message: "from and to dates are required"}
	}
	if req.To.Before(req.From) {
		return nil, &domain.ValidationError{Message: "to must not be before from"}
	}

	snap, err := s.matches.FetchMatches(ctx, req.FundID, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	opts := s.opts
	opts.Namespace = store.Namespace(req.OperatorID, req.FundID)
	now := time.Now().UTC()
	sess := &Session{
		ID:         uuid.New().String(),
		OperatorID: req.OperatorID,
		FundID:     req.FundID,
		From:       req.From,
		To:         req.To,
		CreatedAt:  now,
		loadedAt:   now,
		namespace:  opts.Namespace,
		tracker: settlement.NewTracker(opts, s.sent, s.exchange, s.logger.With(
			slog.String("operator_id", req.OperatorID),
			slog.String("fund_id", req.FundID),
		)),
	}
	sess.tracker.Load(ctx, snap)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("settlement session opened",
		slog.String("session_id", sess.ID),
		slog.String("operator_id", sess.OperatorID),
		slog.String("fund_id", sess.FundID),
		slog.Int("pairs", len(snap.Pairs)),
	)
	return sess, nil
}

// Get returns the session with the given ID.
func (s *SettlementService) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

// Reload refetches the session's pairs from the matching service.
func (s *SettlementService) Reload(ctx context.Context, id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	snap, err := s.matches.FetchMatches(ctx, sess.FundID, sess.From, sess.To)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	sess.tracker.Load(ctx, snap)
	sess.markLoaded(time.Now().UTC())
	return nil
}

// Close ends a session. The sent record of its namespace is cleared unless
// another open session shares it.
func (s *SettlementService) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	delete(s.sessions, id)
	shared := false
	for _, other := range s.sessions {
		if other.namespace == sess.namespace {
			shared = true
			break
		}
	}
	s.mu.Unlock()

	s.logger.Info("settlement session closed",
		slog.String("session_id", id),
		slog.Bool("record_kept", shared),
	)
	if shared {
		return nil
	}
	if err := s.sent.Clear(ctx, sess.namespace); err != nil {
		return fmt.Errorf("clear sent record: %w", err)
	}
	return nil
}

// View applies req to the session's view settings and returns the view.
// An out-of-range page keeps the current page.
func (s *SettlementService) View(id string, req ViewRequest) (settlement.View, error) {
	sess, err := s.Get(id)
	if err != nil {
		return settlement.View{}, err
	}

	if req.Filter != "" {
		f, err := settlement.ParseFilter(req.Filter)
		if err != nil {
			return settlement.View{}, err
		}
		sess.tracker.SetFilter(f)
	}
	if req.PageSize < 0 || req.Page < 0 {
		return settlement.View{}, &domain.ValidationError{Message: "page and page_size must be positive"}
	}
	if req.PageSize > 0 {
		sess.tracker.SetPageSize(req.PageSize)
	}
	if req.Page > 0 {
		sess.tracker.SetPage(req.Page)
	}
	return sess.tracker.View(), nil
}

// Select adds the given pairs to the session's selection and returns how
// many were newly selected. Nothing is selected when any pair cannot be.
func (s *SettlementService) Select(id string, keys []domain.PairKey) (int, error) {
	sess, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return sess.tracker.SelectKeys(keys)
}

// SelectAll selects every unsent pair on the session's current page.
func (s *SettlementService) SelectAll(id string) (int, error) {
	sess, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return sess.tracker.SelectAll(), nil
}

// Deselect removes one pair from the session's selection.
func (s *SettlementService) Deselect(id string, key domain.PairKey) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.tracker.Deselect(key)
	return nil
}

// ClearSelection empties the session's selection.
func (s *SettlementService) ClearSelection(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.tracker.ClearSelection()
	return nil
}

// Send transmits keys, or the current selection when keys is empty.
func (s *SettlementService) Send(ctx context.Context, id string, keys []domain.PairKey) (settlement.BatchResult, error) {
	sess, err := s.Get(id)
	if err != nil {
		return settlement.BatchResult{}, err
	}
	if len(keys) == 0 {
		return sess.tracker.SendSelected(ctx), nil
	}
	return sess.tracker.Send(ctx, keys), nil
}

// Resolve settles a pair whose submission outcome was unknown.
func (s *SettlementService) Resolve(ctx context.Context, id string, key domain.PairKey, sent bool) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	return sess.tracker.Resolve(ctx, key, sent)
}

// Warnings returns the warnings raised in the session.
func (s *SettlementService) Warnings(id string) ([]settlement.Warning, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.tracker.Warnings(), nil
}

// PendingReconciliation lists, in a stable order, the sessions holding
// pairs whose submission outcome is unknown.
func (s *SettlementService) PendingReconciliation() []string {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	var ids []string
	for _, sess := range sessions {
		if sess.tracker.HasUnknown() {
			ids = append(ids, sess.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
