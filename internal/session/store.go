// Package session holds the Role/Filter session state: the active role, the
// buyer's filter or the seller's listing, and the de-duplicated candidate
// set. All mutations go through Store methods and are atomic per call.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// Errors
var (
	ErrRoleMismatch = errors.New("operation not valid for current role")
	ErrNoListing    = errors.New("no listing registered")
)

// RoleSink receives role changes. *connection.Manager implements it so
// frame handlers can branch on the role.
type RoleSink interface {
	SetRole(model.Role)
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Role       model.Role
	Filter     *model.Filter
	Listing    *model.Listing
	Candidates []model.Candidate
}

// Empty reports whether every part of the state is cleared.
func (s Snapshot) Empty() bool {
	return s.Role == model.RoleUnset && s.Filter == nil && s.Listing == nil && len(s.Candidates) == 0
}

// Store is the session state. The zero value is not usable; call New.
type Store struct {
	sink   RoleSink
	logger *slog.Logger

	mu         sync.RWMutex
	role       model.Role
	filter     *model.Filter
	listing    *model.Listing
	candidates []model.Candidate
}

// New creates an empty Store. sink may be nil.
func New(sink RoleSink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{sink: sink, logger: logger}
}

// SetRole switches the active role. Switching drops the other role's intent
// (a buyer's filter and candidates, or a seller's listing) so no stale
// criteria survive the switch. Frames already dispatched are unaffected.
func (s *Store) SetRole(r model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r == s.role {
		return
	}
	switch r {
	case model.RoleBuyer:
		s.listing = nil
	case model.RoleSeller:
		s.filter = nil
		s.candidates = nil
	default:
		s.filter, s.listing, s.candidates = nil, nil, nil
	}
	s.role = r
	if s.sink != nil {
		s.sink.SetRole(r)
	}
	s.logger.Info("role changed", "role", r)
}

// Role returns the active role.
func (s *Store) Role() model.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// SubmitFilter replaces the buyer's filter. A new search starts with an
// empty candidate set.
func (s *Store) SubmitFilter(f model.Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != model.RoleBuyer {
		return fmt.Errorf("%w: filter requires BUYER, have %s", ErrRoleMismatch, s.role)
	}
	s.filter = &f
	s.candidates = nil
	return nil
}

// Filter returns the active filter.
func (s *Store) Filter() (model.Filter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filter == nil {
		return model.Filter{}, false
	}
	return *s.filter, true
}

// SetListing replaces the seller's listing.
func (s *Store) SetListing(l model.Listing) error {
	if err := l.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != model.RoleSeller {
		return fmt.Errorf("%w: listing requires SELLER, have %s", ErrRoleMismatch, s.role)
	}
	s.listing = &l
	return nil
}

// SetListingActive toggles the listing and returns the updated copy, ready
// to be re-registered.
func (s *Store) SetListingActive(active bool) (model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listing == nil {
		return model.Listing{}, ErrNoListing
	}
	l := *s.listing
	l.Active = active
	s.listing = &l
	return l, nil
}

// Listing returns the active listing.
func (s *Store) Listing() (model.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listing == nil {
		return model.Listing{}, false
	}
	return *s.listing, true
}

// UpsertCandidate inserts c or merges it into the existing record. A record
// matches by tradeId, then by cardId, then by (name, carrier, dataAmount,
// price). Merging keeps fields the update leaves empty. It returns the
// stored record and whether it was newly inserted.
func (s *Store) UpsertCandidate(c model.Candidate) (model.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(c); i >= 0 {
		s.candidates[i] = s.candidates[i].Merge(c)
		return s.candidates[i], false
	}
	s.candidates = append(s.candidates, c)
	return c, true
}

func (s *Store) indexLocked(c model.Candidate) int {
	if c.TradeID != 0 {
		for i, existing := range s.candidates {
			if existing.TradeID == c.TradeID {
				return i
			}
		}
	}
	if c.CardID != 0 {
		for i, existing := range s.candidates {
			if existing.CardID == c.CardID {
				return i
			}
		}
	}
	for i, existing := range s.candidates {
		if existing.SameTerms(c) {
			return i
		}
	}
	return -1
}

// AttachTrade records tradeID on the candidate for cardID, keeping all of
// its other fields.
func (s *Store) AttachTrade(cardID, tradeID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.candidates {
		if s.candidates[i].CardID == cardID {
			s.candidates[i].TradeID = tradeID
			return true
		}
	}
	return false
}

// RemoveCandidate drops the candidate for cardID.
func (s *Store) RemoveCandidate(cardID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.candidates {
		if s.candidates[i].CardID == cardID {
			s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
			return true
		}
	}
	return false
}

// Candidate returns the candidate for cardID.
func (s *Store) Candidate(cardID int64) (model.Candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.candidates {
		if c.CardID == cardID {
			return c, true
		}
	}
	return model.Candidate{}, false
}

// Candidates returns the candidates in arrival order.
func (s *Store) Candidates() []model.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Role: s.role}
	if s.filter != nil {
		f := *s.filter
		snap.Filter = &f
	}
	if s.listing != nil {
		l := *s.listing
		snap.Listing = &l
	}
	if len(s.candidates) > 0 {
		snap.Candidates = make([]model.Candidate, len(s.candidates))
		copy(snap.Candidates, s.candidates)
	}
	return snap
}

// Reset clears role, filter, listing and candidates in one step.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.role = model.RoleUnset
	s.filter = nil
	s.listing = nil
	s.candidates = nil
	if s.sink != nil {
		s.sink.SetRole(model.RoleUnset)
	}
	s.logger.Info("session reset")
}
