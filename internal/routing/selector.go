// Package routing picks which account sends a message for a tenant.
package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"outreach/internal/domain"
)

type AccountLister interface {
	ListAccounts(ctx context.Context, tenantID string) ([]domain.Account, error)
}

type StatusSource interface {
	CurrentStatus(accountID string) domain.ConnStatus
}

// Selector prefers the requested account, connected or still coming up, and
// otherwise rotates across the tenant's connected accounts by priority, least
// recently picked first.
type Selector struct {
	accounts AccountLister
	status   StatusSource

	mu   sync.Mutex
	seq  uint64
	last map[string]uint64
}

func NewSelector(accounts AccountLister, status StatusSource) *Selector {
	return &Selector{accounts: accounts, status: status, last: make(map[string]uint64)}
}

func (s *Selector) Pick(ctx context.Context, tenantID, preferred string) (domain.Account, error) {
	accts, err := s.accounts.ListAccounts(ctx, tenantID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("list accounts: %w", err)
	}

	var live []domain.Account
	for _, a := range accts {
		st := s.status.CurrentStatus(a.ID)
		// a preferred account on its way up keeps the send; its queue
		// bounds the wait
		if a.ID == preferred && (st == domain.StatusConnected || st == domain.StatusConnecting || st.Pairing()) {
			s.mark(a.ID)
			return a, nil
		}
		if st != domain.StatusConnected {
			continue
		}
		live = append(live, a)
	}
	if len(live) == 0 {
		return domain.Account{}, domain.NewError(domain.CodeConnection, "no connected account for tenant %s", tenantID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority > live[j].Priority
		}
		return s.last[live[i].ID] < s.last[live[j].ID]
	})
	pick := live[0]
	s.seq++
	s.last[pick.ID] = s.seq
	return pick, nil
}

func (s *Selector) mark(id string) {
	s.mu.Lock()
	s.seq++
	s.last[id] = s.seq
	s.mu.Unlock()
}
