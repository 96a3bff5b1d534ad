package approval_test

import (
	"context"
	"sort"
	"sync"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
	"github.com/iliyamo/ewaste-tracker/internal/repository"
)

// memStore is an in-memory account and role-request store with the same
// conditional-update semantics as the MySQL repositories.
type memStore struct {
	mu       sync.Mutex
	accounts map[uint64]*model.Account
	requests map[uint64]*model.RoleRequest
	nextID   uint64
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[uint64]*model.Account{},
		requests: map[uint64]*model.RoleRequest{},
	}
}

func (m *memStore) addAccount(a model.Account) *model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.Status == "" {
		a.Status = model.StatusPending
	}
	if a.Roles == nil {
		a.Roles = []model.Role{}
	}
	a.ClaimsVersion = 1
	m.accounts[a.ID] = &a
	cp := a
	return &cp
}

func (m *memStore) account(id uint64) model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *m.accounts[id]
	a.Roles = append([]model.Role(nil), a.Roles...)
	return a
}

type accountView struct{ *memStore }

func (v accountView) GetByID(_ context.Context, id uint64) (*model.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.accounts[id]
	if !ok {
		return nil, apperror.NotFound("account not found")
	}
	cp := *a
	cp.Roles = append([]model.Role(nil), a.Roles...)
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, req *model.RoleRequest) (*model.RoleRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[req.AccountID]; !ok {
		return nil, apperror.NotFound("account not found")
	}
	for _, r := range m.requests {
		if r.AccountID == req.AccountID && r.Status == model.StatusPending {
			return nil, repository.ErrPendingExists
		}
	}
	m.nextID++
	cp := *req
	cp.ID = m.nextID
	cp.Status = model.StatusPending
	m.requests[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetByID(_ context.Context, id uint64) (*model.RoleRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperror.NotFound("role request not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListPending(_ context.Context) ([]*model.RoleRequest, error) {
	return m.filter(func(r *model.RoleRequest) bool { return r.Status == model.StatusPending }), nil
}

func (m *memStore) ListByAccount(_ context.Context, accountID uint64) ([]*model.RoleRequest, error) {
	out := m.filter(func(r *model.RoleRequest) bool { return r.AccountID == accountID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) filter(keep func(*model.RoleRequest) bool) []*model.RoleRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.RoleRequest{}
	for _, r := range m.requests {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) transition(id uint64) (*model.RoleRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, apperror.NotFound("role request not found")
	}
	if r.Status != model.StatusPending {
		return nil, apperror.InvalidState("role request is already %s", r.Status)
	}
	return r, nil
}

func (m *memStore) Approve(_ context.Context, p repository.ApproveParams) (*model.RoleRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transition(p.RequestID)
	if err != nil {
		return nil, err
	}
	reviewer := p.ReviewerID
	at := p.At
	r.Status = model.StatusApproved
	r.ReviewerID = &reviewer
	r.ApprovedRoles = p.ApprovedRoles
	r.ReviewedAt = &at

	a := m.accounts[r.AccountID]
	a.Status = model.StatusApproved
	a.ApprovedAt = &at
	a.RejectedAt = nil
	a.RejectionReason = ""
	a.Roles = model.SortRoles(model.RoleSet(append(a.Roles, p.ApprovedRoles...)))
	a.ClaimsVersion++

	cp := *r
	return &cp, nil
}

func (m *memStore) Reject(_ context.Context, p repository.RejectParams) (*model.RoleRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transition(p.RequestID)
	if err != nil {
		return nil, false, err
	}
	reviewer := p.ReviewerID
	at := p.At
	r.Status = model.StatusRejected
	r.ReviewerID = &reviewer
	r.RejectionReason = p.Reason
	r.ReviewedAt = &at

	total := 0
	for _, other := range m.requests {
		if other.AccountID == r.AccountID {
			total++
		}
	}
	rejectAccount := p.Policy.RejectsAccount(total)
	if rejectAccount {
		a := m.accounts[r.AccountID]
		a.Status = model.StatusRejected
		a.RejectedAt = &at
		a.RejectionReason = p.Reason
		a.ClaimsVersion++
	}
	cp := *r
	return &cp, rejectAccount, nil
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []uint64
}

func (s *recordingScheduler) Schedule(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *recordingScheduler) scheduled() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.ids...)
}

type recordingRevoker struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingRevoker) RevokeAll(_ context.Context, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (v accountView) Create(_ context.Context, a *model.Account) (*model.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, have := range v.accounts {
		if have.Email == a.Email || have.SubjectID == a.SubjectID {
			return nil, repository.ErrEmailExists
		}
	}
	v.nextID++
	cp := *a
	cp.ID = v.nextID
	cp.Roles = model.SortRoles(model.RoleSet(a.Roles))
	cp.ClaimsVersion = 1
	v.accounts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (v accountView) GetBySubject(ctx context.Context, subject string) (*model.Account, error) {
	return v.findBy(ctx, func(a *model.Account) bool { return a.SubjectID == subject })
}

func (v accountView) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return v.findBy(ctx, func(a *model.Account) bool { return a.Email == email })
}

func (v accountView) findBy(ctx context.Context, match func(*model.Account) bool) (*model.Account, error) {
	v.mu.Lock()
	var id uint64
	for _, a := range v.accounts {
		if match(a) {
			id = a.ID
		}
	}
	v.mu.Unlock()
	if id == 0 {
		return nil, apperror.NotFound("account not found")
	}
	return v.GetByID(ctx, id)
}
