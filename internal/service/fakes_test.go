package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/queue"
	"github.com/iliyamo/local-heroes/internal/repository"
)

func nullLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// memUsers is an in-memory identity store.
type memUsers struct {
	mu     sync.Mutex
	users  map[uint64]*model.User
	nextID uint64
}

func newMemUsers() *memUsers { return &memUsers{users: map[uint64]*model.User{}} }

func (m *memUsers) add(first string, balance int64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.users[m.nextID] = &model.User{
		ID:        m.nextID,
		Email:     first + "@example.com",
		FirstName: first,
		Role:      model.RoleUser,
		Balance:   decimal.NewFromInt(balance),
		Version:   1,
	}
	return m.nextID
}

func (m *memUsers) balance(id uint64) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].Balance
}

func (m *memUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return *u, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (m *memUsers) Create(_ context.Context, u model.User) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return 0, repository.ErrEmailExists
		}
	}
	m.nextID++
	u.ID = m.nextID
	u.Version = 1
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	m.users[u.ID] = &u
	return u.ID, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id uint64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = hash
	u.Version++
	return nil
}

func (m *memUsers) MarkEmailVerified(_ context.Context, id uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok && u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (m *memUsers) UpdateProfile(_ context.Context, id, version uint64, p model.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if u.Version != version {
		return repository.ErrVersionConflict
	}
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		u.LastName = *p.LastName
	}
	if p.Bio != nil {
		u.Bio = *p.Bio
	}
	if p.Skills != nil {
		u.Skills = p.Skills
	}
	u.Version++
	return nil
}

func (m *memUsers) Credit(_ context.Context, id uint64, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	u.Balance = u.Balance.Add(amount)
	u.Version++
	return u.Balance, nil
}

// memTasks is an in-memory task store with version checks and an atomic
// settlement that mirrors the SQL transaction.
type memTasks struct {
	mu     sync.Mutex
	users  *memUsers
	rows   map[uint64]model.Task
	nextID uint64

	// beforeWrite runs inside Update/SettlePayment before the version check.
	beforeWrite func(id uint64)
	writes      int
}

func newMemTasks(users *memUsers) *memTasks {
	return &memTasks{users: users, rows: map[uint64]model.Task{}}
}

func cloneTask(t model.Task) model.Task {
	t.ApplicantIDs = append([]uint64{}, t.ApplicantIDs...)
	t.Tags = append([]string(nil), t.Tags...)
	t.Applicants = nil
	t.Worker = nil
	return t
}

func (m *memTasks) populate(t model.Task) *model.Task {
	if u, err := m.users.GetByID(context.Background(), t.PosterID); err == nil {
		t.Poster = u.Summary()
	}
	if t.WorkerID != 0 {
		if u, err := m.users.GetByID(context.Background(), t.WorkerID); err == nil {
			s := u.Summary()
			t.Worker = &s
		}
	}
	t.Applicants = []model.UserSummary{}
	for _, id := range t.ApplicantIDs {
		if u, err := m.users.GetByID(context.Background(), id); err == nil {
			t.Applicants = append(t.Applicants, u.Summary())
		}
	}
	return &t
}

func (m *memTasks) Create(_ context.Context, t *model.Task) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	t.Version = 1
	t.CreatedAt = time.Now().UTC()
	m.rows[t.ID] = cloneTask(*t)
	return t.ID, nil
}

func (m *memTasks) GetByID(_ context.Context, id uint64) (*model.Task, error) {
	m.mu.Lock()
	t, ok := m.rows[id]
	m.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.populate(cloneTask(t)), nil
}

func (m *memTasks) get(id uint64) model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTask(m.rows[id])
}

func (m *memTasks) Update(_ context.Context, t *model.Task) error {
	if m.beforeWrite != nil {
		m.beforeWrite(t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[t.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != t.Version {
		return repository.ErrVersionConflict
	}
	t.Version++
	cur = cloneTask(*t)
	m.rows[t.ID] = cur
	m.writes++
	return nil
}

func (m *memTasks) SettlePayment(_ context.Context, t *model.Task) error {
	if m.beforeWrite != nil {
		m.beforeWrite(t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users.mu.Lock()
	defer m.users.mu.Unlock()

	poster, worker := m.users.users[t.PosterID], m.users.users[t.WorkerID]
	if poster.Balance.LessThan(t.Price) {
		return repository.ErrInsufficientBalance
	}
	cur, ok := m.rows[t.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != t.Version {
		return repository.ErrVersionConflict
	}
	poster.Balance = poster.Balance.Sub(t.Price)
	worker.Balance = worker.Balance.Add(t.Price)
	cur.Status = t.Status
	cur.Version++
	t.Version++
	m.rows[t.ID] = cur
	m.writes++
	return nil
}

func (m *memTasks) Delete(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memTasks) IncrementViews(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.rows[id]; ok {
		t.Views++
		m.rows[id] = t
	}
	return nil
}

func (m *memTasks) Search(_ context.Context, f model.TaskFilter) ([]model.Task, int64, error) {
	m.mu.Lock()
	all := make([]model.Task, 0, len(m.rows))
	for _, t := range m.rows {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.PostedBy != 0 && t.PosterID != f.PostedBy {
			continue
		}
		all = append(all, cloneTask(t))
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	start := (f.Page - 1) * f.Limit
	if start > len(all) {
		start = len(all)
	}
	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *memTasks) ListByPoster(ctx context.Context, userID uint64) ([]model.Task, error) {
	out, _, err := m.Search(ctx, model.TaskFilter{PostedBy: userID, Page: 1, Limit: 1000})
	return out, err
}

func (m *memTasks) ListByWorker(_ context.Context, userID uint64) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Task{}
	for _, t := range m.rows {
		if t.WorkerID == userID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *memTasks) CountByStatus(_ context.Context) (map[model.TaskStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.TaskStatus]int64{}
	for _, t := range m.rows {
		out[t.Status]++
	}
	return out, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.TaskEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) byType(kind model.NotificationType) []queue.TaskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []queue.TaskEvent{}
	for _, ev := range p.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

// stubGeocoder resolves every address to a fixed point unless fail is set.
type stubGeocoder struct {
	fail  bool
	calls int
}

func (g *stubGeocoder) Geocode(_ context.Context, _ string) (float64, float64, bool) {
	g.calls++
	if g.fail {
		return 0, 0, false
	}
	return 52.52, 13.405, true
}

var errBroker = errors.New("broker down")
