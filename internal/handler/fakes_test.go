package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/repository"
)

func nullLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(nullLogger())
	e.Validator = middleware.NewValidator()
	return e
}

// do sends a request through e and returns the recorder.
func do(e *echo.Echo, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer "+tok) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error
}

// memUsers satisfies the user stores of the auth and profile services.
type memUsers struct {
	mu     sync.Mutex
	users  map[uint64]*model.User
	nextID uint64
}

func newMemUsers() *memUsers { return &memUsers{users: map[uint64]*model.User{}} }

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
	return nil
}

func (m *memUsers) MarkEmailVerified(_ context.Context, id uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
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
	if p.Bio != nil {
		u.Bio = *p.Bio
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
	return u.Balance, nil
}

// memTokens is an in-memory refresh token table.
type memTokens struct {
	mu     sync.Mutex
	rows   map[uint64]model.RefreshToken
	nextID uint64
}

func newMemTokens() *memTokens { return &memTokens{rows: map[uint64]model.RefreshToken{}} }

func (m *memTokens) Store(_ context.Context, t model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.rows[t.ID] = t
	return nil
}

func (m *memTokens) GetByJTI(_ context.Context, jti string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.JTI == jti {
			return t, nil
		}
	}
	return model.RefreshToken{}, repository.ErrNotFound
}

func (m *memTokens) ListActive(_ context.Context, userID uint64, now time.Time) ([]model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RefreshToken{}
	for _, t := range m.rows {
		if t.UserID == userID && t.Active(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTokens) DeleteByID(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memTokens) RevokeByJTI(_ context.Context, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.rows {
		if t.JTI == jti && t.RevokedAt == nil {
			t.RevokedAt = &at
			m.rows[id] = t
		}
	}
	return nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID uint64, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.rows {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
			m.rows[id] = t
			n++
		}
	}
	return n, nil
}

func (m *memTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// memTasks keeps tasks in a map; it does not check versions.
type memTasks struct {
	mu     sync.Mutex
	rows   map[uint64]model.Task
	nextID uint64
	last   model.TaskFilter
}

func newMemTasks() *memTasks { return &memTasks{rows: map[uint64]model.Task{}} }

func (m *memTasks) Create(_ context.Context, t *model.Task) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	t.Version = 1
	m.rows[t.ID] = *t
	return t.ID, nil
}

func (m *memTasks) GetByID(_ context.Context, id uint64) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	t.ApplicantIDs = append([]uint64(nil), t.ApplicantIDs...)
	return &t, nil
}

func (m *memTasks) Update(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version++
	m.rows[t.ID] = *t
	return nil
}

func (m *memTasks) SettlePayment(ctx context.Context, t *model.Task) error { return m.Update(ctx, t) }

func (m *memTasks) Delete(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memTasks) IncrementViews(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil
	}
	t.Views++
	m.rows[id] = t
	return nil
}

func (m *memTasks) Search(_ context.Context, f model.TaskFilter) ([]model.Task, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = f
	var out []model.Task
	for _, t := range m.rows {
		out = append(out, t)
	}
	return out, int64(len(out)), nil
}

func (m *memTasks) ListByPoster(_ context.Context, userID uint64) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.rows {
		if t.PosterID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTasks) ListByWorker(_ context.Context, userID uint64) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.rows {
		if t.WorkerID == userID {
			out = append(out, t)
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
