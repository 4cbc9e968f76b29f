package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"otp-auth-service/internal/model"
)

// memOTPRepo is an in-memory OTPRepository for tests.
type memOTPRepo struct {
	mu     sync.Mutex
	otps   map[uuid.UUID]*model.OTPRequest
	active map[string]uuid.UUID
}

func newMemOTPRepo() *memOTPRepo {
	return &memOTPRepo{
		otps:   make(map[uuid.UUID]*model.OTPRequest),
		active: make(map[string]uuid.UUID),
	}
}

func activeKey(phone, purpose string) string {
	return phone + "|" + purpose
}

func (r *memOTPRepo) Create(_ context.Context, otp *model.OTPRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *otp
	r.otps[otp.ID] = &clone
	r.active[activeKey(otp.PhoneNumber, otp.Purpose)] = otp.ID
	return nil
}

func (r *memOTPRepo) GetByID(_ context.Context, id uuid.UUID) (*model.OTPRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	otp, ok := r.otps[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	clone := *otp
	return &clone, nil
}

func (r *memOTPRepo) GetActiveByPhone(ctx context.Context, phone, purpose string) (*model.OTPRequest, error) {
	r.mu.Lock()
	id, ok := r.active[activeKey(phone, purpose)]
	r.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memOTPRepo) RecordDispatch(_ context.Context, otp *model.OTPRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.otps[otp.ID]
	if !ok {
		return model.ErrNotFound
	}
	stored.ProviderMessageID = otp.ProviderMessageID
	stored.Metadata = otp.Metadata
	return nil
}

func (r *memOTPRepo) IncrementAttempts(_ context.Context, otp *model.OTPRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.otps[otp.ID]
	if !ok {
		return model.ErrNotFound
	}
	stored.Attempts++
	otp.Attempts = stored.Attempts
	return nil
}

func (r *memOTPRepo) MarkUsed(_ context.Context, otp *model.OTPRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.otps[otp.ID]
	if !ok {
		return false, model.ErrNotFound
	}
	if stored.IsUsed {
		return false, nil
	}
	stored.IsUsed = true
	otp.IsUsed = true
	delete(r.active, activeKey(stored.PhoneNumber, stored.Purpose))
	return true, nil
}

func (r *memOTPRepo) InvalidateUnused(_ context.Context, phone, purpose string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.active[activeKey(phone, purpose)]; ok {
		if stored, ok := r.otps[id]; ok {
			stored.IsUsed = true
		}
		delete(r.active, activeKey(phone, purpose))
	}
	return nil
}

func (r *memOTPRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, otp := range r.otps {
		if otp.CreatedAt.Before(cutoff) {
			delete(r.otps, id)
			deleted++
		}
	}
	return deleted, nil
}

// memRateLimitRepo is an in-memory RateLimitRepository for tests.
type memRateLimitRepo struct {
	mu     sync.Mutex
	states map[string]*model.RateLimitState
}

func newMemRateLimitRepo() *memRateLimitRepo {
	return &memRateLimitRepo{states: make(map[string]*model.RateLimitState)}
}

func (r *memRateLimitRepo) Get(_ context.Context, phone string) (*model.RateLimitState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[phone]; ok {
		clone := *state
		return &clone, nil
	}
	now := time.Now().UTC()
	return &model.RateLimitState{
		PhoneNumber: phone,
		MinuteStart: now,
		HourStart:   now,
		DayStart:    now,
		UpdatedAt:   now,
	}, nil
}

func (r *memRateLimitRepo) Save(_ context.Context, state *model.RateLimitState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *state
	r.states[state.PhoneNumber] = &clone
	return nil
}

// seed installs a state directly, bypassing window rolling.
func (r *memRateLimitRepo) seed(state *model.RateLimitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *state
	r.states[state.PhoneNumber] = &clone
}

// memUserRepo is an in-memory UserRepository for tests.
type memUserRepo struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*model.User
	byPhone map[string]uuid.UUID
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{
		byID:    make(map[uuid.UUID]*model.User),
		byPhone: make(map[string]uuid.UUID),
	}
}

func (r *memUserRepo) GetByPhone(ctx context.Context, phone string) (*model.User, error) {
	r.mu.Lock()
	id, ok := r.byPhone[phone]
	r.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memUserRepo) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *user
	r.byID[user.ID] = &clone
	r.byPhone[user.PhoneNumber] = user.ID
	return nil
}

func (r *memUserRepo) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.byID[id]; ok {
		user.LastLoginAt = at
		user.UpdatedAt = at
	}
	return nil
}

// memSessionRepo is an in-memory VerificationRepository for tests.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Verification
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*model.Verification)}
}

func (r *memSessionRepo) Create(_ context.Context, v *model.Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *v
	r.sessions[v.ID] = &clone
	return nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	clone := *v
	return &clone, nil
}

func (r *memSessionRepo) ListActiveByUser(_ context.Context, userID uuid.UUID) ([]*model.Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var out []*model.Verification
	for _, v := range r.sessions {
		if v.UserID == userID && v.IsActive && now.Before(v.ExpiresAt) {
			clone := *v
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memSessionRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.sessions[id]; ok {
		v.IsActive = false
	}
	return nil
}

func (r *memSessionRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.sessions[id]; ok {
		v.LastActiveAt = at
	}
	return nil
}

func (r *memSessionRepo) UpdateRefreshJTI(_ context.Context, id uuid.UUID, jti string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.sessions[id]; ok {
		v.RefreshJTI = jti
	}
	return nil
}

// memBlacklistRepo is an in-memory BlacklistRepository for tests.
type memBlacklistRepo struct {
	mu     sync.Mutex
	tokens map[string]*model.BlacklistedToken
}

func newMemBlacklistRepo() *memBlacklistRepo {
	return &memBlacklistRepo{tokens: make(map[string]*model.BlacklistedToken)}
}

func (r *memBlacklistRepo) Add(_ context.Context, token *model.BlacklistedToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *token
	r.tokens[token.JTI] = &clone
	return nil
}

func (r *memBlacklistRepo) Contains(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[jti]
	return ok, nil
}

func (r *memBlacklistRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for jti, token := range r.tokens {
		if now.After(token.ExpiresAt) {
			delete(r.tokens, jti)
			deleted++
		}
	}
	return deleted, nil
}

// fakeNotifier captures dispatched codes instead of sending them.
type fakeNotifier struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (n *fakeNotifier) Send(_ context.Context, _, code, _ string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.codes = append(n.codes, code)
	return "msg-1", nil
}

func (n *fakeNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}
