package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"foliogate.org/internal/ids"
	"foliogate.org/internal/obs"
)

const (
	defaultIssuer     = "foliogate"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultLeeway     = 30 * time.Second
)

// AccessProvider supplies the role/permission snapshot embedded into access
// tokens and grants the platform default role to freshly registered users.
// The RBAC service implements it; the zero-value noop keeps the
// authenticator usable in isolation.
type AccessProvider interface {
	AccessLists(ctx context.Context, userID string) (roles, permissions []string, err error)
	GrantDefaultRole(ctx context.Context, userID string) error
}

type noopAccessProvider struct{}

func (noopAccessProvider) AccessLists(context.Context, string) ([]string, []string, error) {
	return nil, nil, nil
}
func (noopAccessProvider) GrantDefaultRole(context.Context, string) error { return nil }

// Service orchestrates registration, login, token rotation and logout on top
// of the credential store and session registry.
type Service struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	bcryptCost int
	now        func() time.Time
	access     AccessProvider
}

// Option configures Service behavior.
type Option func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		if iss := strings.TrimSpace(issuer); iss != "" {
			s.issuer = iss
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithLeeway sets the clock-skew tolerance applied during token validation.
func WithLeeway(d time.Duration) Option {
	return func(s *Service) error {
		if d >= 0 {
			s.leeway = d
		}
		return nil
	}
}

// WithBcryptCost sets the password hashing work factor.
func WithBcryptCost(cost int) Option {
	return func(s *Service) error {
		s.bcryptCost = cost
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAccessProvider wires the RBAC side in.
func WithAccessProvider(p AccessProvider) Option {
	return func(s *Service) error {
		if p != nil {
			s.access = p
		}
		return nil
	}
}

// NewService constructs the authenticator. secret signs access tokens and
// must be non-empty.
func NewService(store Store, secret []byte, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	s := &Service{
		store:      store,
		secret:     secret,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		leeway:     defaultLeeway,
		now:        time.Now,
		access:     noopAccessProvider{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register creates a user, grants the default role when one exists and logs
// the user straight in. Duplicate emails surface as ErrConflict.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, TokenPair, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, TokenPair{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Password) == "" {
		return nil, TokenPair{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	// Advisory pre-check; the unique index behind Users().Create is
	// authoritative under races.
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, TokenPair{}, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return nil, TokenPair{}, err
	}

	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, TokenPair{}, err
	}

	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	entry := s.newEntry(user.ID, "auth.user.register", "user", user.ID, map[string]string{"email": email})
	if err := s.store.Users().Create(ctx, user, entry); err != nil {
		return nil, TokenPair{}, err
	}

	if err := s.access.GrantDefaultRole(ctx, user.ID); err != nil {
		return nil, TokenPair{}, err
	}

	pair, err := s.issuePair(ctx, user, in.UserAgent, in.IP, "auth.session.register")
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, pair, nil
}

// Login verifies credentials and issues a fresh token pair. Unknown email,
// password mismatch and deactivated accounts all return the identical
// ErrUnauthorized to avoid user enumeration.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (*User, TokenPair, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		obs.AuthLogins.WithLabelValues("unauthorized").Inc()
		return nil, TokenPair{}, ErrUnauthorized
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		obs.AuthLogins.WithLabelValues("unauthorized").Inc()
		if errors.Is(err, ErrNotFound) {
			return nil, TokenPair{}, ErrUnauthorized
		}
		return nil, TokenPair{}, err
	}
	if !user.IsActive || VerifyPassword(user.PasswordHash, password) != nil {
		obs.AuthLogins.WithLabelValues("unauthorized").Inc()
		return nil, TokenPair{}, ErrUnauthorized
	}

	pair, err := s.issuePair(ctx, user, userAgent, ip, "auth.session.login")
	if err != nil {
		return nil, TokenPair{}, err
	}
	obs.AuthLogins.WithLabelValues("success").Inc()
	return user, pair, nil
}

// Refresh rotates a refresh token: the presented token is atomically claimed
// and a new pair issued. A token that was already rotated is a replay signal;
// every live session of the user is revoked and ErrTokenReplayed surfaces so
// callers can react to the suspected compromise.
func (s *Service) Refresh(ctx context.Context, refreshToken, userAgent, ip string) (TokenPair, error) {
	id, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
		return TokenPair{}, ErrUnauthorized
	}
	sess, err := s.store.Sessions().Find(ctx, id)
	if err != nil {
		obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if !matchRefreshSecret(sess.TokenHash, secret) {
		obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
		return TokenPair{}, ErrUnauthorized
	}

	now := s.now().UTC()
	if sess.RevokedAt != nil {
		// Second presentation of a rotated token.
		return TokenPair{}, s.handleReplay(ctx, sess, now)
	}
	if !now.Before(sess.ExpiresAt) {
		obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
		return TokenPair{}, ErrUnauthorized
	}

	user, err := s.store.Users().Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if !user.IsActive {
		obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
		return TokenPair{}, ErrUnauthorized
	}

	rawRefresh, next, err := newRefreshToken(user.ID, userAgent, ip, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	claimEntry := s.newEntry(user.ID, "auth.session.rotate", "session", sess.ID, map[string]string{"replaced_by": next.ID})
	claimed, err := s.store.Sessions().Claim(ctx, sess.ID, next.ID, now, claimEntry)
	if err != nil {
		return TokenPair{}, err
	}
	if !claimed {
		// Lost the race against a concurrent refresh of the same token.
		obs.AuthRefreshes.WithLabelValues("unauthorized").Inc()
		return TokenPair{}, ErrUnauthorized
	}

	createEntry := s.newEntry(user.ID, "auth.session.create", "session", next.ID, nil)
	if err := s.store.Sessions().Create(ctx, next, createEntry); err != nil {
		return TokenPair{}, err
	}

	access, accessExp, err := s.signFor(ctx, user, now)
	if err != nil {
		return TokenPair{}, err
	}
	obs.AuthRefreshes.WithLabelValues("success").Inc()
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout revokes exactly the presented session. Already-revoked and unknown
// tokens are treated as success; logout is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	id, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	sess, err := s.store.Sessions().Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !matchRefreshSecret(sess.TokenHash, secret) {
		return nil
	}
	entry := s.newEntry(sess.UserID, "auth.session.logout", "session", sess.ID, nil)
	return s.store.Sessions().Revoke(ctx, sess.ID, s.now().UTC(), entry)
}

// LogoutAll revokes every live session for the user (all devices).
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	entry := s.newEntry(userID, "auth.session.logout_all", "user", userID, nil)
	return s.store.Sessions().RevokeAllForUser(ctx, userID, s.now().UTC(), entry)
}

// Authenticate validates an access token statelessly: signature, issuer and
// expiry, with the configured clock-skew leeway. No store access happens.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Claims, error) {
	return parseAccessToken(s.secret, s.issuer, accessToken, s.now, s.leeway)
}

// Sessions lists the user's live sessions, one per device.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Sessions().ListActive(ctx, userID, s.now().UTC())
}

// AuditTrail exposes the chronological audit read path.
func (s *Service) AuditTrail(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	return s.store.Audit().List(ctx, f)
}

func (s *Service) issuePair(ctx context.Context, user *User, userAgent, ip, action string) (TokenPair, error) {
	now := s.now().UTC()
	rawRefresh, sess, err := newRefreshToken(user.ID, userAgent, ip, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	entry := s.newEntry(user.ID, action, "session", sess.ID, map[string]string{"ip": ip})
	if err := s.store.Sessions().Create(ctx, sess, entry); err != nil {
		return TokenPair{}, err
	}
	access, accessExp, err := s.signFor(ctx, user, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

func (s *Service) signFor(ctx context.Context, user *User, now time.Time) (string, time.Time, error) {
	roles, perms, err := s.access.AccessLists(ctx, user.ID)
	if err != nil {
		return "", time.Time{}, err
	}
	return signAccessToken(s.secret, s.issuer, user.ID, roles, perms, now, s.accessTTL)
}

func (s *Service) handleReplay(ctx context.Context, sess *Session, now time.Time) error {
	obs.AuthRefreshes.WithLabelValues("replayed").Inc()
	obs.AuthReplays.Inc()
	entry := s.newEntry(sess.UserID, "auth.session.replay_detected", "session", sess.ID, map[string]string{
		"policy": "revoke_all",
	})
	if _, err := s.store.Sessions().RevokeAllForUser(ctx, sess.UserID, now, entry); err != nil {
		return err
	}
	return ErrTokenReplayed
}

func (s *Service) newEntry(actorID, action, resource, resourceID string, meta map[string]string) *AuditEntry {
	return &AuditEntry{
		ID:         ids.New(),
		OccurredAt: s.now().UTC(),
		ActorID:    actorID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Metadata:   meta,
	}
}

// NormalizeEmail lower-cases and trims an email identifier; comparisons and
// storage always use the normalized form.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
