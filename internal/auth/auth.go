package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"govorilka/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid or expired token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     int    `json:"totp"`
}

// RegistrationRequest finalizes an invite: the user picks a password and
// proves they have enrolled the TOTP secret.
type RegistrationRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	TOTP     int    `json:"totp"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

type RegistrationInfoResponse struct {
	Username   string `json:"username"`
	TOTPSecret string `json:"totpSecret"`
}

// UserCredentials is the persisted user record: public profile plus secrets.
type UserCredentials struct {
	models.User
	PasswordHash string
	TOTPSecret   string
	// Remember last TOTP to prevent replay attacks.
	LastTOTP int
	// Counter for consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// CredentialStore is the persistence needed by the auth service,
// implemented by storage.BboltStorage.
type CredentialStore interface {
	UpsertCredentials(UserCredentials) error
	ListAllCredentials() ([]UserCredentials, error)
	UpsertToken(userID, tokenHash string) error
	DeleteToken(tokenHash string) error
	ListTokens() (map[string]string, error)
	UpsertRegistrationToken(userID, token string) error
	DeleteRegistrationToken(userID string) error
	ListRegistrationTokens() (map[string]string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type AuthService struct {
	Config

	store CredentialStore

	// users is keyed by userID, loaded from the store at startup.
	users *geche.Locker[string, *UserCredentials]
	// liveTokens maps raw session tokens to user ids with a TTL.
	liveTokens geche.Geche[string, string]

	mu sync.RWMutex
	// usernameIndex maps username -> userID.
	usernameIndex map[string]string
	// tokenHashes maps persisted token hashes -> userID, so sessions
	// survive a restart.
	tokenHashes map[string]string
	// registrationTokens maps invite tokens -> userID.
	registrationTokens map[string]string

	now func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	as := &AuthService{
		Config:             config,
		store:              store,
		users:              geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens:         geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		usernameIndex:      make(map[string]string),
		tokenHashes:        make(map[string]string),
		registrationTokens: make(map[string]string),
		now:                time.Now,
	}

	creds, err := store.ListAllCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tx := as.users.Lock()
	for i := range creds {
		c := creds[i]
		tx.Set(c.ID, &c)
		as.usernameIndex[c.UserName] = c.ID
	}
	tx.Unlock()

	if as.tokenHashes, err = store.ListTokens(); err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}

	regTokens, err := store.ListRegistrationTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load registration tokens: %w", err)
	}
	// Persisted as userID -> token, indexed here by token.
	for userID, token := range regTokens {
		as.registrationTokens[token] = userID
	}

	return as, nil
}

// AddUser creates a user in "created" state and returns the invite token
// the user needs to complete registration.
func (as *AuthService) AddUser(username, displayName string) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if _, ok := as.usernameIndex[username]; ok {
		return "", ErrUserExists
	}

	totpSecret, err := generateTOTPSecret()
	if err != nil {
		return "", err
	}

	creds := &UserCredentials{
		User: models.User{
			ID:          uuid.NewString(),
			UserName:    username,
			DisplayName: displayName,
			Status:      models.UserStatusCreated,
		},
		TOTPSecret: totpSecret,
		LastTOTP:   -1,
	}

	if err := as.store.UpsertCredentials(*creds); err != nil {
		return "", fmt.Errorf("failed to persist user: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := as.store.UpsertRegistrationToken(creds.ID, token); err != nil {
		return "", fmt.Errorf("failed to persist registration token: %w", err)
	}

	tx := as.users.Lock()
	tx.Set(creds.ID, creds)
	tx.Unlock()
	as.usernameIndex[username] = creds.ID
	as.registrationTokens[token] = creds.ID

	return token, nil
}

// RegistrationInfo resolves an invite token into the data the registration
// page needs: the username and the TOTP secret to enroll.
func (as *AuthService) RegistrationInfo(token string) (RegistrationInfoResponse, error) {
	as.mu.RLock()
	userID, ok := as.registrationTokens[token]
	as.mu.RUnlock()
	if !ok {
		return RegistrationInfoResponse{}, ErrInvalidToken
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(userID)
	if err != nil {
		return RegistrationInfoResponse{}, models.ErrNotFound
	}

	return RegistrationInfoResponse{
		Username:   user.UserName,
		TOTPSecret: user.TOTPSecret,
	}, nil
}

// Register completes an invite: sets the password and activates the user.
func (as *AuthService) Register(req RegistrationRequest) error {
	as.mu.Lock()
	userID, ok := as.registrationTokens[req.Token]
	as.mu.Unlock()
	if !ok {
		return ErrInvalidToken
	}

	if len(req.Password) < 8 {
		return models.Validationf("password must be at least 8 characters")
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(userID)
	if err != nil {
		return models.ErrNotFound
	}

	if !as.checkTOTP(user.TOTPSecret, req.TOTP, user.LastTOTP) {
		return models.Validationf("invalid TOTP code")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user.PasswordHash = string(hash)
	user.Status = models.UserStatusActive
	user.LastTOTP = req.TOTP
	if err := as.store.UpsertCredentials(*user); err != nil {
		return fmt.Errorf("failed to persist user: %w", err)
	}
	tx.Set(userID, user)

	if err := as.store.DeleteRegistrationToken(userID); err != nil {
		slog.Warn("failed to delete registration token", "user_id", userID, "error", err)
	}
	as.mu.Lock()
	delete(as.registrationTokens, req.Token)
	as.mu.Unlock()

	return nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()

	as.mu.RLock()
	userID, ok := as.usernameIndex[req.Username]
	as.mu.RUnlock()
	if !ok {
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(userID)
	if err != nil || user.Status != models.UserStatusActive {
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		as.persist(user)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	if !as.checkTOTP(user.TOTPSecret, req.TOTP, user.LastTOTP) {
		user.IncrementFailedLoginAttempts(now)
		as.persist(user)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	token, err := generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, ""
	}

	as.liveTokens.Set(token, user.ID)
	tokenHash := as.hashToken(token)
	if err := as.store.UpsertToken(user.ID, tokenHash); err != nil {
		slog.Warn("failed to persist token", "user_id", user.ID, "error", err)
	}
	as.mu.Lock()
	as.tokenHashes[tokenHash] = user.ID
	as.mu.Unlock()

	user.ResetFailedLoginAttempts(now)
	// Update LastTOTP to prevent replay attacks
	user.LastTOTP = req.TOTP
	as.persist(user)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
	}, user.ID
}

func (as *AuthService) Logoff(token string) error {
	_ = as.liveTokens.Del(token)

	tokenHash := as.hashToken(token)
	as.mu.Lock()
	delete(as.tokenHashes, tokenHash)
	as.mu.Unlock()
	return as.store.DeleteToken(tokenHash)
}

// GetUserID resolves a session token to a user id. The persisted hash map
// is authoritative (so revocation is immediate); the TTL cache is a warm
// fast path that survives restarts by re-admission.
func (as *AuthService) GetUserID(token string) (string, error) {
	as.mu.RLock()
	userID, ok := as.tokenHashes[as.hashToken(token)]
	as.mu.RUnlock()
	if !ok {
		return "", ErrInvalidToken
	}

	if _, err := as.liveTokens.Get(token); err != nil {
		as.liveTokens.Set(token, userID)
	}
	return userID, nil
}

// GetUsers returns all non-deleted users.
func (as *AuthService) GetUsers() ([]models.User, error) {
	as.mu.RLock()
	ids := make([]string, 0, len(as.usernameIndex))
	for _, id := range as.usernameIndex {
		ids = append(ids, id)
	}
	as.mu.RUnlock()

	tx := as.users.Lock()
	defer tx.Unlock()

	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := tx.Get(id)
		if err != nil || u.Status == models.UserStatusDeleted {
			continue
		}
		users = append(users, u.User)
	}
	return users, nil
}

func (as *AuthService) GetUser(id string) (models.User, error) {
	tx := as.users.Lock()
	defer tx.Unlock()
	u, err := tx.Get(id)
	if err != nil || u.Status == models.UserStatusDeleted {
		return models.User{}, models.ErrNotFound
	}
	return u.User, nil
}

// UserExists reports whether id references an active user. Used by the
// message store to validate receivers.
func (as *AuthService) UserExists(id string) bool {
	tx := as.users.Lock()
	defer tx.Unlock()
	u, err := tx.Get(id)
	return err == nil && u.Status == models.UserStatusActive
}

// DeleteUser soft-deletes the user and revokes all their sessions.
func (as *AuthService) DeleteUser(id string) error {
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(id)
	if err != nil || user.Status == models.UserStatusDeleted {
		return models.ErrNotFound
	}

	user.Status = models.UserStatusDeleted
	if err := as.store.UpsertCredentials(*user); err != nil {
		return fmt.Errorf("failed to persist user: %w", err)
	}
	tx.Set(id, user)

	as.revokeTokens(id)
	return nil
}

// ResetPassword moves the user back to "created" state and returns a fresh
// invite token. All existing sessions are revoked.
func (as *AuthService) ResetPassword(id string) (string, error) {
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(id)
	if err != nil || user.Status == models.UserStatusDeleted {
		return "", models.ErrNotFound
	}

	user.Status = models.UserStatusCreated
	user.PasswordHash = ""
	user.LastTOTP = -1
	if err := as.store.UpsertCredentials(*user); err != nil {
		return "", fmt.Errorf("failed to persist user: %w", err)
	}
	tx.Set(id, user)

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := as.store.UpsertRegistrationToken(id, token); err != nil {
		return "", fmt.Errorf("failed to persist registration token: %w", err)
	}
	as.mu.Lock()
	as.registrationTokens[token] = id
	as.mu.Unlock()

	as.revokeTokens(id)
	return token, nil
}

// UpdateProfile applies the given mutation to the user record and persists it.
func (as *AuthService) UpdateProfile(id string, mutate func(*models.User)) error {
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(id)
	if err != nil || user.Status == models.UserStatusDeleted {
		return models.ErrNotFound
	}

	mutate(&user.User)
	if err := as.store.UpsertCredentials(*user); err != nil {
		return fmt.Errorf("failed to persist user: %w", err)
	}
	tx.Set(id, user)
	return nil
}

// RecordSeen updates the persisted last-seen timestamp. Called by the
// activity middleware on every authenticated request.
func (as *AuthService) RecordSeen(id string, ts int64) error {
	return as.updatePresence(id, func(p *models.Presence) { p.LastSeen = ts })
}

// RecordActivity updates the persisted heartbeat timestamp. Called by the
// presence tracker; failures are the caller's to log and swallow.
func (as *AuthService) RecordActivity(id string, ts int64) error {
	return as.updatePresence(id, func(p *models.Presence) { p.LastActive = ts })
}

func (as *AuthService) updatePresence(id string, mutate func(*models.Presence)) error {
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(id)
	if err != nil {
		return models.ErrNotFound
	}

	mutate(&user.Presence)
	if err := as.store.UpsertCredentials(*user); err != nil {
		return &models.TransientError{Err: err}
	}
	tx.Set(id, user)
	return nil
}

// persist writes through to the store, logging on failure. Used on paths
// where the in-memory state must win (login bookkeeping).
func (as *AuthService) persist(user *UserCredentials) {
	if err := as.store.UpsertCredentials(*user); err != nil {
		slog.Warn("failed to persist credentials", "user_id", user.ID, "error", err)
	}
}

func (as *AuthService) revokeTokens(userID string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for hash, id := range as.tokenHashes {
		if id != userID {
			continue
		}
		delete(as.tokenHashes, hash)
		if err := as.store.DeleteToken(hash); err != nil {
			slog.Warn("failed to delete token", "user_id", userID, "error", err)
		}
	}
	// Raw tokens still sitting in the TTL cache can no longer resolve:
	// GetUserID checks the hash map first.
}

func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha256.New, as.secretBytes)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generateTOTPSecret() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
}

// GenerateTOTP computes the 6-digit TOTP code for the given secret and time.
func GenerateTOTP(secret string, at time.Time) (int, error) {
	if secret == "" {
		return 0, errors.New("empty TOTP secret")
	}
	buf := make([]byte, 8)
	t := at.Unix() / 30
	h := hmac.New(sha1.New, []byte(secret))
	binary.BigEndian.PutUint64(buf, uint64(t))
	h.Write(buf)
	sum := h.Sum(nil)

	off := sum[len(sum)-1] & 0xf
	trunc := (int(sum[off])&0x7f)<<24 |
		int(sum[off+1])<<16 |
		int(sum[off+2])<<8 |
		int(sum[off+3])

	return trunc % 1e6, nil
}

func (as *AuthService) checkTOTP(secret string, totp int, lastTOTP int) bool {
	if totp == lastTOTP {
		return false
	}
	// Accept one step of clock drift in either direction.
	for i := -1; i <= 1; i++ {
		code, err := GenerateTOTP(secret, as.now().Add(time.Duration(i)*30*time.Second))
		if err != nil {
			return false
		}
		if totp == code {
			return true
		}
	}
	return false
}
