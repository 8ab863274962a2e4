package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"suncochat/internal/util"
	"suncochat/pkg/auth"
	"suncochat/pkg/domain"
	"suncochat/pkg/store"
)

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not
	// match. The message is shown to end users and must not enable account
	// enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
)

// Gateway translates sign-up/sign-in/sign-out into store operations and
// broadcasts auth-state transitions to subscribers. The persisted
// current-user pointer and the broadcast state agree after every operation.
type Gateway struct {
	store store.Store

	mu      sync.Mutex
	current *domain.User
	emitter util.Emitter[*domain.User]
}

// NewGateway constructs the gateway, restoring the persisted signed-in user.
func NewGateway(st store.Store) (*Gateway, error) {
	g := &Gateway{store: st}
	user, ok, err := st.CurrentUser()
	if err != nil {
		return nil, fmt.Errorf("restore current user: %w", err)
	}
	if ok {
		g.current = &user
	}
	return g, nil
}

// SignUp registers a new account and signs it in.
// Fails with store.ErrEmailAlreadyExists when the email is taken.
func (g *Gateway) SignUp(email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	user, err := g.store.CreateUser(email, passwordHash)
	if err != nil {
		return domain.User{}, err
	}
	if err := g.setCurrent(&user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// SignIn validates credentials and signs the account in.
// Fails with ErrInvalidCredentials on mismatch or absent user; auth state is
// left unchanged on failure.
func (g *Gateway) SignIn(email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := g.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err := g.setCurrent(&user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// SignOut clears the signed-in user unconditionally.
func (g *Gateway) SignOut() error {
	return g.setCurrent(nil)
}

// CurrentUser returns the signed-in user, when any.
func (g *Gateway) CurrentUser() (domain.User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return domain.User{}, false
	}
	return *g.current, true
}

// Subscribe registers fn for auth-state broadcasts and invokes it
// immediately with the current state. The returned func unsubscribes.
func (g *Gateway) Subscribe(fn func(*domain.User)) func() {
	cancel := g.emitter.Subscribe(fn)
	g.mu.Lock()
	current := g.current
	g.mu.Unlock()
	fn(copyUser(current))
	return cancel
}

func (g *Gateway) setCurrent(user *domain.User) error {
	if err := g.store.SetCurrentUser(user); err != nil {
		return fmt.Errorf("persist current user: %w", err)
	}
	g.mu.Lock()
	g.current = copyUser(user)
	g.mu.Unlock()
	g.emitter.Emit(copyUser(user))
	return nil
}

func copyUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	u := *user
	return &u
}
