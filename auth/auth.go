// Package auth verifies credentials and allocates new accounts.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"

	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/protocol"
)

// Store is the subset of the message store the service needs.
type Store interface {
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, u *models.User) (int64, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByOcid(ctx context.Context, ocid string) (*models.User, error)
}

type LoginState int

const (
	LoginSuccess LoginState = iota
	LoginAccountNotFound
	LoginPasswordIncorrect
	LoginBackendError
)

func (s LoginState) String() string {
	switch s {
	case LoginSuccess:
		return "success"
	case LoginAccountNotFound:
		return "account_not_found"
	case LoginPasswordIncorrect:
		return "password_incorrect"
	default:
		return "backend_error"
	}
}

type LoginResult struct {
	State  LoginState
	UserID int64
}

type RegisterState int

const (
	RegisterOK RegisterState = iota
	RegisterDatabaseError
	RegisterEmailDuplicate
)

func (s RegisterState) String() string {
	switch s {
	case RegisterOK:
		return "ok"
	case RegisterEmailDuplicate:
		return "email_duplicate"
	default:
		return "database_error"
	}
}

type RegisterRequest struct {
	Name     string
	Password string
	Email    string
	Time     int64 // client supplied registration time, unix seconds
}

type RegisterResult struct {
	State  RegisterState
	Ocid   string
	UserID int64
}

const (
	DefaultOcidLength = 14
	ocidAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Service implements login and registration on top of a Store.
type Service struct {
	store   Store
	cost    int
	newOcid func() (string, error)
}

type Option func(*Service)

func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

func WithOcidLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.newOcid = func() (string, error) { return GenerateOcid(n) }
		}
	}
}

// WithOcidGenerator replaces the random ocid source.
func WithOcidGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newOcid = gen }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		cost:    bcrypt.DefaultCost,
		newOcid: func() (string, error) { return GenerateOcid(DefaultOcidLength) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login checks password against the account. A non-nil error is only
// returned together with LoginBackendError.
func (s *Service) Login(ctx context.Context, account protocol.Account, password string) (LoginResult, error) {
	var (
		u   *models.User
		err error
	)
	switch account.Kind {
	case protocol.AccountOcid:
		u, err = s.store.UserByOcid(ctx, account.Value)
	default:
		u, err = s.store.UserByEmail(ctx, account.Value)
	}
	if errors.Is(err, db.ErrNotFound) {
		return LoginResult{State: LoginAccountNotFound}, nil
	}
	if err != nil {
		return LoginResult{State: LoginBackendError}, fmt.Errorf("looking up %s account: %w", account.Kind, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return LoginResult{State: LoginPasswordIncorrect}, nil
		}
		return LoginResult{State: LoginBackendError}, fmt.Errorf("verifying password of user %d: %w", u.ID, err)
	}
	return LoginResult{State: LoginSuccess, UserID: u.ID}, nil
}

// Register creates an account with a fresh ocid. Ocid collisions are retried
// until an unused one is found. A concurrent registration of the same email
// that slips past the existence check is reported as a duplicate.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	exists, err := s.store.EmailExists(ctx, req.Email)
	if err != nil {
		return RegisterResult{State: RegisterDatabaseError}, err
	}
	if exists {
		return RegisterResult{State: RegisterEmailDuplicate}, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return RegisterResult{State: RegisterDatabaseError}, fmt.Errorf("hashing password: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return RegisterResult{State: RegisterDatabaseError}, err
		}

		ocid, err := s.newOcid()
		if err != nil {
			return RegisterResult{State: RegisterDatabaseError}, fmt.Errorf("generating ocid: %w", err)
		}

		u := &models.User{
			Ocid:         ocid,
			Name:         req.Name,
			Email:        req.Email,
			PasswordHash: string(hash),
			CreatedAt:    req.Time,
		}
		id, err := s.store.CreateUser(ctx, u)
		switch {
		case err == nil:
			return RegisterResult{State: RegisterOK, Ocid: ocid, UserID: id}, nil
		case errors.Is(err, db.ErrOcidTaken):
			continue
		case errors.Is(err, db.ErrEmailTaken):
			return RegisterResult{State: RegisterEmailDuplicate}, nil
		default:
			return RegisterResult{State: RegisterDatabaseError}, err
		}
	}
}

// GenerateOcid returns n characters drawn uniformly from [a-zA-Z0-9].
func GenerateOcid(n int) (string, error) {
	max := big.NewInt(int64(len(ocidAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = ocidAlphabet[idx.Int64()]
	}
	return string(b), nil
}
