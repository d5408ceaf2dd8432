package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// User is a registered account as the user directory stores it.
type User struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	Phone        string    `json:"phone" db:"phone"`
	Role         Role      `json:"type" db:"role"`
	PasswordHash string    `json:"passwordHash" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Profile converts the account into the input Issue expects.
func (u User) Profile() UserProfile {
	return UserProfile{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		Phone:        u.Phone,
		Type:         u.Role,
		PasswordHash: u.PasswordHash,
		MemberSince:  u.CreatedAt.Format("2006"),
	}
}

// UserDirectory is the registered-users list the reset flow reads and rewrites.
type UserDirectory interface {
	Create(ctx context.Context, u *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// KVUserDirectory keeps the user list as one JSON array in a Store.
type KVUserDirectory struct {
	store Store
	key   string
	now   func() time.Time
	mu    sync.Mutex
}

func NewKVUserDirectory(store Store, key string) *KVUserDirectory {
	if key == "" {
		key = DefaultKeys().Users
	}
	return &KVUserDirectory{store: store, key: key, now: time.Now}
}

func (d *KVUserDirectory) Create(ctx context.Context, u *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	users, err := loadList[User](ctx, d.store, d.key)
	if err != nil {
		return err
	}
	for _, existing := range users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrUserExists
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := d.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	users = append(users, *u)
	return saveList(ctx, d.store, d.key, users)
}

func (d *KVUserDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	users, err := loadList[User](ctx, d.store, d.key)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			found := u
			return &found, nil
		}
	}
	return nil, ErrUserNotFound
}

func (d *KVUserDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	users, err := loadList[User](ctx, d.store, d.key)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.ID == id {
			found := u
			return &found, nil
		}
	}
	return nil, ErrUserNotFound
}

func (d *KVUserDirectory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	users, err := loadList[User](ctx, d.store, d.key)
	if err != nil {
		return err
	}
	for i := range users {
		if users[i].ID == id {
			users[i].PasswordHash = passwordHash
			users[i].UpdatedAt = d.now().UTC()
			return saveList(ctx, d.store, d.key, users)
		}
	}
	return ErrUserNotFound
}
