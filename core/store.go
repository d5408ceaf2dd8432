package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store is the key/value backend both ledgers persist their JSON lists into.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Keys names the entries a ledger reads and writes.
type Keys struct {
	Tokens   string
	Current  string
	DeviceID string
	Resets   string
	Users    string
}

func DefaultKeys() Keys {
	return Keys{
		Tokens:   "trinck-user-tokens",
		Current:  "trinck-current-token",
		DeviceID: "trinck-device-id",
		Resets:   "trinck-password-resets",
		Users:    "users-storage",
	}
}

func (k Keys) withDefaults() Keys {
	d := DefaultKeys()
	if k.Tokens == "" {
		k.Tokens = d.Tokens
	}
	if k.Current == "" {
		k.Current = d.Current
	}
	if k.DeviceID == "" {
		k.DeviceID = d.DeviceID
	}
	if k.Resets == "" {
		k.Resets = d.Resets
	}
	if k.Users == "" {
		k.Users = d.Users
	}
	return k
}

// loadList decodes the JSON list under key. A missing key is an empty list.
func loadList[T any](ctx context.Context, s Store, key string) ([]T, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return items, nil
}

func saveList[T any](ctx context.Context, s Store, key string, items []T) error {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, raw)
}

func loadValue[T any](ctx context.Context, s Store, key string) (*T, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func saveValue[T any](ctx context.Context, s Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, raw)
}

func jsonString(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
