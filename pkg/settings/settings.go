package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrClosed is returned by a store that has been closed.
var ErrClosed = errors.New("settings: store closed")

// Store is a flat key/value backend. Get reports ok=false for a missing key.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// DeviceNamespace returns the key prefix for a device's records.
// Characters other than letters, digits, '-', '_' and '.' are replaced with '_'.
func DeviceNamespace(deviceID string) string {
	var b strings.Builder
	b.WriteString("device/")
	for _, r := range deviceID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteByte('/')
	return b.String()
}

// Settings provides typed access to a Store under a key prefix.
type Settings struct {
	store  Store
	prefix string
}

// New returns settings rooted at the top of store.
func New(store Store) *Settings {
	return &Settings{store: store}
}

// Sub returns settings whose keys are additionally prefixed by prefix.
func (s *Settings) Sub(prefix string) *Settings {
	return &Settings{store: s.store, prefix: s.prefix + prefix}
}

// Prefix returns the key prefix of s.
func (s *Settings) Prefix() string {
	return s.prefix
}

// Has reports whether key is set.
func (s *Settings) Has(key string) (bool, error) {
	_, ok, err := s.store.Get(s.prefix + key)
	return ok, err
}

// String returns the value of key, or "" when unset.
func (s *Settings) String(key string) (string, error) {
	v, _, err := s.store.Get(s.prefix + key)
	return v, err
}

// SetString stores a string value.
func (s *Settings) SetString(key, value string) error {
	return s.store.Set(s.prefix+key, value)
}

// Int returns the value of key, or 0 when unset.
func (s *Settings) Int(key string) (int, error) {
	v, ok, err := s.store.Get(s.prefix + key)
	if err != nil || !ok || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("settings: %s is not an integer: %w", key, err)
	}
	return n, nil
}

// SetInt stores an integer value.
func (s *Settings) SetInt(key string, value int) error {
	return s.store.Set(s.prefix+key, strconv.Itoa(value))
}

// Strings returns the list stored at key, or nil when unset.
func (s *Settings) Strings(key string) ([]string, error) {
	v, ok, err := s.store.Get(s.prefix + key)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("settings: %s is not a string list: %w", key, err)
	}
	return out, nil
}

// SetStrings stores a list of strings.
func (s *Settings) SetStrings(key string, values []string) error {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return s.store.Set(s.prefix+key, string(data))
}

// Reset removes key.
func (s *Settings) Reset(key string) error {
	return s.store.Delete(s.prefix + key)
}

// Keys lists the keys under the prefix of s, with the prefix stripped.
func (s *Settings) Keys() ([]string, error) {
	keys, err := s.store.Keys(s.prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}
