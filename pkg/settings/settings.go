// Package settings provides typed, scoped tenant settings reads for the
// action engine. The engine only reads settings; administration of the
// underlying key/value store is out of scope.
package settings

import (
	"context"
	"fmt"
	"sync"
)

// Scope determines whether a setting is per-tenant or instance-global.
type Scope int

const (
	ScopeTenant Scope = iota
	ScopeGlobal
)

// Permission is the level required to change a setting. The engine never
// writes settings; the level is carried so admin surfaces can enforce it.
type Permission int

const (
	PermissionUser Permission = iota
	PermissionAdmin
)

// Definition declares a known setting with its type (via the default
// value), scope and required permission.
type Definition struct {
	Key         string
	Description string
	Default     any
	Scope       Scope
	Permission  Permission
}

// Engine settings keys.
const (
	// KeyAutoAcceptFollowers skips CONFIRMATION for follow-type actions.
	KeyAutoAcceptFollowers = "federation.auto_accept_followers"
	// KeyAutoApprove auto-approves approvable actions from connected
	// audiences.
	KeyAutoApprove = "federation.auto_approve"
	// KeyKeyFailureCacheSize caps the key fetch cache (entries).
	KeyKeyFailureCacheSize = "federation.key_failure_cache_size"
	// KeyDefaultVisibility is the tenant's default action visibility.
	KeyDefaultVisibility = "privacy.default_visibility"
	// KeyConnectionMode controls inbound connection requests:
	// "" confirm, "A" auto-accept, "I" ignore.
	KeyConnectionMode = "profile.connection_mode"
)

// Defaults returns the engine's setting definitions.
func Defaults() []Definition {
	return []Definition{
		{
			Key:         KeyAutoAcceptFollowers,
			Description: "Automatically accept follow requests",
			Default:     false,
			Scope:       ScopeTenant,
			Permission:  PermissionAdmin,
		},
		{
			Key:         KeyAutoApprove,
			Description: "Automatically approve approvable actions from connected sources",
			Default:     false,
			Scope:       ScopeTenant,
			Permission:  PermissionAdmin,
		},
		{
			Key:         KeyKeyFailureCacheSize,
			Description: "Maximum entries in the key fetch cache (in-memory LRU)",
			Default:     100,
			Scope:       ScopeGlobal,
			Permission:  PermissionAdmin,
		},
		{
			Key:         KeyDefaultVisibility,
			Description: "Default visibility for newly created actions",
			Default:     "F",
			Scope:       ScopeTenant,
			Permission:  PermissionUser,
		},
		{
			Key:         KeyConnectionMode,
			Description: "Handling of inbound connection requests (confirm/auto/ignore)",
			Default:     "",
			Scope:       ScopeTenant,
			Permission:  PermissionUser,
		},
	}
}

// Store exposes scoped typed reads. Unset keys resolve to their registered
// default; unknown keys are an error.
type Store interface {
	GetBool(ctx context.Context, tenant int64, key string) (bool, error)
	GetInt(ctx context.Context, tenant int64, key string) (int, error)
	GetString(ctx context.Context, tenant int64, key string) (string, error)
}

// MemoryStore is an in-memory Store used by the engine's tests and the
// reference wiring. Values are keyed by (tenant, key); global-scope
// settings use tenant 0.
type MemoryStore struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	values map[string]any
}

// NewMemoryStore registers defs and returns an empty store.
func NewMemoryStore(defs []Definition) *MemoryStore {
	s := &MemoryStore{
		defs:   make(map[string]Definition, len(defs)),
		values: make(map[string]any),
	}
	for _, d := range defs {
		s.defs[d.Key] = d
	}
	return s
}

func (s *MemoryStore) valueKey(tenant int64, def Definition) string {
	if def.Scope == ScopeGlobal {
		tenant = 0
	}
	return fmt.Sprintf("%d/%s", tenant, def.Key)
}

// Set stores a raw value. The value's type must match the default's.
func (s *MemoryStore) Set(tenant int64, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("settings: unknown key %q", key)
	}
	if fmt.Sprintf("%T", value) != fmt.Sprintf("%T", def.Default) {
		return fmt.Errorf("settings: %q expects %T, got %T", key, def.Default, value)
	}
	s.values[s.valueKey(tenant, def)] = value
	return nil
}

func (s *MemoryStore) get(tenant int64, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[key]
	if !ok {
		return nil, fmt.Errorf("settings: unknown key %q", key)
	}
	if v, ok := s.values[s.valueKey(tenant, def)]; ok {
		return v, nil
	}
	return def.Default, nil
}

func (s *MemoryStore) GetBool(_ context.Context, tenant int64, key string) (bool, error) {
	v, err := s.get(tenant, key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("settings: %q is not a bool", key)
	}
	return b, nil
}

func (s *MemoryStore) GetInt(_ context.Context, tenant int64, key string) (int, error) {
	v, err := s.get(tenant, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("settings: %q is not an int", key)
	}
	return n, nil
}

func (s *MemoryStore) GetString(_ context.Context, tenant int64, key string) (string, error) {
	v, err := s.get(tenant, key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("settings: %q is not a string", key)
	}
	return str, nil
}
