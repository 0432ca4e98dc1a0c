package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/latticehq/lattice/pkg/action"
)

// MemoryAdapter is a mutex-guarded in-memory Adapter. It backs the
// engine's tests and single-process deployments without SQLite.
type MemoryAdapter struct {
	mu      sync.RWMutex
	tenants map[action.TenantID]string
	actions map[action.TenantID]map[string]*action.Action
	byKey   map[action.TenantID]map[string]string // dedupe key → action id
	tokens  map[action.TenantID]map[string]string
	profs   map[action.TenantID]map[string]*Profile
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		tenants: make(map[action.TenantID]string),
		actions: make(map[action.TenantID]map[string]*action.Action),
		byKey:   make(map[action.TenantID]map[string]string),
		tokens:  make(map[action.TenantID]map[string]string),
		profs:   make(map[action.TenantID]map[string]*Profile),
	}
}

// AddTenant registers a tenant and its id-tag.
func (m *MemoryAdapter) AddTenant(tenant action.TenantID, idTag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant] = idTag
}

func (m *MemoryAdapter) CreateAction(_ context.Context, tenant action.TenantID, a *action.Action, dedupeKey string) error {
	if a.ID == "" {
		return fmt.Errorf("meta: action id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acts := m.actions[tenant]
	if acts == nil {
		acts = make(map[string]*action.Action)
		m.actions[tenant] = acts
	}
	if _, ok := acts[a.ID]; ok {
		return fmt.Errorf("%w: id %s", action.ErrDuplicate, a.ID)
	}
	keys := m.byKey[tenant]
	if keys == nil {
		keys = make(map[string]string)
		m.byKey[tenant] = keys
	}
	if dedupeKey != "" {
		if existing, ok := keys[dedupeKey]; ok {
			return fmt.Errorf("%w: key %s (held by %s)", action.ErrDuplicate, dedupeKey, existing)
		}
		keys[dedupeKey] = a.ID
	}

	clone := *a
	acts[a.ID] = &clone
	return nil
}

func (m *MemoryAdapter) GetAction(_ context.Context, tenant action.TenantID, id string) (*action.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[tenant][id]
	if !ok {
		return nil, fmt.Errorf("%w: action %s", action.ErrNotFound, id)
	}
	clone := *a
	return &clone, nil
}

func (m *MemoryAdapter) GetActionByKey(ctx context.Context, tenant action.TenantID, dedupeKey string) (*action.Action, error) {
	m.mu.RLock()
	id, ok := m.byKey[tenant][dedupeKey]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s", action.ErrNotFound, dedupeKey)
	}
	return m.GetAction(ctx, tenant, id)
}

func (m *MemoryAdapter) ListActions(_ context.Context, tenant action.TenantID, opts ListOptions) ([]*action.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*action.Action
	for _, a := range m.actions[tenant] {
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, a.Type) {
			continue
		}
		if opts.Subject != "" && a.Subject != opts.Subject {
			continue
		}
		if opts.ParentID != "" && a.ParentID != opts.ParentID {
			continue
		}
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, a.Status) {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	slices.SortFunc(out, func(x, y *action.Action) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) UpdateStatus(_ context.Context, tenant action.TenantID, id string, to action.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[tenant][id]
	if !ok {
		return fmt.Errorf("%w: action %s", action.ErrNotFound, id)
	}
	next, err := action.Transition(a.Status, to)
	if err != nil {
		return err
	}
	a.Status = next
	return nil
}

func (m *MemoryAdapter) PatchX(_ context.Context, tenant action.TenantID, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[tenant][id]
	if !ok {
		return fmt.Errorf("%w: action %s", action.ErrNotFound, id)
	}
	merged, err := mergeX(a.X, patch)
	if err != nil {
		return err
	}
	a.X = merged
	return nil
}

func (m *MemoryAdapter) StoreToken(_ context.Context, tenant action.TenantID, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	toks := m.tokens[tenant]
	if toks == nil {
		toks = make(map[string]string)
		m.tokens[tenant] = toks
	}
	toks[id] = token
	return nil
}

func (m *MemoryAdapter) GetToken(_ context.Context, tenant action.TenantID, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[tenant][id]
	if !ok {
		return "", fmt.Errorf("%w: token for %s", action.ErrNotFound, id)
	}
	return tok, nil
}

func (m *MemoryAdapter) ReadProfile(_ context.Context, tenant action.TenantID, idTag string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profs[tenant][idTag]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", action.ErrNotFound, idTag)
	}
	clone := *p
	return &clone, nil
}

func (m *MemoryAdapter) UpdateProfile(_ context.Context, tenant action.TenantID, idTag string, patch ProfilePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profs := m.profs[tenant]
	if profs == nil {
		profs = make(map[string]*Profile)
		m.profs[tenant] = profs
	}
	p, ok := profs[idTag]
	if !ok {
		p = &Profile{IDTag: idTag}
		profs[idTag] = p
	}
	if patch.Following != nil {
		p.Following = *patch.Following
	}
	if patch.Follower != nil {
		p.Follower = *patch.Follower
	}
	if patch.Connected != nil {
		p.Connected = *patch.Connected
	}
	if patch.ConnectionPending != nil {
		p.ConnectionPending = *patch.ConnectionPending
	}
	return nil
}

func (m *MemoryAdapter) ListFollowerTags(_ context.Context, tenant action.TenantID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tags []string
	for _, p := range m.profs[tenant] {
		if p.Follower {
			tags = append(tags, p.IDTag)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

func (m *MemoryAdapter) ReadTenantTag(_ context.Context, tenant action.TenantID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tag, ok := m.tenants[tenant]
	if !ok {
		return "", fmt.Errorf("%w: tenant %d", action.ErrNotFound, tenant)
	}
	return tag, nil
}

// mergeX shallow-merges patch into the stored x document. Null patch
// values delete the key.
func mergeX(existing json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	doc := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, fmt.Errorf("meta: corrupt x metadata: %w", err)
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return json.Marshal(doc)
}
