package collab

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/logger"
	"github.com/codefionn/dirigent/internal/store"
)

// Summary is a storage-free view of the registry.
type Summary struct {
	CountsByType      map[string]int `json:"counts_by_type"`
	TotalInteractions int            `json:"total_interactions"`
	TotalLoaded       int            `json:"total_loaded"`
}

// Registry tracks all collaborations of one process and mediates
// interaction loading. Concurrent get-or-create calls for the same
// interaction collapse into a single creation; later callers share the
// in-flight result.
type Registry struct {
	mu      sync.RWMutex
	collabs map[string]*Collaboration

	store  store.Store
	flight singleflight.Group

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	log *logger.Logger
}

// NewRegistry creates an empty registry over a persistence collaborator.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		collabs: make(map[string]*Collaboration),
		store:   st,
		locks:   make(map[string]*sync.Mutex),
		log:     logger.Global().WithPrefix("registry"),
	}
}

// CreateCollaboration creates and registers a new collaboration.
func (r *Registry) CreateCollaboration(title, collabType string) *Collaboration {
	collab := NewCollaboration(title, collabType)
	r.mu.Lock()
	r.collabs[collab.ID] = collab
	r.mu.Unlock()
	r.log.Debug("Created collaboration %s (%s)", collab.ID, collabType)
	return collab
}

// Add registers an existing collaboration.
func (r *Registry) Add(collab *Collaboration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collabs[collab.ID] = collab
}

// Remove drops a collaboration and evicts its loaded interactions.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	collab, ok := r.collabs[id]
	delete(r.collabs, id)
	r.mu.Unlock()

	if ok {
		collab.EvictAll()
	}
}

// Get looks up a collaboration; absence is a value, not an error.
func (r *Registry) Get(id string) (*Collaboration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	collab, ok := r.collabs[id]
	return collab, ok
}

// GetStrict looks up a collaboration and fails with NOT_FOUND when absent.
func (r *Registry) GetStrict(id string) (*Collaboration, error) {
	collab, ok := r.Get(id)
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "collaboration %s not found", id)
	}
	return collab, nil
}

// GetOrCreateInteraction returns the loaded interaction with the given id,
// loading it from storage or creating it when it does not exist yet.
// Concurrent calls for the same unseen id collapse into one creation.
func (r *Registry) GetOrCreateInteraction(ctx context.Context, collabID, interactionID, parentID string) (*interaction.Interaction, error) {
	collab, err := r.GetStrict(collabID)
	if err != nil {
		return nil, err
	}

	if interactionID == "" {
		interactionID = interaction.GenerateID()
	}
	if inter, ok := collab.LoadedInteraction(interactionID); ok {
		return inter, nil
	}

	key := collabID + "/" + interactionID
	result, err, _ := r.flight.Do(key, func() (interface{}, error) {
		// Another caller may have finished loading while we queued.
		if inter, ok := collab.LoadedInteraction(interactionID); ok {
			return inter, nil
		}

		inter, err := r.store.LoadInteraction(ctx, interactionID)
		if err != nil {
			return nil, err
		}
		if inter == nil {
			inter = interaction.New(interactionID, collabID, parentID)
			r.log.Debug("Created interaction %s in collaboration %s", interactionID, collabID)
		} else {
			r.log.Debug("Loaded interaction %s from storage", interactionID)
		}

		collab.CacheInteraction(inter)
		return inter, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*interaction.Interaction), nil
}

// LoadInteraction returns a loaded or stored interaction; (nil, nil) when
// it does not exist anywhere.
func (r *Registry) LoadInteraction(ctx context.Context, collabID, interactionID string) (*interaction.Interaction, error) {
	collab, err := r.GetStrict(collabID)
	if err != nil {
		return nil, err
	}
	if inter, ok := collab.LoadedInteraction(interactionID); ok {
		return inter, nil
	}

	inter, err := r.store.LoadInteraction(ctx, interactionID)
	if err != nil || inter == nil {
		return nil, err
	}
	collab.CacheInteraction(inter)
	return inter, nil
}

// DeleteInteraction removes an interaction from storage and from its
// collaboration.
func (r *Registry) DeleteInteraction(ctx context.Context, collabID, interactionID string) error {
	collab, err := r.GetStrict(collabID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteInteraction(ctx, interactionID); err != nil {
		return err
	}
	collab.RemoveInteractionID(interactionID)
	return nil
}

// EvictAll drops every loaded interaction in every collaboration.
func (r *Registry) EvictAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, collab := range r.collabs {
		collab.EvictAll()
	}
}

// Summarize computes registry statistics without touching storage.
func (r *Registry) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := Summary{CountsByType: make(map[string]int)}
	for _, collab := range r.collabs {
		summary.CountsByType[collab.Type]++
		summary.TotalInteractions += collab.TotalInteractions()
		summary.TotalLoaded += collab.LoadedCount()
	}
	return summary
}

// LockInteraction acquires the per-interaction write lock, serializing
// turn loops on the same interaction. The returned func releases it.
func (r *Registry) LockInteraction(id string) func() {
	r.lockMu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}
