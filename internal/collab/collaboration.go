// Package collab groups a root interaction and its delegated descendants
// under one collaboration and manages their loaded/unloaded lifecycle.
package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/interaction"
)

// Collaboration types understood by the registry summary.
const (
	TypeProject  = "project"
	TypeWorkflow = "workflow"
	TypeResearch = "research"
)

// Collaboration owns the identity and ordering of its member interactions.
// The loaded map is a cache: eviction is always safe because interactions
// can be reloaded from the persistence collaborator.
type Collaboration struct {
	ID        string
	Title     string
	Type      string
	CreatedAt time.Time
	UpdatedAt time.Time

	// interactionIDs preserves insertion order and is deduplicated.
	interactionIDs []string
	members        map[string]struct{}

	LastInteractionID string
	TotalUsage        core.TokenUsage

	loaded map[string]*interaction.Interaction

	mu sync.RWMutex
}

// NewCollaboration creates an empty collaboration of the given type.
func NewCollaboration(title, collabType string) *Collaboration {
	now := time.Now()
	return &Collaboration{
		ID:        uuid.NewString(),
		Title:     title,
		Type:      collabType,
		CreatedAt: now,
		UpdatedAt: now,
		members:   make(map[string]struct{}),
		loaded:    make(map[string]*interaction.Interaction),
	}
}

// SetTitle updates the collaboration title if none is set yet.
func (c *Collaboration) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Title == "" {
		c.Title = title
		c.UpdatedAt = time.Now()
	}
}

// GetTitle returns the collaboration title.
func (c *Collaboration) GetTitle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Title
}

// AddInteractionID records a member interaction. Duplicates are ignored;
// insertion order is preserved.
func (c *Collaboration) AddInteractionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.members[id]; ok {
		c.LastInteractionID = id
		return
	}
	c.members[id] = struct{}{}
	c.interactionIDs = append(c.interactionIDs, id)
	c.LastInteractionID = id
	c.UpdatedAt = time.Now()
}

// RemoveInteractionID removes a member and evicts it from the loaded cache.
func (c *Collaboration) RemoveInteractionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.members[id]; !ok {
		return
	}
	delete(c.members, id)
	delete(c.loaded, id)

	for idx, member := range c.interactionIDs {
		if member == id {
			c.interactionIDs = append(c.interactionIDs[:idx], c.interactionIDs[idx+1:]...)
			break
		}
	}
	if c.LastInteractionID == id {
		c.LastInteractionID = ""
		if n := len(c.interactionIDs); n > 0 {
			c.LastInteractionID = c.interactionIDs[n-1]
		}
	}
	c.UpdatedAt = time.Now()
}

// InteractionIDs returns the member ids in insertion order.
func (c *Collaboration) InteractionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.interactionIDs))
	copy(ids, c.interactionIDs)
	return ids
}

// TotalInteractions equals the length of the member-id list.
func (c *Collaboration) TotalInteractions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.interactionIDs)
}

// CacheInteraction stores a loaded interaction and registers its id.
func (c *Collaboration) CacheInteraction(inter *interaction.Interaction) {
	c.AddInteractionID(inter.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded[inter.ID] = inter
}

// LoadedInteraction returns a cached interaction, if loaded.
func (c *Collaboration) LoadedInteraction(id string) (*interaction.Interaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inter, ok := c.loaded[id]
	return inter, ok
}

// LoadedCount returns the number of interactions currently in memory.
func (c *Collaboration) LoadedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.loaded)
}

// EvictAll drops every loaded interaction from memory. Member identity is
// unaffected.
func (c *Collaboration) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = make(map[string]*interaction.Interaction)
}

// AccumulateUsage rolls token usage into the collaboration aggregate.
func (c *Collaboration) AccumulateUsage(usage core.TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TotalUsage.Add(usage)
	c.UpdatedAt = time.Now()
}

// GetTotalUsage returns the aggregate token usage.
func (c *Collaboration) GetTotalUsage() core.TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TotalUsage
}
