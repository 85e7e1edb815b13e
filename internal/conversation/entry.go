// Package conversation holds the append-only conversation manager
// owned by a session actor: entries, content blocks, and the leaf
// pointer identifying the head of the active branch.
package conversation

import (
	"sync"
	"time"
)

// EntryType discriminates a ConversationEntry.
type EntryType string

const (
	EntryMessage    EntryType = "message"
	EntryToolCall   EntryType = "tool_call"
	EntryToolResult EntryType = "tool_result"
	EntrySystem     EntryType = "system_event"
)

// Role is the author of a message entry.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// Trust tags a tool_result entry for the untrusted content boundary.
type Trust string

const (
	TrustTrusted   Trust = "trusted"
	TrustUntrusted Trust = "untrusted"
)

// BlockType discriminates a ContentBlock.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
	BlockImage    BlockType = "image"
)

// ContentBlock is one ordered piece of an entry's content.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text carries the block's text when Type == BlockText.
	Text string `json:"text,omitempty"`

	// ToolCallID/ToolName/ToolInput carry a tool-call reference when
	// Type == BlockToolCall.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`

	// ImageURL carries an image reference when Type == BlockImage.
	ImageURL string `json:"image_url,omitempty"`
}

// Entry is one append-only conversation entry.
type Entry struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id,omitempty"`
	Type     EntryType `json:"type"`
	Role     Role      `json:"role,omitempty"`
	Content  []ContentBlock `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Trust    Trust          `json:"trust,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Content = append([]ContentBlock(nil), e.Content...)
	if e.Metadata != nil {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		c.Metadata = m
	}
	return &c
}

// Manager is the append-only conversation log owned by one session.
// Entries form a single active branch; LeafID always identifies the
// most recently appended entry.
type Manager struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	leafID  string
}

// NewManager creates an empty conversation manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*Entry)}
}

// Append adds an entry to the log, setting its ParentID to the
// current leaf and advancing the leaf pointer. If entry.ID is empty
// the caller is expected to have already assigned one; Append does
// not generate IDs itself (the session actor controls ID policy).
func (m *Manager) Append(entry *Entry) {
	if entry == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ParentID = m.leafID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.entries = append(m.entries, entry)
	m.byID[entry.ID] = entry
	m.leafID = entry.ID
}

// LeafID returns the current leaf entry ID.
func (m *Manager) LeafID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leafID
}

// Entries returns a copy of the full append-only log in order.
func (m *Manager) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.clone()
	}
	return out
}

// Count returns the number of entries, used by overflow-recovery
// signatures (entry_count).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns a copy of the entry with the given ID.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Replace swaps the entire log for a compacted set of entries (used
// after successful overflow recovery). The leaf becomes the last
// entry in the provided slice, or empty if the slice is empty.
func (m *Manager) Replace(entries []*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make([]*Entry, len(entries))
	m.byID = make(map[string]*Entry, len(entries))
	for i, e := range entries {
		clone := e.clone()
		m.entries[i] = clone
		m.byID[clone.ID] = clone
	}
	if len(m.entries) > 0 {
		m.leafID = m.entries[len(m.entries)-1].ID
	} else {
		m.leafID = ""
	}
}
