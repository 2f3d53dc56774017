// Package state holds the live host state that target scripts change
// through relayed callbacks, and its persistence.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/szaher/designs/envsandbox/internal/protocol"
)

// Node is the host-side view of one mission node.
type Node struct {
	Blocked       bool               `json:"blocked"`
	Open          bool               `json:"open"`
	SuccessChance float64            `json:"successChance"`
	ProcessTime   float64            `json:"processTime"`
	ResourceCost  map[string]float64 `json:"resourceCost,omitempty"`
	Files         []string           `json:"files,omitempty"`
}

// Snapshot is a point-in-time copy of a Mission.
type Snapshot struct {
	Outputs []string           `json:"outputs"`
	Nodes   map[string]Node    `json:"nodes"`
	Pools   map[string]float64 `json:"pools"`
}

// Mission is the live state callbacks are applied to. It is safe for
// concurrent use.
type Mission struct {
	mu      sync.Mutex
	outputs []string
	nodes   map[string]*Node
	pools   map[string]float64
}

// NewMission returns an empty mission.
func NewMission() *Mission {
	return &Mission{nodes: map[string]*Node{}, pools: map[string]float64{}}
}

// FromSnapshot returns a mission holding a copy of s.
func FromSnapshot(s Snapshot) *Mission {
	m := NewMission()
	m.outputs = append(m.outputs, s.Outputs...)
	for id, n := range s.Nodes {
		c := n.clone()
		m.nodes[id] = &c
	}
	for k, v := range s.Pools {
		m.pools[k] = v
	}
	return m
}

// ErrUnsupportedCommand is returned for a command Apply does not know.
type ErrUnsupportedCommand struct {
	Command protocol.Command
}

func (e *ErrUnsupportedCommand) Error() string {
	return fmt.Sprintf("unsupported command %T", e.Command)
}

// Handle decodes a relayed callback and applies it.
func (m *Mission) Handle(ctx context.Context, cb protocol.Callback) error {
	cmd, err := protocol.DecodeCommand(cb)
	if err != nil {
		return err
	}
	return m.Apply(ctx, cmd)
}

// Apply changes the mission according to cmd. Repeating a command that
// sets a flag is not an error.
func (m *Mission) Apply(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch c := cmd.(type) {
	case protocol.SendOutput:
		m.outputs = append(m.outputs, c.Text)
	case protocol.BlockNode:
		m.node(c.NodeID).Blocked = true
	case protocol.UnblockNode:
		m.node(c.NodeID).Blocked = false
	case protocol.OpenNode:
		m.node(c.NodeID).Open = true
	case protocol.CloseNode:
		m.node(c.NodeID).Open = false
	case protocol.ModifySuccessChance:
		m.node(c.NodeID).SuccessChance += c.Delta
	case protocol.ModifyProcessTime:
		m.node(c.NodeID).ProcessTime += c.Delta
	case protocol.ModifyResourceCost:
		n := m.node(c.NodeID)
		if n.ResourceCost == nil {
			n.ResourceCost = map[string]float64{}
		}
		n.ResourceCost[c.Resource] += c.Delta
	case protocol.ModifyResourcePool:
		m.pools[c.Resource] += c.Delta
	case protocol.GrantFileAccess:
		n := m.node(c.NodeID)
		i := sort.SearchStrings(n.Files, c.FileID)
		if i == len(n.Files) || n.Files[i] != c.FileID {
			n.Files = append(n.Files, "")
			copy(n.Files[i+1:], n.Files[i:])
			n.Files[i] = c.FileID
		}
	case protocol.RevokeFileAccess:
		n := m.node(c.NodeID)
		i := sort.SearchStrings(n.Files, c.FileID)
		if i < len(n.Files) && n.Files[i] == c.FileID {
			n.Files = append(n.Files[:i], n.Files[i+1:]...)
		}
	default:
		return &ErrUnsupportedCommand{Command: cmd}
	}
	return nil
}

func (m *Mission) node(id string) *Node {
	n, ok := m.nodes[id]
	if !ok {
		n = &Node{}
		m.nodes[id] = n
	}
	return n
}

// Snapshot returns a deep copy of the current state.
func (m *Mission) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Outputs: append([]string{}, m.outputs...),
		Nodes:   make(map[string]Node, len(m.nodes)),
		Pools:   make(map[string]float64, len(m.pools)),
	}
	for id, n := range m.nodes {
		s.Nodes[id] = n.clone()
	}
	for k, v := range m.pools {
		s.Pools[k] = v
	}
	return s
}

func (n Node) clone() Node {
	c := n
	if n.ResourceCost != nil {
		c.ResourceCost = make(map[string]float64, len(n.ResourceCost))
		for k, v := range n.ResourceCost {
			c.ResourceCost[k] = v
		}
	}
	c.Files = append([]string(nil), n.Files...)
	return c
}

// Backend is the interface for state persistence.
type Backend interface {
	// Load reads the last saved snapshot. A backend with nothing saved
	// returns an empty snapshot.
	Load() (Snapshot, error)

	// Save replaces the saved snapshot.
	Save(s Snapshot) error
}
