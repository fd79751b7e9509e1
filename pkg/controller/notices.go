package controller

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/jameshartig/emporiasync/pkg/log"
)

// Notice keys.
const (
	NoticeConfig      = "cfg"
	NoticeAuth        = "auth"
	NoticeDiscovery   = "discovery"
	NoticeTopology    = "topology"
	NoticeMaintenance = "maintenance"
)

// Notice is an operator-facing message.
type Notice struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Notices holds the current operator-facing messages by key.
type Notices struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewNotices() *Notices {
	return &Notices{m: make(map[string]string)}
}

// Set replaces the message under key.
func (n *Notices) Set(ctx context.Context, key, message string) {
	n.mu.Lock()
	prev := n.m[key]
	n.m[key] = message
	n.mu.Unlock()
	if prev != message {
		log.Ctx(ctx).WarnContext(ctx, "notice", slog.String("key", key), slog.String("message", message))
	}
}

func (n *Notices) Clear(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.m, key)
}

func (n *Notices) Get(key string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	msg, ok := n.m[key]
	return msg, ok
}

// All returns the notices ordered by key.
func (n *Notices) All() []Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notice, 0, len(n.m))
	for k, v := range n.m {
		out = append(out, Notice{Key: k, Message: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
