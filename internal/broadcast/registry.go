// Package broadcast fans events out to the connections joined to a room.
package broadcast

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Member is a joined connection. Enqueue must not block; it returns false
// when the member's queue is full.
type Member interface {
	Id() string
	Enqueue(ev *types.Event) bool
	Evict()
}

type Broadcaster interface {
	Join(roomId int, m Member)
	Leave(roomId int, m Member)
	Publish(ctx context.Context, roomId int, ev *types.Event) error
	Count(roomId int) int
}

type group struct {
	mu      sync.Mutex
	members map[string]Member
	// dead is set once the group has been removed from the registry.
	dead bool
}

// Registry is the in-process Broadcaster. Each room has its own lock, so
// traffic in one room never waits on another.
type Registry struct {
	groups sync.Map
	stats  stats.StatsProvider
	log    *log.Logger
}

var _ Broadcaster = (*Registry)(nil)

func NewRegistry(su stats.StatsProvider, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	su.RegisterMetric(stats.NumGroups)
	su.RegisterMetric(stats.NumSlowConsumerEvictions)

	return &Registry{stats: su, log: logger}
}

func (r *Registry) Join(roomId int, m Member) {
	for {
		v, loaded := r.groups.LoadOrStore(roomId, &group{members: make(map[string]Member)})
		g := v.(*group)

		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		g.members[m.Id()] = m
		g.mu.Unlock()

		if !loaded {
			r.stats.Incr(stats.NumGroups)
		}
		return
	}
}

func (r *Registry) Leave(roomId int, m Member) {
	v, ok := r.groups.Load(roomId)
	if !ok {
		return
	}
	g := v.(*group)

	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.members[m.Id()]; ok && cur == m {
		delete(g.members, m.Id())
	}
	r.dropIfEmptyLocked(roomId, g)
}

// dropIfEmptyLocked removes an empty group. g.mu must be held.
func (r *Registry) dropIfEmptyLocked(roomId int, g *group) {
	if len(g.members) > 0 || g.dead {
		return
	}
	g.dead = true
	r.groups.CompareAndDelete(roomId, g)
	r.stats.Decr(stats.NumGroups)
}

func (r *Registry) Count(roomId int) int {
	v, ok := r.groups.Load(roomId)
	if !ok {
		return 0
	}
	g := v.(*group)

	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Publish delivers ev to every member of the room, the sender included.
func (r *Registry) Publish(_ context.Context, roomId int, ev *types.Event) error {
	r.deliver(roomId, ev)
	return nil
}

// deliver returns the number of members ev was queued for. Members whose
// queue is full are removed and evicted.
func (r *Registry) deliver(roomId int, ev *types.Event) int {
	v, ok := r.groups.Load(roomId)
	if !ok {
		return 0
	}
	g := v.(*group)

	var (
		delivered int
		slow      []Member
	)

	g.mu.Lock()
	for id, m := range g.members {
		if m.Enqueue(ev) {
			delivered++
			continue
		}
		delete(g.members, id)
		slow = append(slow, m)
	}
	r.dropIfEmptyLocked(roomId, g)
	g.mu.Unlock()

	// Evict outside the lock: it leads back into Leave.
	for _, m := range slow {
		r.log.Printf("evicting slow consumer %s from room %d", m.Id(), roomId)
		r.stats.Incr(stats.NumSlowConsumerEvictions)
		m.Evict()
	}

	return delivered
}
