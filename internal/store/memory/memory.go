// Package memory provides a store.Driver that keeps auctions and their event
// streams in process memory. It is meant for local runs and tests; nothing
// survives a restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db := New(clk)
	return &store.Repositories{
		Auctions: db,
		Events:   db,
		Closer:   closerFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}, nil
}

// DB implements both store.AuctionRepository and event.Store. Auction
// records and events share one lock so Create is atomic.
type DB struct {
	mu       sync.RWMutex
	auctions map[string]store.Auction
	codes    map[string]string // code -> auction id
	events   map[string][]event.Event
	clock    clock.Clock
}

// New returns an empty DB.
func New(clk clock.Clock) *DB {
	return &DB{
		auctions: make(map[string]store.Auction),
		codes:    make(map[string]string),
		events:   make(map[string][]event.Event),
		clock:    clk,
	}
}

func (d *DB) Create(_ context.Context, a *store.Auction, initial ...event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s already exists", a.ID)
	}
	for _, code := range a.Codes() {
		if _, taken := d.codes[code]; taken {
			return store.ErrCodeConflict
		}
	}
	if err := d.checkVersions(initial); err != nil {
		return err
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.clock.Now().UTC()
	}
	d.auctions[a.ID] = *a
	for _, code := range a.Codes() {
		d.codes[code] = a.ID
	}
	d.appendLocked(initial)
	return nil
}

func (d *DB) GetByID(_ context.Context, id string) (*store.Auction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.auctions[id]
	if !ok {
		return nil, fmt.Errorf("getting auction %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (d *DB) GetByCode(_ context.Context, code string) (*store.Auction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.codes[code]
	if !ok {
		return nil, fmt.Errorf("getting auction by code: %w", store.ErrNotFound)
	}
	a := d.auctions[id]
	return &a, nil
}

func (d *DB) CodeExists(_ context.Context, code string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.codes[code]
	return ok, nil
}

func (d *DB) List(_ context.Context) ([]store.Auction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]store.Auction, 0, len(d.auctions))
	for _, a := range d.auctions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *DB) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.auctions[id]
	if !ok {
		return fmt.Errorf("deleting auction %s: %w", id, store.ErrNotFound)
	}
	for _, code := range a.Codes() {
		delete(d.codes, code)
	}
	delete(d.auctions, id)
	delete(d.events, id)
	return nil
}

// Append rejects the whole batch when any event would duplicate an existing
// aggregate version, mirroring the unique index of the SQL schema.
func (d *DB) Append(_ context.Context, events ...event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkVersions(events); err != nil {
		return err
	}
	d.appendLocked(events)
	return nil
}

func (d *DB) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.events[aggregateID]), nil
}

func (d *DB) checkVersions(events []event.Event) error {
	seen := make(map[string]map[int]bool)
	for _, e := range events {
		for _, existing := range d.events[e.AggregateID] {
			if existing.Version == e.Version {
				return fmt.Errorf("event (aggregate=%s, version=%d) already exists", e.AggregateID, e.Version)
			}
		}
		if seen[e.AggregateID] == nil {
			seen[e.AggregateID] = make(map[int]bool)
		}
		if seen[e.AggregateID][e.Version] {
			return fmt.Errorf("duplicate version %d in batch for aggregate %s", e.Version, e.AggregateID)
		}
		seen[e.AggregateID][e.Version] = true
	}
	return nil
}

func (d *DB) appendLocked(events []event.Event) {
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = d.clock.Now().UTC()
		}
		d.events[e.AggregateID] = append(d.events[e.AggregateID], e)
	}
}
