// Package discovery implements a three-layer discovery registry: a plain
// available/update/unavailable event registry (BasicDiscovery), a timed
// wrapper that drives periodic search/sweep (TimedDiscovery), and a
// registry that pipes sightings through an asynchronous mapper while
// discarding stale results (MappedDiscovery).
package discovery

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identifiable lets a service supply its own id; ServiceID-less values fall
// back to their string/fmt form, matching the "service.id if defined, else
// the value itself" extraction rule.
type Identifiable interface {
	ServiceID() string
}

// ExtractID derives the registry key for service.
func ExtractID(service interface{}) string {
	if idable, ok := service.(Identifiable); ok {
		return idable.ServiceID()
	}
	if s, ok := service.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", service)
}

// Handler observes BasicDiscovery's three lifecycle events.
type Handler interface {
	OnAvailable(id string, service interface{})
	OnUpdate(id string, service interface{})
	OnUnavailable(id string, service interface{})
}

// HandlerFuncs adapts plain functions to the Handler interface; a nil field
// is simply not invoked for that event.
type HandlerFuncs struct {
	Available   func(id string, service interface{})
	Update      func(id string, service interface{})
	Unavailable func(id string, service interface{})
}

func (h HandlerFuncs) OnAvailable(id string, service interface{}) {
	if h.Available != nil {
		h.Available(id, service)
	}
}

func (h HandlerFuncs) OnUpdate(id string, service interface{}) {
	if h.Update != nil {
		h.Update(id, service)
	}
}

func (h HandlerFuncs) OnUnavailable(id string, service interface{}) {
	if h.Unavailable != nil {
		h.Unavailable(id, service)
	}
}

// BasicDiscovery maintains the id -> service map and fires available/
// update/unavailable to every registered Handler.
type BasicDiscovery struct {
	mu       sync.RWMutex
	services map[string]interface{}
	handlers []Handler
}

// NewBasicDiscovery returns an empty registry.
func NewBasicDiscovery() *BasicDiscovery {
	return &BasicDiscovery{services: make(map[string]interface{})}
}

// AddHandler registers h for future events. Past sightings are not replayed.
func (b *BasicDiscovery) AddHandler(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// AddService records service under its extracted id, firing OnAvailable on
// first sighting or OnUpdate thereafter.
func (b *BasicDiscovery) AddService(service interface{}) {
	b.AddServiceWithID(ExtractID(service), service)
}

// AddServiceWithID is AddService with an id supplied explicitly, for
// callers (MappedDiscovery) whose mapped value doesn't carry its own id.
func (b *BasicDiscovery) AddServiceWithID(id string, service interface{}) {
	b.mu.Lock()
	_, existed := b.services[id]
	b.services[id] = service
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		if existed {
			h.OnUpdate(id, service)
		} else {
			h.OnAvailable(id, service)
		}
	}
}

// RemoveService evicts service by its extracted id, firing OnUnavailable if
// it was present.
func (b *BasicDiscovery) RemoveService(service interface{}) {
	b.RemoveServiceByID(ExtractID(service))
}

// RemoveServiceByID is RemoveService with an explicit id.
func (b *BasicDiscovery) RemoveServiceByID(id string) {
	b.mu.Lock()
	service, existed := b.services[id]
	delete(b.services, id)
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	if !existed {
		return
	}
	for _, h := range handlers {
		h.OnUnavailable(id, service)
	}
}

// Get returns the currently registered service for id.
func (b *BasicDiscovery) Get(id string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	service, ok := b.services[id]
	return service, ok
}

// Snapshot copies the current id -> service map.
func (b *BasicDiscovery) Snapshot() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.services))
	for id, service := range b.services {
		out[id] = service
	}
	return out
}

// Searcher is the subclass-supplied broadcast hook TimedDiscovery drives on
// a schedule — netmanager.Manager.Search satisfies it directly.
type Searcher interface {
	Search()
}

// Scheduling tunables, exported as vars (like device's timeouts) so tests
// can shrink them instead of waiting out the real schedule.
var (
	SearchInterval  = 30 * time.Second
	SweepInterval   = 60 * time.Second
	DefaultStaleAge = 60 * time.Second
)

// TimedDiscovery layers periodic search and stale-service eviction on top
// of BasicDiscovery.
type TimedDiscovery struct {
	*BasicDiscovery

	searcher     Searcher
	maxStaleTime time.Duration
	logger       *log.Logger

	mu         sync.Mutex
	timestamps map[string]time.Time
	started    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewTimedDiscovery wraps searcher with the 30s search / 60s sweep
// schedule. maxStaleTime of zero uses the 60s default.
func NewTimedDiscovery(searcher Searcher, maxStaleTime time.Duration, logger *log.Logger) *TimedDiscovery {
	if maxStaleTime <= 0 {
		maxStaleTime = DefaultStaleAge
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TimedDiscovery{
		BasicDiscovery: NewBasicDiscovery(),
		searcher:       searcher,
		maxStaleTime:   maxStaleTime,
		logger:         logger,
		timestamps:     make(map[string]time.Time),
	}
}

// AddService records the sighting and its arrival time, then delegates to
// BasicDiscovery.
func (td *TimedDiscovery) AddService(service interface{}) {
	id := ExtractID(service)
	td.mu.Lock()
	td.timestamps[id] = time.Now()
	td.mu.Unlock()
	td.BasicDiscovery.AddServiceWithID(id, service)
}

// RemoveService clears the sighting's timestamp, then delegates.
func (td *TimedDiscovery) RemoveService(service interface{}) {
	id := ExtractID(service)
	td.mu.Lock()
	delete(td.timestamps, id)
	td.mu.Unlock()
	td.BasicDiscovery.RemoveServiceByID(id)
}

// Start is idempotent: it searches once immediately, then every 30s, and
// sweeps stale services every 60s. Go's timers never keep the process
// alive on their own, so no explicit unref step is needed here.
func (td *TimedDiscovery) Start() {
	td.mu.Lock()
	if td.started {
		td.mu.Unlock()
		return
	}
	td.started = true
	td.stopCh = make(chan struct{})
	stop := td.stopCh
	td.mu.Unlock()

	td.searcher.Search()

	td.wg.Add(2)
	go td.searchLoop(stop)
	go td.sweepLoop(stop)
}

// Stop is idempotent and blocks until both background loops have exited.
func (td *TimedDiscovery) Stop() {
	td.mu.Lock()
	if !td.started {
		td.mu.Unlock()
		return
	}
	td.started = false
	close(td.stopCh)
	td.mu.Unlock()
	td.wg.Wait()
}

func (td *TimedDiscovery) searchLoop(stop chan struct{}) {
	defer td.wg.Done()
	ticker := time.NewTicker(SearchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			td.searcher.Search()
		}
	}
}

func (td *TimedDiscovery) sweepLoop(stop chan struct{}) {
	defer td.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			td.sweepStale()
		}
	}
}

func (td *TimedDiscovery) sweepStale() {
	now := time.Now()
	td.mu.Lock()
	var stale []string
	for id, seenAt := range td.timestamps {
		if now.Sub(seenAt) > td.maxStaleTime {
			stale = append(stale, id)
		}
	}
	td.mu.Unlock()

	for _, id := range stale {
		service, ok := td.Get(id)
		if !ok {
			continue
		}
		td.logger.Printf("[DEBUG] discovery: evicting stale service %s", id)
		td.RemoveService(service)
	}
}

// Mapper transforms a sighted service into the value MappedDiscovery
// republishes. A mapper that returns an error is swallowed; the parent's
// next event retries.
type Mapper func(service interface{}) (interface{}, error)

// MappedDiscovery republishes a parent BasicDiscovery's events through an
// asynchronous Mapper, discarding a mapper result that resolves after a
// fresher sighting of the same id has already started mapping.
type MappedDiscovery struct {
	*BasicDiscovery

	mapper Mapper
	logger *log.Logger

	mu       sync.Mutex
	versions map[string]int
}

// NewMappedDiscovery subscribes to parent and republishes through mapper.
func NewMappedDiscovery(parent *BasicDiscovery, mapper Mapper, logger *log.Logger) *MappedDiscovery {
	if logger == nil {
		logger = log.Default()
	}
	m := &MappedDiscovery{
		BasicDiscovery: NewBasicDiscovery(),
		mapper:         mapper,
		logger:         logger,
		versions:       make(map[string]int),
	}
	parent.AddHandler(m)
	return m
}

// OnAvailable implements Handler.
func (m *MappedDiscovery) OnAvailable(id string, service interface{}) { m.runMapper(id, service) }

// OnUpdate implements Handler.
func (m *MappedDiscovery) OnUpdate(id string, service interface{}) { m.runMapper(id, service) }

// OnUnavailable implements Handler: clears the version counter and the
// mapped record, then forwards the unavailability.
func (m *MappedDiscovery) OnUnavailable(id string, service interface{}) {
	m.mu.Lock()
	delete(m.versions, id)
	m.mu.Unlock()
	m.BasicDiscovery.RemoveServiceByID(id)
}

func (m *MappedDiscovery) runMapper(id string, service interface{}) {
	m.mu.Lock()
	m.versions[id]++
	version := m.versions[id]
	m.mu.Unlock()

	// generation is purely a log-correlation tag; staleness is decided by
	// the monotonic version counter below, not by this id.
	generation := uuid.NewString()

	go func() {
		mapped, err := m.mapper(service)
		if err != nil {
			m.logger.Printf("[DEBUG] discovery: mapper %s for %s failed: %v", generation, id, err)
			return
		}

		m.mu.Lock()
		current := m.versions[id]
		m.mu.Unlock()
		if current != version {
			m.logger.Printf("[DEBUG] discovery: mapper %s for %s discarded a stale result", generation, id)
			return
		}

		m.BasicDiscovery.AddServiceWithID(id, mapped)
	}()
}
