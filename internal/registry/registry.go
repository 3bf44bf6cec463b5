// Package registry implements the Resource Registry: typed named
// resources with availability checks and monotonic counters. It
// mediates claims and releases and enforces uniqueness per (type,value).
package registry

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrUnknownResourceType  = errors.New("unknown resource type")
	ErrExplicitValueRequired = errors.New("resource type requires explicit value")
	ErrNoAvailable          = errors.New("no available value in range")
	ErrNotAvailable         = errors.New("resource not available")
)

// ResourceType is the schema for a named resource class.
type ResourceType struct {
	Name    string `json:"name"`
	Check   string `json:"check"`
	Counter bool   `json:"counter"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Resource is one live (type,value) ownership record.
type Resource struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Owner string `json:"owner"`
}

// DefaultResourceTypes returns the built-in resource types, seeded on
// first start if the store has none.
func DefaultResourceTypes() map[string]*ResourceType {
	return map[string]*ResourceType{
		"tcpport": {
			Name: "tcpport", Check: "nc -z localhost ${value}",
			Counter: true, Start: 3000, End: 9999,
		},
		"vncport": {
			Name: "vncport", Check: "nc -z localhost ${value}",
			Counter: true, Start: 5900, End: 5999,
		},
		"serialport": {
			Name: "serialport", Check: "nc -z localhost ${value}",
			Counter: true, Start: 9600, End: 9699,
		},
		"dbfile": {
			Name: "dbfile", Check: "test -f ${value}",
		},
		"socket": {
			Name: "socket", Check: "test -S ${value}",
		},
		"datadir": {
			Name: "datadir",
		},
		"workdir": {
			Name: "workdir",
		},
	}
}

// Backend is the persistence side the Registry mutates: the types,
// live claims, and counter cursors. The Durable State Store implements
// this; tests may supply an in-memory stub.
type Backend interface {
	Types() map[string]*ResourceType
	Claims() map[string]*Resource // keyed "type:value"
	Counters() map[string]int
	Persist() error
}

// Registry mediates allocation, claiming, and release of resources
// against a Backend, all under a single mutex (spec §5's coarse
// granularity for the whole state document).
type Registry struct {
	mu      *sync.Mutex
	backend Backend
	checker func(rt *ResourceType, value string) bool
}

// New constructs a Registry over backend, sharing mu with whatever else
// guards the same document (typically the state store's own mutex).
func New(backend Backend, mu *sync.Mutex) *Registry {
	return &Registry{mu: mu, backend: backend, checker: shellCheck}
}

// shellCheck runs rt.Check with ${value} substituted and inverts the
// exit code: non-zero exit means available, zero exit means in use.
// An empty check command means always available.
func shellCheck(rt *ResourceType, value string) bool {
	if rt.Check == "" {
		return true
	}
	cmd := strings.ReplaceAll(rt.Check, "${value}", value)
	err := exec.Command("/bin/sh", "-c", cmd).Run()
	return err != nil
}

func claimKey(rtype, value string) string {
	return rtype + ":" + value
}

// Allocate resolves a value for rtype, either honoring requestedValue
// or, for counter types with an empty request, scanning the range
// starting at max(cursor, start). It does not claim the value; callers
// must call Claim on success. The check itself runs outside the
// registry's mutex so a slow check does not stall unrelated operations;
// the cursor advance happens under the mutex to keep P1 (uniqueness)
// intact even under concurrent allocation of the same type.
func (r *Registry) Allocate(rtype, requestedValue string) (string, error) {
	r.mu.Lock()
	rt := r.backend.Types()[rtype]
	if rt == nil {
		r.mu.Unlock()
		return "", fmt.Errorf("%s: %w", rtype, ErrUnknownResourceType)
	}
	r.mu.Unlock()

	if rt.Counter && requestedValue == "" {
		return r.allocateCounter(rt)
	}

	if requestedValue == "" {
		return "", fmt.Errorf("%s: %w", rtype, ErrExplicitValueRequired)
	}
	if !r.checker(rt, requestedValue) {
		return "", fmt.Errorf("%s %s: %w", rtype, requestedValue, ErrNotAvailable)
	}
	return requestedValue, nil
}

func (r *Registry) allocateCounter(rt *ResourceType) (string, error) {
	for {
		r.mu.Lock()
		current := r.backend.Counters()[rt.Name]
		if current < rt.Start {
			current = rt.Start
		}
		r.mu.Unlock()

		for v := current; v <= rt.End; v++ {
			value := strconv.Itoa(v)
			if !r.checker(rt, value) {
				continue
			}
			r.mu.Lock()
			// Re-check the cursor: another goroutine may have advanced
			// past v while our check ran outside the lock.
			latest := r.backend.Counters()[rt.Name]
			if latest > v {
				r.mu.Unlock()
				break // rescan from the new cursor
			}
			r.backend.Counters()[rt.Name] = v + 1
			r.mu.Unlock()
			return value, nil
		}
		if current > rt.End {
			return "", fmt.Errorf("%s: %w in range %d-%d", rt.Name, ErrNoAvailable, rt.Start, rt.End)
		}
		// Exhausted this pass without success and cursor never advanced:
		// range is genuinely full.
		r.mu.Lock()
		latest := r.backend.Counters()[rt.Name]
		r.mu.Unlock()
		if latest <= current {
			return "", fmt.Errorf("%s: %w in range %d-%d", rt.Name, ErrNoAvailable, rt.Start, rt.End)
		}
	}
}

// Claim records value as owned by owner. Overwrites any prior claim
// with the same (type,value) key, which should not happen if Allocate
// was used correctly.
func (r *Registry) Claim(rtype, value, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend.Claims()[claimKey(rtype, value)] = &Resource{Type: rtype, Value: value, Owner: owner}
}

// ReleaseAll removes every claim owned by owner. Idempotent; does not
// touch counter cursors (I3).
func (r *Registry) ReleaseAll(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claims := r.backend.Claims()
	for k, res := range claims {
		if res.Owner == owner {
			delete(claims, k)
		}
	}
}

// Check reports whether value of type rtype currently passes its
// availability check, without allocating or claiming anything. Used by
// Restart's re-verification (spec §4.3.3).
func (r *Registry) Check(rtype, value string) (bool, error) {
	r.mu.Lock()
	rt := r.backend.Types()[rtype]
	r.mu.Unlock()
	if rt == nil {
		return false, fmt.Errorf("%s: %w", rtype, ErrUnknownResourceType)
	}
	return r.checker(rt, value), nil
}

// AddType registers or replaces a resource type definition.
func (r *Registry) AddType(rt *ResourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend.Types()[rt.Name] = rt
}
