package registry

import (
	"errors"
	"sync"
	"testing"
)

type fakeBackend struct {
	types    map[string]*ResourceType
	claims   map[string]*Resource
	counters map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		types:    DefaultResourceTypes(),
		claims:   make(map[string]*Resource),
		counters: make(map[string]int),
	}
}

func (f *fakeBackend) Types() map[string]*ResourceType { return f.types }
func (f *fakeBackend) Claims() map[string]*Resource     { return f.claims }
func (f *fakeBackend) Counters() map[string]int         { return f.counters }
func (f *fakeBackend) Persist() error                   { return nil }

func newTestRegistry() (*Registry, *fakeBackend) {
	b := newFakeBackend()
	r := New(b, &sync.Mutex{})
	// Deterministic, side-effect-free checker for tests: value is
	// "available" unless already claimed in this backend.
	r.checker = func(rt *ResourceType, value string) bool {
		for _, res := range b.claims {
			if res.Type == rt.Name && res.Value == value {
				return false
			}
		}
		return true
	}
	return r, b
}

func TestAllocateUnknownType(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Allocate("nope", ""); !errors.Is(err, ErrUnknownResourceType) {
		t.Fatalf("expected ErrUnknownResourceType, got %v", err)
	}
}

func TestAllocateCounterSequential(t *testing.T) {
	r, _ := newTestRegistry()
	v1, err := r.Allocate("tcpport", "")
	if err != nil || v1 != "3000" {
		t.Fatalf("expected 3000, got %q err=%v", v1, err)
	}
	r.Claim("tcpport", v1, "web1")

	v2, err := r.Allocate("tcpport", "")
	if err != nil || v2 != "3001" {
		t.Fatalf("expected 3001, got %q err=%v", v2, err)
	}
}

func TestReleaseDoesNotRewindCursor(t *testing.T) {
	r, _ := newTestRegistry()
	v1, _ := r.Allocate("tcpport", "")
	r.Claim("tcpport", v1, "web1")
	v2, _ := r.Allocate("tcpport", "")
	r.Claim("tcpport", v2, "web2")

	r.ReleaseAll("web1") // frees 3000

	v3, err := r.Allocate("tcpport", "")
	if err != nil || v3 != "3002" {
		t.Fatalf("expected cursor to not rewind, want 3002 got %q err=%v", v3, err)
	}
	r.Claim("tcpport", v3, "web3")

	// Explicit request for the now-free 3000 should still succeed.
	v4, err := r.Allocate("tcpport", "3000")
	if err != nil || v4 != "3000" {
		t.Fatalf("expected explicit reuse of freed value 3000, got %q err=%v", v4, err)
	}
}

func TestAllocateExplicitNonCounterRequiresValue(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Allocate("dbfile", ""); !errors.Is(err, ErrExplicitValueRequired) {
		t.Fatalf("expected ErrExplicitValueRequired, got %v", err)
	}
}

func TestAllocateNoCheckAlwaysAvailable(t *testing.T) {
	r, _ := newTestRegistry()
	v, err := r.Allocate("datadir", "/tmp/x")
	if err != nil || v != "/tmp/x" {
		t.Fatalf("expected /tmp/x, got %q err=%v", v, err)
	}
}

func TestRangeExhaustion(t *testing.T) {
	r, b := newTestRegistry()
	b.types["slot"] = &ResourceType{Name: "slot", Counter: true, Start: 1, End: 2}

	v1, err := r.Allocate("slot", "")
	if err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	r.Claim("slot", v1, "a")

	v2, err := r.Allocate("slot", "")
	if err != nil {
		t.Fatalf("second allocation failed: %v", err)
	}
	r.Claim("slot", v2, "b")

	if _, err := r.Allocate("slot", ""); !errors.Is(err, ErrNoAvailable) {
		t.Fatalf("expected ErrNoAvailable on third allocation, got %v", err)
	}

	if len(b.claims) != 2 {
		t.Fatalf("expected no stray claim after exhaustion, got %d claims", len(b.claims))
	}
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	r.ReleaseAll("nobody") // must not panic on an owner with no claims
	v, _ := r.Allocate("tcpport", "")
	r.Claim("tcpport", v, "web1")
	r.ReleaseAll("web1")
	r.ReleaseAll("web1") // second release is a no-op
}

func TestCheckReflectsClaims(t *testing.T) {
	r, _ := newTestRegistry()
	ok, err := r.Check("tcpport", "3000")
	if err != nil || !ok {
		t.Fatalf("expected 3000 available before claim, got %v err=%v", ok, err)
	}
	r.Claim("tcpport", "3000", "web1")
	ok, err = r.Check("tcpport", "3000")
	if err != nil || ok {
		t.Fatalf("expected 3000 unavailable after claim, got %v err=%v", ok, err)
	}
}
