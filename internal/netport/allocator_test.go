package netport

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

// rangeBase is high enough to be clear of common dev servers.
const rangeBase = 42730

func TestNewAllocatorValidation(t *testing.T) {
	if _, err := NewAllocator(0, 100); err == nil {
		t.Error("expected error for zero low bound")
	}
	if _, err := NewAllocator(9000, 9000); err == nil {
		t.Error("expected error for empty range")
	}
	if _, err := NewAllocator(9000, 8000); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestAllocateSkipsTakenPorts(t *testing.T) {
	a, err := NewAllocator(rangeBase, rangeBase+10)
	if err != nil {
		t.Fatal(err)
	}
	taken := map[int]bool{rangeBase: true, rangeBase + 1: true}
	port, err := a.Allocate(taken)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != rangeBase+2 {
		t.Errorf("expected %d, got %d", rangeBase+2, port)
	}
}

func TestAllocateSkipsBoundPorts(t *testing.T) {
	a, err := NewAllocator(rangeBase+20, rangeBase+30)
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", rangeBase+20))
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer l.Close()

	port, err := a.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port == rangeBase+20 {
		t.Error("allocator returned a bound port")
	}
}

func TestAllocateCursorAdvances(t *testing.T) {
	a, err := NewAllocator(rangeBase+40, rangeBase+50)
	if err != nil {
		t.Fatal(err)
	}
	first, err := a.Allocate(nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Allocate(nil)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Errorf("consecutive allocations returned the same port %d", first)
	}
}

func TestAllocateUniqueAcrossFleet(t *testing.T) {
	a, err := NewAllocator(rangeBase+60, rangeBase+80)
	if err != nil {
		t.Fatal(err)
	}
	taken := map[int]bool{}
	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		port, err := a.Allocate(taken)
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
		taken[port] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := NewAllocator(rangeBase+90, rangeBase+92)
	if err != nil {
		t.Fatal(err)
	}
	taken := map[int]bool{rangeBase + 90: true, rangeBase + 91: true}
	if _, err := a.Allocate(taken); !errors.Is(err, ErrNoPortsAvailable) {
		t.Errorf("expected ErrNoPortsAvailable, got %v", err)
	}
}

func TestAvailableReflectsBind(t *testing.T) {
	port := rangeBase + 95
	if !Available(port) {
		t.Skipf("port %d busy in test environment", port)
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if Available(port) {
		t.Error("Available returned true for a bound port")
	}
}
