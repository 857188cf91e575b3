//go:build !windows

package signals

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

// raise delivers sig to the test process itself.
func raise(t *testing.T, sig syscall.Signal) {
	t.Helper()
	if err := syscall.Kill(os.Getpid(), sig); err != nil {
		t.Fatalf("raise %v: %v", sig, err)
	}
}

func TestRegisteredCallbackReceivesSignal(t *testing.T) {
	got := make(chan os.Signal, 1)
	reg := RegisterOnTerminate(func(sig os.Signal) {
		select {
		case got <- sig:
		default:
		}
	})
	defer reg.Deregister()

	raise(t, syscall.SIGTERM)

	select {
	case sig := <-got:
		if sig != syscall.SIGTERM {
			t.Fatalf("signal = %v, want SIGTERM", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 1)

	first := RegisterOnTerminate(func(os.Signal) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	defer first.Deregister()
	second := RegisterOnTerminate(func(os.Signal) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	defer second.Deregister()

	raise(t, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestDeregisteredCallbackStopsFiring(t *testing.T) {
	fired := make(chan string, 4)

	// The guard keeps the registry non-empty so the raise below cannot fall
	// through to the default disposition and kill the test binary.
	guard := RegisterOnTerminate(func(os.Signal) {
		select {
		case fired <- "guard":
		default:
		}
	})
	defer guard.Deregister()

	victim := RegisterOnTerminate(func(os.Signal) { fired <- "victim" })
	victim.Deregister()
	victim.Deregister()

	raise(t, syscall.SIGTERM)

	select {
	case name := <-fired:
		if name != "guard" {
			t.Fatalf("callback %q ran after deregistration", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("guard callback never ran")
	}
	select {
	case name := <-fired:
		t.Fatalf("unexpected extra callback %q", name)
	case <-time.After(100 * time.Millisecond):
	}
}
