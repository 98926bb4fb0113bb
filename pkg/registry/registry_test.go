package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazyproc/lazyproc/pkg/module"
)

// countingLoader records how many loads actually ran and can be told to
// fail or to stall until released.
type countingLoader struct {
	loads   atomic.Int64
	fail    atomic.Bool
	release chan struct{}
}

func (l *countingLoader) Load(ctx context.Context, name string) (*module.Module, error) {
	l.loads.Add(1)

	if l.release != nil {
		select {
		case <-l.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if l.fail.Load() {
		return nil, fmt.Errorf("load failed: %s", name)
	}

	return &module.Module{Name: name}, nil
}

func TestLoadSingleFlight(t *testing.T) {
	loader := &countingLoader{release: make(chan struct{})}
	reg := New(loader)

	const callers = 16

	var wg sync.WaitGroup
	mods := make([]*module.Module, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mods[i], errs[i] = reg.Load(context.Background(), "edtui_module.wasm")
		}(i)
	}

	// Let the callers pile up behind the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(loader.release)
	wg.Wait()

	if got := loader.loads.Load(); got != 1 {
		t.Fatalf("expected 1 underlying load got %d", got)
	}

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if mods[i] != mods[0] {
			t.Fatalf("caller %d observed a different module value", i)
		}
	}
}

func TestLoadCachesForever(t *testing.T) {
	loader := &countingLoader{}
	reg := New(loader)

	first, err := reg.Load(context.Background(), "sqlite_module.wasm")
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.Load(context.Background(), "sqlite_module.wasm")
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Fatal("second load returned a different module value")
	}
	if got := loader.loads.Load(); got != 1 {
		t.Fatalf("expected 1 underlying load got %d", got)
	}
	if !reg.Loaded("sqlite_module.wasm") {
		t.Fatal("Loaded should report true after a successful load")
	}
}

func TestLoadFailureRetries(t *testing.T) {
	loader := &countingLoader{}
	loader.fail.Store(true)
	reg := New(loader)

	if _, err := reg.Load(context.Background(), "tsx_engine.wasm"); err == nil {
		t.Fatal("expected the first load to fail")
	}
	if reg.Loaded("tsx_engine.wasm") {
		t.Fatal("a failed module must read as unloaded")
	}

	// The failure must not be cached.
	loader.fail.Store(false)
	if _, err := reg.Load(context.Background(), "tsx_engine.wasm"); err != nil {
		t.Fatal(err)
	}

	if got := loader.loads.Load(); got != 2 {
		t.Fatalf("expected 2 underlying loads got %d", got)
	}
}

func TestLoadSharedFailure(t *testing.T) {
	loader := &countingLoader{release: make(chan struct{})}
	loader.fail.Store(true)
	reg := New(loader)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Load(context.Background(), "edtui_module.wasm")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(loader.release)
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: expected the shared failure", i)
		}
		if err != errs[0] {
			t.Fatalf("caller %d observed a different error", i)
		}
	}
	if got := loader.loads.Load(); got != 1 {
		t.Fatalf("expected 1 underlying load got %d", got)
	}
}

func TestLoadWaiterHonorsContext(t *testing.T) {
	loader := &countingLoader{release: make(chan struct{})}
	reg := New(loader)

	go reg.Load(context.Background(), "edtui_module.wasm")
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := reg.Load(ctx, "edtui_module.wasm"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded got %v", err)
	}

	close(loader.release)
}

func TestBuiltinRoutes(t *testing.T) {
	reg := New(&countingLoader{})

	for _, command := range []string{"vim", "vi"} {
		name, ok := reg.Resolve(command)
		if !ok || name != "edtui_module.wasm" {
			t.Fatalf("%s: resolved to %q, %v", command, name, ok)
		}
		if !reg.Interactive(command) {
			t.Fatalf("%s should be interactive", command)
		}
	}

	name, ok := reg.Resolve("sqlite3")
	if !ok || name != "sqlite_module.wasm" {
		t.Fatalf("sqlite3: resolved to %q, %v", name, ok)
	}
	if reg.Interactive("sqlite3") {
		t.Fatal("sqlite3 should not be interactive")
	}

	if _, ok := reg.Resolve("nope"); ok {
		t.Fatal("unknown command resolved")
	}
}

func TestAddRouteReplaces(t *testing.T) {
	reg := New(&countingLoader{})

	reg.AddRoute("vim", Route{Module: "other.wasm"})

	name, ok := reg.Resolve("vim")
	if !ok || name != "other.wasm" {
		t.Fatalf("resolved to %q, %v", name, ok)
	}
	if reg.Interactive("vim") {
		t.Fatal("replaced route should not be interactive")
	}
}
