package registry

import (
	"errors"
	"sync"
	"testing"

	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
)

type greeter struct{ prefix string }

type closeRecorder struct {
	mu    sync.Mutex
	order []string
}

func (c *closeRecorder) record(name string) {
	c.mu.Lock()
	c.order = append(c.order, name)
	c.mu.Unlock()
}

type closableService struct {
	name     string
	recorder *closeRecorder
}

func (c *closableService) Close() error {
	c.recorder.record(c.name)
	return nil
}

func TestResolveFallsBackToRoot(t *testing.T) {
	root := NewRoot("root")
	if err := root.RegisterValue("svc.greeter", &greeter{prefix: "root"}); err != nil {
		t.Fatalf("RegisterValue: %v", err)
	}

	child := root.NewChild("module-a")
	instance, err := Get[*greeter](child, "svc.greeter")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if instance.prefix != "root" {
		t.Fatalf("unexpected instance: %+v", instance)
	}
}

func TestChildOverrideShadowsRoot(t *testing.T) {
	root := NewRoot("root")
	root.RegisterValue("svc.greeter", &greeter{prefix: "root"})

	child := root.NewChild("module-a")
	child.RegisterValue("svc.greeter", &greeter{prefix: "module"})

	fromChild, _ := Get[*greeter](child, "svc.greeter")
	if fromChild.prefix != "module" {
		t.Fatalf("child resolution = %q, want module-private override", fromChild.prefix)
	}

	// A sibling is unaffected by the override.
	sibling := root.NewChild("module-b")
	fromSibling, _ := Get[*greeter](sibling, "svc.greeter")
	if fromSibling.prefix != "root" {
		t.Fatalf("sibling resolution = %q, want root instance", fromSibling.prefix)
	}
}

func TestUnregisteredContractFails(t *testing.T) {
	root := NewRoot("root")
	_, err := root.Resolve("svc.absent")
	if err == nil {
		t.Fatal("Resolve() expected error")
	}
	var resErr *hosterrors.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error type = %T, want ResolutionError", err)
	}
	if !errors.Is(err, hosterrors.ErrContractNotRegistered) {
		t.Fatalf("error = %v, want ErrContractNotRegistered", err)
	}
}

func TestSingletonSharedPerScope(t *testing.T) {
	root := NewRoot("root")
	count := 0
	root.Register(Descriptor{
		Contract: "svc.counter",
		Lifetime: Singleton,
		Factory: func(Resolver) (interface{}, error) {
			count++
			return &greeter{}, nil
		},
	})

	a, _ := root.Resolve("svc.counter")
	b, _ := root.Resolve("svc.counter")
	if a != b {
		t.Fatal("singleton returned distinct instances")
	}
	if count != 1 {
		t.Fatalf("factory ran %d times, want 1", count)
	}

	// A module registering its own singleton gets a module-lifetime instance.
	child := root.NewChild("module-a")
	child.Register(Descriptor{
		Contract: "svc.local",
		Lifetime: Singleton,
		Factory:  func(Resolver) (interface{}, error) { return &greeter{}, nil },
	})
	x, _ := child.Resolve("svc.local")
	y, _ := child.Resolve("svc.local")
	if x != y {
		t.Fatal("module singleton returned distinct instances")
	}
}

func TestTransientFreshPerResolve(t *testing.T) {
	root := NewRoot("root")
	root.Register(Descriptor{
		Contract: "svc.transient",
		Lifetime: Transient,
		Factory:  func(Resolver) (interface{}, error) { return &greeter{}, nil },
	})

	a, _ := root.Resolve("svc.transient")
	b, _ := root.Resolve("svc.transient")
	if a == b {
		t.Fatal("transient returned the same instance twice")
	}
}

func TestScopedPerRequestScope(t *testing.T) {
	root := NewRoot("root")
	root.Register(Descriptor{
		Contract: "svc.session",
		Lifetime: Scoped,
		Factory:  func(Resolver) (interface{}, error) { return &greeter{}, nil },
	})
	module := root.NewChild("module-a")

	req1 := module.NewRequestScope()
	req2 := module.NewRequestScope()

	a1, _ := req1.Resolve("svc.session")
	a2, _ := req1.Resolve("svc.session")
	b1, _ := req2.Resolve("svc.session")

	if a1 != a2 {
		t.Fatal("scoped instance not shared within a request scope")
	}
	if a1 == b1 {
		t.Fatal("scoped instance shared across request scopes")
	}
}

func TestFactoryDependencyResolution(t *testing.T) {
	root := NewRoot("root")
	root.RegisterValue("svc.greeter", &greeter{prefix: "hello"})
	root.Register(Descriptor{
		Contract:     "svc.composite",
		Lifetime:     Singleton,
		Dependencies: []ContractID{"svc.greeter"},
		Factory: func(r Resolver) (interface{}, error) {
			g, err := Get[*greeter](r, "svc.greeter")
			if err != nil {
				return nil, err
			}
			return &greeter{prefix: g.prefix + "-composite"}, nil
		},
	})

	instance, err := Get[*greeter](root, "svc.composite")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if instance.prefix != "hello-composite" {
		t.Fatalf("composed instance = %q", instance.prefix)
	}
}

func TestConstructionCycleDetected(t *testing.T) {
	root := NewRoot("root")
	root.Register(Descriptor{
		Contract: "svc.a",
		Lifetime: Transient,
		Factory: func(r Resolver) (interface{}, error) {
			return r.Resolve("svc.b")
		},
	})
	root.Register(Descriptor{
		Contract: "svc.b",
		Lifetime: Transient,
		Factory: func(r Resolver) (interface{}, error) {
			return r.Resolve("svc.a")
		},
	})

	_, err := root.Resolve("svc.a")
	if !errors.Is(err, hosterrors.ErrConstructionCycle) {
		t.Fatalf("error = %v, want ErrConstructionCycle", err)
	}
	var resErr *hosterrors.ResolutionError
	if !errors.As(err, &resErr) || len(resErr.Chain) == 0 {
		t.Fatalf("cycle error missing chain: %v", err)
	}
}

func TestValidateAllAggregatesMissing(t *testing.T) {
	root := NewRoot("root")
	root.Register(Descriptor{
		Contract:     "svc.a",
		Lifetime:     Singleton,
		Dependencies: []ContractID{"svc.missing1", "svc.missing2"},
		Factory:      func(Resolver) (interface{}, error) { return nil, nil },
	})

	err := root.ValidateAll()
	if err == nil {
		t.Fatal("ValidateAll() expected error")
	}
	var resErr *hosterrors.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error type = %T", err)
	}
	if len(resErr.Chain) != 2 {
		t.Fatalf("missing count = %d, want 2", len(resErr.Chain))
	}
}

func TestCloseDisposesInReverseOrder(t *testing.T) {
	recorder := &closeRecorder{}
	root := NewRoot("root")
	root.Register(Descriptor{
		Contract: "svc.first",
		Lifetime: Singleton,
		Factory: func(Resolver) (interface{}, error) {
			return &closableService{name: "first", recorder: recorder}, nil
		},
	})
	root.Register(Descriptor{
		Contract: "svc.second",
		Lifetime: Singleton,
		Factory: func(Resolver) (interface{}, error) {
			return &closableService{name: "second", recorder: recorder}, nil
		},
	})

	root.Resolve("svc.first")
	root.Resolve("svc.second")
	if err := root.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(recorder.order) != 2 || recorder.order[0] != "second" || recorder.order[1] != "first" {
		t.Fatalf("close order = %v, want [second first]", recorder.order)
	}

	if _, err := root.Resolve("svc.first"); !errors.Is(err, hosterrors.ErrScopeClosed) {
		t.Fatalf("resolve after close = %v, want ErrScopeClosed", err)
	}
}

func TestPromoteRefusesModulePrivate(t *testing.T) {
	root := NewRoot("root")
	child := root.NewChild("module-a")
	child.Register(Descriptor{
		Contract:   "svc.private",
		Lifetime:   Singleton,
		Visibility: ModulePrivate,
		Factory:    func(Resolver) (interface{}, error) { return &greeter{}, nil },
	})
	child.Register(Descriptor{
		Contract:   "svc.public",
		Lifetime:   Singleton,
		Visibility: Public,
		Factory:    func(Resolver) (interface{}, error) { return &greeter{}, nil },
	})

	if err := child.Promote("svc.private"); err == nil {
		t.Fatal("Promote() accepted a module-private descriptor")
	}
	if err := child.Promote("svc.public"); err != nil {
		t.Fatalf("Promote() public: %v", err)
	}
	if _, err := root.Resolve("svc.public"); err != nil {
		t.Fatalf("root resolve after promote: %v", err)
	}
}
