package hostcap

import "testing"

func TestParse(t *testing.T) {
	if s, ok := Parse("coop"); !ok || s != StrategyCoop {
		t.Fatalf("coop parsed to %v, %v", s, ok)
	}
	if s, ok := Parse("bridge"); !ok || s != StrategyBridge {
		t.Fatalf("bridge parsed to %v, %v", s, ok)
	}
	for _, bad := range []string{"", "auto", "Bridge", "threads"} {
		if _, ok := Parse(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []Strategy{StrategyCoop, StrategyBridge} {
		got, ok := Parse(s.String())
		if !ok || got != s {
			t.Fatalf("%v did not round-trip through its name", s)
		}
	}
}

func TestForceOverridesDetection(t *testing.T) {
	defer func() { forced = nil }()

	Force(StrategyCoop)
	if Active() != StrategyCoop {
		t.Fatal("forced coop not active")
	}

	Force(StrategyBridge)
	if Active() != StrategyBridge {
		t.Fatal("forced bridge not active")
	}
}

func TestActiveIsStable(t *testing.T) {
	first := Active()
	for i := 0; i < 3; i++ {
		if Active() != first {
			t.Fatal("strategy changed between calls")
		}
	}
}
