package sensors

import "testing"

func TestNewKnownKinds(t *testing.T) {
	for _, kind := range []string{"uptime", "loadavg"} {
		s, ok := New(kind)
		if !ok {
			t.Fatalf("expected kind %q to be registered", kind)
		}
		if s == nil {
			t.Fatalf("factory for %q returned nil", kind)
		}
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, ok := New("does-not-exist"); ok {
		t.Fatalf("expected unknown kind to report false")
	}
}

func TestKindsIncludesBuiltins(t *testing.T) {
	kinds := Kinds()
	want := map[string]bool{"uptime": false, "loadavg": false}
	for _, k := range kinds {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("Kinds() missing %q", k)
		}
	}
}
