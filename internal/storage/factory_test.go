package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	for _, kind := range []string{"", "memory"} {
		s, err := NewStore(kind, "")
		if err != nil {
			t.Fatalf("kind %q: %v", kind, err)
		}
		if _, ok := s.(*MemoryStore); !ok {
			t.Fatalf("kind %q produced %T", kind, s)
		}
		if err := CloseIfSupported(s); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestNewStoreUnknownBackend(t *testing.T) {
	if _, err := NewStore("cassandra", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestDefaultStoreKind(t *testing.T) {
	switch DefaultStoreKind() {
	case "memory", "sqlite":
	default:
		t.Fatalf("unexpected default %q", DefaultStoreKind())
	}
}
