package sessionvars

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryStore_GetUnknownReturnsEmptySet(t *testing.T) {
	s := NewMemoryStore()
	vars, err := s.Get(context.Background(), "CA-never-written")
	if err != nil {
		t.Fatalf("Get err=%v, want nil", err)
	}
	if vars == nil {
		t.Fatalf("Get returned nil map, want empty set")
	}
	if len(vars) != 0 {
		t.Fatalf("len=%d, want 0", len(vars))
	}
}

func TestMemoryStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Put(ctx, "CA1", Variables{"company_name": "Acme", "email_address": "x@y.com"})
	_ = s.Put(ctx, "CA1", Variables{"company_name": "Globex"})

	vars, _ := s.Get(ctx, "CA1")
	if len(vars) != 1 || vars["company_name"] != "Globex" {
		t.Fatalf("vars=%v, want only company_name=Globex", vars)
	}
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	in := Variables{"company_name": "Acme"}
	_ = s.Put(ctx, "CA1", in)
	in["company_name"] = "mutated"

	got, _ := s.Get(ctx, "CA1")
	if got["company_name"] != "Acme" {
		t.Fatalf("stored value changed through caller map: %q", got["company_name"])
	}

	got["company_name"] = "mutated again"
	again, _ := s.Get(ctx, "CA1")
	if again["company_name"] != "Acme" {
		t.Fatalf("stored value changed through returned map: %q", again["company_name"])
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Put(ctx, "CA1", Variables{"a": "b"})

	if err := s.Delete(ctx, "CA1"); err != nil {
		t.Fatalf("Delete err=%v", err)
	}
	if err := s.Delete(ctx, "CA1"); err != nil {
		t.Fatalf("second Delete err=%v, want nil", err)
	}
	if s.Len() != 0 {
		t.Fatalf("len=%d, want 0", s.Len())
	}
	vars, _ := s.Get(ctx, "CA1")
	if len(vars) != 0 {
		t.Fatalf("vars=%v after delete, want empty", vars)
	}
}

func TestMemoryStore_ConcurrentCallsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("CA%d", i)
			_ = s.Put(ctx, id, Variables{"n": id})
			got, _ := s.Get(ctx, id)
			if got["n"] != id {
				t.Errorf("call %s read %q", id, got["n"])
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 50 {
		t.Fatalf("len=%d, want 50", s.Len())
	}
}
