package slabcache

import "testing"

type widget struct {
	id        int
	destroyed bool
}

func (w *widget) Destroy() { w.destroyed = true }

func TestAcquireUniqueReleaseRoundTrip(t *testing.T) {
	c, err := NewCache(int(sizeofWidget()))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	var released *widget
	h, err := AcquireUnique[widget](c, func(w *widget) error {
		w.id = 42
		released = w
		return nil
	})
	if err != nil {
		t.Fatalf("AcquireUnique: %v", err)
	}
	if h.Get().id != 42 {
		t.Fatalf("expected id 42, got %d", h.Get().id)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released.destroyed {
		t.Fatal("expected Destroy to have been called on Release")
	}
	if h.Get() != nil {
		t.Fatal("expected Get() to return nil after Release")
	}

	// Releasing twice must be a safe no-op.
	if err := h.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireUniqueInitFailureReleasesStorage(t *testing.T) {
	c, err := NewCache(int(sizeofWidget()))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	for i := 0; i < c.ObjectCount()*2; i++ {
		_, err := AcquireUnique[widget](c, func(w *widget) error {
			return errBoom
		})
		if err == nil {
			t.Fatal("expected init failure to propagate")
		}
	}
}

func TestAllocRawFreeRaw(t *testing.T) {
	c, err := NewCache(int(sizeofWidget()))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	w, err := AllocRaw[widget](c)
	if err != nil {
		t.Fatalf("AllocRaw: %v", err)
	}
	w.id = 7
	if err := FreeRaw(c, w); err != nil {
		t.Fatalf("FreeRaw: %v", err)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

const errBoom = errString("boom")

func sizeofWidget() uintptr {
	return 16
}
