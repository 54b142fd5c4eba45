package oracle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testPreset(t *testing.T, name string) Preset {
	t.Helper()
	p, err := GetPreset(name)
	if err != nil {
		t.Fatalf("GetPreset(%s): %v", name, err)
	}
	return p
}

func TestSlot_KeyedByPresetName(t *testing.T) {
	p := newEnginePool("/usr/bin/stockfish")
	l3 := testPreset(t, "level3")

	if p.slot(l3) != p.slot(l3) {
		t.Fatalf("same preset mapped to different slots")
	}
	if p.slot(l3) == p.slot(testPreset(t, "level5")) {
		t.Fatalf("different presets share a slot")
	}
}

func TestSlot_IdleIsLIFO(t *testing.T) {
	slot := &presetSlot{tokens: make(chan struct{}, 2)}
	older, newer := &Session{}, &Session{}

	slot.pushIdle(older)
	slot.pushIdle(newer)

	if got := slot.popIdle(); got != newer {
		t.Fatalf("expected most recently parked session first")
	}
	if got := slot.popIdle(); got != older {
		t.Fatalf("expected remaining parked session")
	}
	if slot.popIdle() != nil {
		t.Fatalf("empty slot handed out a session")
	}
}

func TestSlot_IdleCappedAtCapacity(t *testing.T) {
	slot := &presetSlot{tokens: make(chan struct{}, 1)}
	slot.pushIdle(&Session{})
	slot.pushIdle(&Session{})

	slot.mu.Lock()
	parked := len(slot.idle)
	slot.mu.Unlock()
	if parked != 1 {
		t.Fatalf("parked sessions = %d, want 1", parked)
	}
}

func TestLease_BlocksAtCapacity(t *testing.T) {
	p := newEnginePool("/usr/bin/stockfish")
	preset := testPreset(t, "level1")
	slot := p.slot(preset)
	for i := 0; i < cap(slot.tokens); i++ {
		slot.tokens <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.lease(ctx, preset); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("lease at capacity: err = %v, want deadline exceeded", err)
	}
}

func TestRelease_FreesSlotAndParksHealthySession(t *testing.T) {
	p := newEnginePool("/usr/bin/stockfish")
	preset := testPreset(t, "level2")
	slot := p.slot(preset)
	slot.tokens <- struct{}{}

	session := &Session{}
	p.release(preset, session, nil)

	if len(slot.tokens) != 0 {
		t.Fatalf("release did not free the slot")
	}
	if got := slot.popIdle(); got != session {
		t.Fatalf("healthy session not parked for reuse")
	}
}

func TestRelease_DiscardsFailedSession(t *testing.T) {
	p := newEnginePool("/usr/bin/stockfish")
	preset := testPreset(t, "level2")
	slot := p.slot(preset)
	slot.tokens <- struct{}{}

	p.release(preset, &Session{}, errors.New("engine wedged"))

	if len(slot.tokens) != 0 {
		t.Fatalf("release did not free the slot")
	}
	if slot.popIdle() != nil {
		t.Fatalf("failed session was parked for reuse")
	}
}

func TestPresetCapacityBounds(t *testing.T) {
	if got := presetCapacity(); got < 2 || got > 4 {
		t.Fatalf("presetCapacity = %d, want within [2,4]", got)
	}
}
