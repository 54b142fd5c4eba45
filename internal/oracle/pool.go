package oracle

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// enginePool keeps warm engine processes per difficulty preset. Every leased
// session has already been reset for a fresh game; a session that fails is
// closed and replaced instead of handed back out.
type enginePool struct {
	binary string

	mu    sync.Mutex
	slots map[string]*presetSlot
}

func newEnginePool(binary string) *enginePool {
	return &enginePool{binary: binary, slots: make(map[string]*presetSlot)}
}

// presetSlot bounds one preset's engine processes. tokens caps how many
// sessions are leased out at once; idle parks warm processes between games,
// so a process is always either leased (token held) or parked here.
type presetSlot struct {
	preset Preset
	tokens chan struct{}

	mu   sync.Mutex
	idle []*Session
}

func (p *enginePool) slot(preset Preset) *presetSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[preset.Name]
	if !ok {
		s = &presetSlot{
			preset: preset,
			tokens: make(chan struct{}, presetCapacity()),
		}
		p.slots[preset.Name] = s
	}
	return s
}

// lease hands out a game-ready session at the given preset, waiting for a
// free slot when the preset is at capacity.
func (p *enginePool) lease(ctx context.Context, preset Preset) (*Session, error) {
	slot := p.slot(preset)

	select {
	case slot.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		session := slot.popIdle()
		if session == nil {
			break
		}
		if err := session.NewGame(ctx); err != nil {
			_ = session.Close()
			if ctx.Err() != nil {
				<-slot.tokens
				return nil, ctx.Err()
			}
			continue
		}
		return session, nil
	}

	session, err := NewSession(ctx, p.binary, preset.options())
	if err != nil {
		<-slot.tokens
		return nil, err
	}
	if err := session.NewGame(ctx); err != nil {
		_ = session.Close()
		<-slot.tokens
		return nil, err
	}
	return session, nil
}

// release returns a leased session and frees its slot. A session whose search
// just failed is closed so the next lease starts a clean process.
func (p *enginePool) release(preset Preset, session *Session, err error) {
	slot := p.slot(preset)
	if session != nil {
		if err != nil {
			_ = session.Close()
		} else {
			slot.pushIdle(session)
		}
	}
	<-slot.tokens
}

func (p *enginePool) Close() error {
	p.mu.Lock()
	slots := make([]*presetSlot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.slots = make(map[string]*presetSlot)
	p.mu.Unlock()

	var errs []error
	for _, slot := range slots {
		slot.mu.Lock()
		idle := slot.idle
		slot.idle = nil
		slot.mu.Unlock()
		for _, session := range idle {
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// popIdle takes the most recently parked session; a warm process beats a cold
// one.
func (s *presetSlot) popIdle() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.idle)
	if n == 0 {
		return nil
	}
	session := s.idle[n-1]
	s.idle = s.idle[:n-1]
	return session
}

func (s *presetSlot) pushIdle(session *Session) {
	s.mu.Lock()
	if len(s.idle) < cap(s.tokens) {
		s.idle = append(s.idle, session)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = session.Close()
}

// presetCapacity bounds engine processes per preset by available CPU.
func presetCapacity() int {
	cpu := runtime.NumCPU()
	if cpu < 2 {
		return 2
	}
	if cpu > 4 {
		return 4
	}
	return cpu
}
