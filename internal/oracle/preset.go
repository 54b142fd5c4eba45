package oracle

import (
	"fmt"
	"strings"
	"time"
)

// Preset maps a difficulty name to engine options and a search budget.
// Earlier server drafts hardcoded these per level; they are one table now.
type Preset struct {
	Name           string
	SkillLevel     int
	Elo            int
	MoveTimeMillis int
	Depth          int
	Threads        int
	HashMB         int
}

const DefaultPresetName = "level3"

// searchOverhead is added on top of the movetime budget before the hard
// deadline kicks in, covering process wakeup and pipe latency.
const searchOverhead = 2 * time.Second

var presets = map[string]Preset{
	"level1": {Name: "level1", SkillLevel: 1, Elo: 600, MoveTimeMillis: 300, Depth: 4, Threads: 1, HashMB: 16},
	"level2": {Name: "level2", SkillLevel: 3, Elo: 700, MoveTimeMillis: 400, Depth: 5, Threads: 1, HashMB: 16},
	"level3": {Name: "level3", SkillLevel: 5, Elo: 800, MoveTimeMillis: 500, Depth: 6, Threads: 1, HashMB: 32},
	"level4": {Name: "level4", SkillLevel: 8, Elo: 1000, MoveTimeMillis: 700, Depth: 8, Threads: 1, HashMB: 32},
	"level5": {Name: "level5", SkillLevel: 10, Elo: 1200, MoveTimeMillis: 900, Depth: 10, Threads: 1, HashMB: 64},
	"level6": {Name: "level6", SkillLevel: 13, Elo: 1400, MoveTimeMillis: 1100, Depth: 12, Threads: 2, HashMB: 64},
	"level7": {Name: "level7", SkillLevel: 16, Elo: 1650, MoveTimeMillis: 1300, Depth: 14, Threads: 2, HashMB: 128},
	"level8": {Name: "level8", SkillLevel: 20, Elo: 1900, MoveTimeMillis: 1500, Depth: 18, Threads: 2, HashMB: 128},
}

func GetPreset(name string) (Preset, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPresetName
	}
	p, ok := presets[key]
	if !ok {
		return Preset{}, fmt.Errorf("unknown oracle preset: %q", name)
	}
	return p, nil
}

// TimeBudget is the hard deadline for one suggestion at this preset. The
// engine's movetime is an upper bound, not a target; anything past the
// budget is treated as a failure by the caller.
func (p Preset) TimeBudget() time.Duration {
	return time.Duration(p.MoveTimeMillis)*time.Millisecond + searchOverhead
}

func (p Preset) options() Options {
	return Options{
		Threads:    p.Threads,
		SkillLevel: p.SkillLevel,
		HashMB:     p.HashMB,
		Elo:        p.Elo,
	}
}

func (p Preset) limits() Limits {
	return Limits{
		Depth:          p.Depth,
		MoveTimeMillis: p.MoveTimeMillis,
	}
}
