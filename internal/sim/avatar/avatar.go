package avatar

import "fmt"

// Index is the dense identity of a replicated avatar. Player and NPC ranges are
// disjoint so a single index can reference either kind unambiguously.
type Index uint16

const (
	MaxPlayers Index = 2048
	NPCBase    Index = MaxPlayers
	// None marks "no avatar" (e.g. a face-avatar reset).
	None Index = 0xFFFF
)

func (i Index) IsPlayer() bool { return i < MaxPlayers }
func (i Index) IsNPC() bool    { return i >= NPCBase && i != None }

func (i Index) String() string {
	switch {
	case i == None:
		return "none"
	case i.IsPlayer():
		return fmt.Sprintf("P%d", uint16(i))
	default:
		return fmt.Sprintf("N%d", uint16(i-NPCBase))
	}
}

// NPCIndex maps an NPC slot number to its avatar index.
func NPCIndex(slot int) (Index, bool) {
	if slot < 0 || slot >= int(None-NPCBase) {
		return None, false
	}
	return NPCBase + Index(slot), true
}
