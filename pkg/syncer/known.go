package syncer

// knownSet answers "is this id already stored" against a snapshot taken
// once at stage start. Ids inserted during the stage go to a separate
// staged set so a record listed twice upstream is inserted once.
type knownSet struct {
	snapshot map[int64]struct{}
	staged   map[int64]struct{}
}

// newKnownSet builds a set over the union of the given snapshots.
func newKnownSet(snapshots ...map[int64]struct{}) *knownSet {
	if len(snapshots) == 1 {
		return &knownSet{
			snapshot: snapshots[0],
			staged:   make(map[int64]struct{}),
		}
	}

	size := 0
	for _, s := range snapshots {
		size += len(s)
	}

	union := make(map[int64]struct{}, size)

	for _, s := range snapshots {
		for id := range s {
			union[id] = struct{}{}
		}
	}

	return &knownSet{
		snapshot: union,
		staged:   make(map[int64]struct{}),
	}
}

func (k *knownSet) Has(id int64) bool {
	if _, ok := k.snapshot[id]; ok {
		return true
	}

	_, ok := k.staged[id]

	return ok
}

func (k *knownSet) Add(id int64) {
	k.staged[id] = struct{}{}
}
