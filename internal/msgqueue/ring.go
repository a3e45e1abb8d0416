package msgqueue

import "github.com/kestrel-robotics/robocore/internal/freelist"

// freelistRing adapts internal/freelist's intrusive list to the entry
// bookkeeping Queue needs: oldest-first iteration, erase-by-index, and a
// capacity ceiling. It exists as a thin wrapper (rather than using
// freelist.List[entryData, uint32] directly in Queue) so sn and a
// pointer-returning Get can be composed with the EntryIndex naming used
// throughout spec.md §4.F's navigation API.
type freelistRing struct {
	list *freelist.List[entryData, EntryIndex]
}

func newFreelistRing(capacity int) *freelistRing {
	return &freelistRing{list: freelist.New[entryData, EntryIndex](capacity)}
}

func (r *freelistRing) size() int { return r.list.Size() }

func (r *freelistRing) end() EntryIndex { return r.list.End() }

func (r *freelistRing) pushBack(e entryData) EntryIndex {
	return r.list.PushBack(e)
}

func (r *freelistRing) get(idx EntryIndex) (*entryData, bool) {
	return r.list.TryGet(idx)
}

func (r *freelistRing) erase(idx EntryIndex) { r.list.Erase(idx) }

func (r *freelistRing) oldest() (EntryIndex, bool) {
	i := r.list.Begin()
	if i == r.list.End() {
		return i, false
	}
	return i, true
}

func (r *freelistRing) oldestOrEnd() EntryIndex { return r.list.Begin() }
func (r *freelistRing) newestOrEnd() EntryIndex { return r.list.Last() }
func (r *freelistRing) next(idx EntryIndex) EntryIndex { return r.list.Next(idx) }
func (r *freelistRing) prev(idx EntryIndex) EntryIndex { return r.list.Prev(idx) }

func (r *freelistRing) forEach(fn func(idx EntryIndex, e *entryData)) {
	for i := r.list.Begin(); i != r.list.End(); i = r.list.Next(i) {
		fn(i, r.list.Get(i))
	}
}
