package sched

import "github.com/google/btree"

// readyEntry orders ready threads by descending priority. Threads with the
// same priority leave the set in the order they entered it.
type readyEntry struct {
	prio int
	seq  uint64
	tid  TID
}

func readyLess(a, b readyEntry) bool {
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	return a.seq < b.seq
}

type readyQueue struct {
	tree *btree.BTreeG[readyEntry]
	seq  uint64
}

var readyList = newReadyQueue()

func newReadyQueue() *readyQueue {
	return &readyQueue{tree: btree.NewG(8, readyLess)}
}

func (q *readyQueue) insert(t *Thread) {
	q.seq++
	t.readySeq = q.seq
	q.tree.ReplaceOrInsert(readyEntry{prio: t.prio, seq: t.readySeq, tid: t.tid})
}

func (q *readyQueue) remove(t *Thread) {
	q.tree.Delete(readyEntry{prio: t.prio, seq: t.readySeq})
}

// first returns the entry that dequeue would return without removing it.
func (q *readyQueue) first() (readyEntry, bool) {
	return q.tree.Min()
}

func (q *readyQueue) dequeue() (readyEntry, bool) {
	return q.tree.DeleteMin()
}

func (q *readyQueue) len() int {
	return q.tree.Len()
}

// tids returns the queued thread ids in dequeue order.
func (q *readyQueue) tids() []TID {
	list := make([]TID, 0, q.tree.Len())
	q.tree.Ascend(func(e readyEntry) bool {
		list = append(list, e.tid)
		return true
	})
	return list
}
