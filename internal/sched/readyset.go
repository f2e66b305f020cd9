package sched

import "container/heap"

// readySet holds one core's runnable threads, partitioned by class.
// Callers hold the owning core's lock.
type readySet struct {
	// rt[level] is a FIFO per fixed priority level.
	rt     [NumRTPriorities][]*Thread
	rtBits uint32 // bit set when rt[level] is non-empty

	dl dlQueue // min-heap by absolute deadline

	be []*Thread // round-robin order; weights applied via quantum
}

func (rs *readySet) pushRT(t *Thread, front bool) {
	lvl := t.params.Priority
	if lvl < 0 {
		lvl = 0
	}
	if lvl >= NumRTPriorities {
		lvl = NumRTPriorities - 1
	}
	if front {
		rs.rt[lvl] = append([]*Thread{t}, rs.rt[lvl]...)
	} else {
		rs.rt[lvl] = append(rs.rt[lvl], t)
	}
	rs.rtBits |= 1 << uint(lvl)
}

func (rs *readySet) popRT() *Thread {
	for lvl := NumRTPriorities - 1; lvl >= 0; lvl-- {
		if rs.rtBits&(1<<uint(lvl)) == 0 {
			continue
		}
		q := rs.rt[lvl]
		t := q[0]
		rs.rt[lvl] = q[1:]
		if len(rs.rt[lvl]) == 0 {
			rs.rtBits &^= 1 << uint(lvl)
		}
		return t
	}
	return nil
}

// topRTPriority returns the highest non-empty RT level, or -1.
func (rs *readySet) topRTPriority() int {
	for lvl := NumRTPriorities - 1; lvl >= 0; lvl-- {
		if rs.rtBits&(1<<uint(lvl)) != 0 {
			return lvl
		}
	}
	return -1
}

func (rs *readySet) pushDL(t *Thread) {
	heap.Push(&rs.dl, t)
}

func (rs *readySet) popDL() *Thread {
	if rs.dl.Len() == 0 {
		return nil
	}
	return heap.Pop(&rs.dl).(*Thread)
}

// peekDL returns the earliest-deadline thread without removing it.
func (rs *readySet) peekDL() *Thread {
	if rs.dl.Len() == 0 {
		return nil
	}
	return rs.dl[0]
}

func (rs *readySet) pushBE(t *Thread) {
	rs.be = append(rs.be, t)
}

func (rs *readySet) popBE() *Thread {
	if len(rs.be) == 0 {
		return nil
	}
	t := rs.be[0]
	rs.be = rs.be[1:]
	return t
}

func (rs *readySet) remove(t *Thread) bool {
	switch t.class {
	case ClassRT:
		for lvl := range rs.rt {
			for i, cand := range rs.rt[lvl] {
				if cand == t {
					rs.rt[lvl] = append(rs.rt[lvl][:i], rs.rt[lvl][i+1:]...)
					if len(rs.rt[lvl]) == 0 {
						rs.rtBits &^= 1 << uint(lvl)
					}
					return true
				}
			}
		}
	case ClassDL:
		for i, cand := range rs.dl {
			if cand == t {
				heap.Remove(&rs.dl, i)
				return true
			}
		}
	}
	// DL threads throttled to BE land in the be queue, so always
	// check it as a fallback.
	for i, cand := range rs.be {
		if cand == t {
			rs.be = append(rs.be[:i], rs.be[i+1:]...)
			return true
		}
	}
	return false
}

func (rs *readySet) len() int {
	n := len(rs.be) + rs.dl.Len()
	for lvl := range rs.rt {
		n += len(rs.rt[lvl])
	}
	return n
}

// dlQueue implements heap.Interface ordered by absolute deadline.
type dlQueue []*Thread

func (q dlQueue) Len() int           { return len(q) }
func (q dlQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }
func (q dlQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *dlQueue) Push(x any)        { *q = append(*q, x.(*Thread)) }
func (q *dlQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
