package port

// ring is a growable FIFO of messages with O(1) push and pop. The
// port's depth bound is enforced by the caller; the ring only manages
// storage.
type ring struct {
	buf   []Message
	head  int
	count int
}

func (r *ring) len() int { return r.count }

func (r *ring) push(msg Message) {
	if r.count == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.count)%len(r.buf)] = msg
	r.count++
}

func (r *ring) pop() Message {
	msg, _ := r.popOK()
	return msg
}

func (r *ring) popOK() (Message, bool) {
	if r.count == 0 {
		return Message{}, false
	}
	msg := r.buf[r.head]
	r.buf[r.head] = Message{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return msg, true
}

func (r *ring) grow() {
	size := len(r.buf) * 2
	if size == 0 {
		size = 4
	}
	buf := make([]Message, size)
	for i := 0; i < r.count; i++ {
		buf[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = buf
	r.head = 0
}
