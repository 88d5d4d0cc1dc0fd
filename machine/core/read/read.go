package read

// Request is one linearizable read waiting for its index: the caller
// observed index as committed and the query may run only once the
// core has applied that far. Context is the unique id for request.
type Request struct {
	Index   uint64
	Session uint64
	Context []byte
	Data    []byte
}

// Queue hold pending read requests until their indices are applied.
type Queue struct {
	pending      map[string]*Request
	requestQueue []string
}

func MakeQueue() *Queue {
	return &Queue{
		pending:      make(map[string]*Request),
		requestQueue: make([]string, 0),
	}
}

// AddRequest enqueue a read at index. Duplicate contexts are ignored.
func (q *Queue) AddRequest(index, session uint64, context, data []byte) {
	ctx := string(context)
	if _, ok := q.pending[ctx]; ok {
		return
	}
	q.pending[ctx] = &Request{
		Index:   index,
		Session: session,
		Context: context,
		Data:    data,
	}
	q.requestQueue = append(q.requestQueue, ctx)
}

// Advance dequeue every request whose index has been applied, in
// arrival order. The remainder keeps waiting.
func (q *Queue) Advance(applied uint64) []*Request {
	var ready []*Request
	i := 0
	for ; i < len(q.requestQueue); i++ {
		rs, ok := q.pending[q.requestQueue[i]]
		if !ok {
			panic("cannot find corresponding request from pending map")
		}
		if rs.Index > applied {
			break
		}
		ready = append(ready, rs)
		delete(q.pending, q.requestQueue[i])
	}
	length := copy(q.requestQueue, q.requestQueue[i:])
	q.requestQueue = q.requestQueue[:length]
	return ready
}

// Pending return the number of reads still waiting.
func (q *Queue) Pending() int {
	return len(q.requestQueue)
}
