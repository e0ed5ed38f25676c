package endpoint

import (
	"github.com/couchbase/cbcore/memd"
	"github.com/puzpuzpuz/xsync/v3"
)

// Result is delivered to a waiting sender once the matching
// response frame is demultiplexed, or once the connection fails.
type Result struct {
	Packet memd.Packet
	Err    error
}

// inflightMap tracks outstanding requests by opaque, the same
// id-keyed-channel demux shape as the teacher's batched conn reader and
// ValentinKolb-dKV's requestChans map, per spec.md §4.4's "dispatch
// contract".
type inflightMap struct {
	m *xsync.MapOf[uint32, chan Result]
}

func newInflightMap() *inflightMap {
	return &inflightMap{m: xsync.NewMapOf[uint32, chan Result]()}
}

func (f *inflightMap) register(opaque uint32) chan Result {
	ch := make(chan Result, 1)
	f.m.Store(opaque, ch)
	return ch
}

func (f *inflightMap) complete(opaque uint32, result Result) bool {
	ch, ok := f.m.LoadAndDelete(opaque)
	if !ok {
		return false
	}
	ch <- result
	return true
}

// cancel removes opaque without delivering a result; used when the
// dispatcher's own timer fires first (spec.md §5 "Cancellation and
// timeouts": a late reply for a cancelled opaque is dropped).
func (f *inflightMap) cancel(opaque uint32) {
	f.m.Delete(opaque)
}

// drain fails every outstanding request with err and empties the map,
// per spec.md §4.4's connection-loss failure semantics.
func (f *inflightMap) drain(err error) {
	f.m.Range(func(opaque uint32, ch chan Result) bool {
		ch <- Result{Err: err}
		f.m.Delete(opaque)
		return true
	})
}

func (f *inflightMap) len() int {
	return f.m.Size()
}
