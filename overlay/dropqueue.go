package overlay

import "sync"

// dropQueue tracks realInode destructions spawned as detached goroutines,
// so a shutdown path can wait for every outstanding layer.Forget to land
// before it returns. Grounded on spec.md's async-drop requirement (section
// 9's REDESIGN FLAG): a RealInode's Drop must run off the dropping
// thread but the runtime must await it before tearing down.
type dropQueue struct {
	wg sync.WaitGroup
}

func newDropQueue() *dropQueue {
	return &dropQueue{}
}

func (q *dropQueue) spawn(fn func()) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn()
	}()
}

func (q *dropQueue) wait() {
	q.wg.Wait()
}
