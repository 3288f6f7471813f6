package server

// runSlots is a counting semaphore bounding concurrent simulations. A nil
// *runSlots is unlimited.
type runSlots struct {
	ch chan struct{}
}

func newRunSlots(n int) *runSlots {
	if n <= 0 {
		return nil
	}
	return &runSlots{ch: make(chan struct{}, n)}
}

// tryAcquire takes a free slot without waiting and reports false when all
// slots are in use.
func (s *runSlots) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *runSlots) release() {
	if s == nil {
		return
	}
	<-s.ch
}

// usage returns the slots in use and the capacity (0 when unlimited).
func (s *runSlots) usage() (int, int) {
	if s == nil {
		return 0, 0
	}
	return len(s.ch), cap(s.ch)
}
