package face

import (
	"image"
	"sync"
)

// FrameSlot holds the most recent video frame. Older frames are overwritten.
type FrameSlot struct {
	mu    sync.Mutex
	frame image.Image
	seq   uint64
}

// Put replaces the held frame.
func (s *FrameSlot) Put(frame image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame
	s.seq++
}

// Latest returns the held frame and its sequence number.
func (s *FrameSlot) Latest() (image.Image, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.seq, s.frame != nil
}
