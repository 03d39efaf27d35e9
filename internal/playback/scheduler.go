package playback

import (
	"sync"
	"time"

	"github.com/lioravni/stillpoint/internal/audio"
)

// Clock reports the current offset in the session playback clock domain.
// Production uses a monotonic wall clock started at session connect; tests
// substitute a manual clock.
type Clock interface {
	Now() time.Duration
}

type monotonicClock struct {
	start time.Time
}

func NewClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Now() time.Duration {
	return time.Since(c.start)
}

// Frame is one remote-speech chunk with its scheduled playback window.
type Frame struct {
	Seq        int
	StartAt    time.Duration
	PCM        []byte
	SampleRate int
}

// Sink receives scheduled frames in playback order.
type Sink interface {
	Play(frame Frame)
}

// Scheduler schedules inbound PCM frames back to back with no gaps or
// overlaps. Each new frame starts at max(scheduledEnd, now), so the total
// scheduled duration is exactly the sum of frame durations.
type Scheduler struct {
	mu           sync.Mutex
	clock        Clock
	sink         Sink
	sampleRate   int
	seq          int
	scheduledEnd time.Duration
	lastChunkAt  time.Time
	speaking     bool
	suppressed   bool
}

func NewScheduler(clock Clock, sink Sink, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	return &Scheduler{clock: clock, sink: sink, sampleRate: sampleRate}
}

// Enqueue schedules one frame. Frames are dropped silently while the
// scheduler is suppressed (side-activity active) so remote speech cannot
// leak under the side-activity visual. Returns false when the frame was
// dropped or empty.
func (s *Scheduler) Enqueue(pcm []byte) bool {
	dur := audio.PCM16Duration(pcm, s.sampleRate)
	if dur == 0 {
		return false
	}

	s.mu.Lock()
	if s.suppressed {
		s.mu.Unlock()
		return false
	}
	s.lastChunkAt = time.Now()

	now := s.clock.Now()
	startAt := s.scheduledEnd
	if now > startAt {
		startAt = now
	}
	s.scheduledEnd = startAt + dur
	s.speaking = true
	s.seq++
	frame := Frame{Seq: s.seq, StartAt: startAt, PCM: pcm, SampleRate: s.sampleRate}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.Play(frame)
	}
	return true
}

// Remaining reports how much scheduled audio is still ahead of the clock.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := s.scheduledEnd - s.clock.Now()
	if left < 0 {
		return 0
	}
	return left
}

// ScheduledEnd reports the playback-clock instant at which all currently
// scheduled audio will finish.
func (s *Scheduler) ScheduledEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduledEnd
}

// LastChunkArrival is the wall-clock time of the most recent enqueued frame.
// Consumed only by silence detection, never by scheduling itself.
func (s *Scheduler) LastChunkArrival() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkAt
}

// TouchChunkArrival primes the arrival timestamp so gap detection has a
// baseline before the first frame of a turn lands.
func (s *Scheduler) TouchChunkArrival() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastChunkAt.IsZero() {
		s.lastChunkAt = time.Now()
	}
}

func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// MarkIdle clears the speaking flag once drain has been confirmed.
func (s *Scheduler) MarkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

// Suppress drops the pending schedule and rejects further frames until
// Resume. Used while the side-activity owns the audio channel.
func (s *Scheduler) Suppress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = true
	s.scheduledEnd = 0
	s.speaking = false
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = false
	s.scheduledEnd = 0
}

// Reset returns the scheduler to its initial state. Called at disconnect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduledEnd = 0
	s.lastChunkAt = time.Time{}
	s.speaking = false
	s.suppressed = false
	s.seq = 0
}
