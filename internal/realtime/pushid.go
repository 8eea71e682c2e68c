package realtime

import (
	"math/rand/v2"
	"sync"
	"time"
)

// pushChars is ordered by ASCII value so generated ids sort lexicographically by time.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// PushIDGenerator produces 20-character ids: 8 characters of millisecond
// timestamp followed by 12 random characters. Ids generated in the same
// millisecond increment the random part, so ids from one generator are
// strictly increasing.
type PushIDGenerator struct {
	mu       sync.Mutex
	now      func() time.Time
	lastTime int64
	lastRand [12]int
}

// NewPushIDGenerator returns a generator; a nil clock uses time.Now.
func NewPushIDGenerator(now func() time.Time) *PushIDGenerator {
	if now == nil {
		now = time.Now
	}
	return &PushIDGenerator{now: now}
}

var defaultPushIDs = NewPushIDGenerator(nil)

// NewPushID returns an id from the process-wide generator.
func NewPushID() string {
	return defaultPushIDs.Next()
}

// Next returns the next id.
func (g *PushIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	duplicate := now <= g.lastTime
	if duplicate {
		// Clock did not advance (or went back): keep the last timestamp and bump the random part.
		now = g.lastTime
		i := len(g.lastRand) - 1
		for ; i >= 0 && g.lastRand[i] == 63; i-- {
			g.lastRand[i] = 0
		}
		if i < 0 {
			now++
			for j := range g.lastRand {
				g.lastRand[j] = rand.IntN(64)
			}
		} else {
			g.lastRand[i]++
		}
	} else {
		for i := range g.lastRand {
			g.lastRand[i] = rand.IntN(64)
		}
	}
	g.lastTime = now

	var id [20]byte
	ts := now
	for i := 7; i >= 0; i-- {
		id[i] = pushChars[ts%64]
		ts /= 64
	}
	for i, r := range g.lastRand {
		id[8+i] = pushChars[r]
	}
	return string(id[:])
}
