package capture

import (
	"encoding/binary"
	"math"
	"sync"
)

// Graph is the per-session processing chain: source, gain, destination.
// It owns the source; closing the graph closes the source.
type Graph struct {
	src  Stream
	gain float64
	out  chan Frame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewGraph starts forwarding frames from src through a gain stage. A gain
// of zero or less means unity.
func NewGraph(src Stream, gain float64) *Graph {
	if gain <= 0 {
		gain = 1
	}
	g := &Graph{
		src:  src,
		gain: gain,
		out:  make(chan Frame, cap(src.Frames())),
		done: make(chan struct{}),
	}
	g.wg.Add(1)
	go g.run()
	return g
}

func (g *Graph) Frames() <-chan Frame { return g.out }

func (g *Graph) run() {
	defer g.wg.Done()
	defer close(g.out)
	in := g.src.Frames()
	for {
		select {
		case <-g.done:
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			if g.gain != 1 {
				frame.PCM = applyGain(frame.PCM, g.gain)
			}
			select {
			case g.out <- frame:
			case <-g.done:
				return
			}
		}
	}
}

// Close stops the graph and releases the source.
func (g *Graph) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.src.Close()
		g.wg.Wait()
	})
}

// applyGain scales 16-bit LE samples, clipping to the int16 range. The
// input slice is not modified.
func applyGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm)-len(pcm)%2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		scaled := math.Round(sample * gain)
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(scaled)))
	}
	return out
}
