package queue

import (
	"math"
	"sync/atomic"
)

// Dimmer supplies the master scale applied to every channel write.
type Dimmer interface {
	Scale() float64
}

type fullScale struct{}

func (fullScale) Scale() float64 { return 1 }

// MasterDimmer is a process-wide scale in [0,1]. Use NewMasterDimmer; the
// zero value scales everything to 0.
type MasterDimmer struct {
	bits atomic.Uint64
}

func NewMasterDimmer() *MasterDimmer {
	d := &MasterDimmer{}
	d.bits.Store(math.Float64bits(1))
	return d
}

func (d *MasterDimmer) Scale() float64 {
	return math.Float64frombits(d.bits.Load())
}

// Set clamps scale to [0,1]; NaN and infinities reset it to 1.
func (d *MasterDimmer) Set(scale float64) {
	if math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}
	scale = math.Max(0, math.Min(1, scale))
	d.bits.Store(math.Float64bits(scale))
}
