package relay

import "math/rand"

// Sampler produces the values carried by each origination.
type Sampler interface {
	Sample() map[string]float64
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() map[string]float64

func (f SamplerFunc) Sample() map[string]float64 { return f() }

// RandomSampler emits two uniformly random 32-bit readings, standing in for
// sensors on nodes that have none.
type RandomSampler struct{}

func (RandomSampler) Sample() map[string]float64 {
	return map[string]float64{
		"random_value":  float64(rand.Uint32()),
		"random_value2": float64(rand.Uint32()),
	}
}
