package signal

import "math/rand"

// MutationOperator applies one class of in-place change to a word.
// Operators are stateless; randomness comes from the caller's source so
// evolution stays reproducible under a fixed seed.
type MutationOperator interface {
	Apply(rng *rand.Rand, w *Word)
	Name() string
}

// DurationMutation perturbs one component's duration by up to ±50ms,
// clamped to [50,1000].
type DurationMutation struct{}

func (DurationMutation) Name() string { return "duration" }

func (DurationMutation) Apply(rng *rand.Rand, w *Word) {
	if w.ComponentCount == 0 {
		return
	}
	i := rng.Intn(int(w.ComponentCount))
	d := int(w.Durations[i]) + rng.Intn(101) - 50
	w.Durations[i] = uint16(clampInt(d, 50, 1000))
}

// IntensityMutation perturbs one component's intensity by up to ±30,
// clamped to [50,255].
type IntensityMutation struct{}

func (IntensityMutation) Name() string { return "intensity" }

func (IntensityMutation) Apply(rng *rand.Rand, w *Word) {
	if w.ComponentCount == 0 {
		return
	}
	i := rng.Intn(int(w.ComponentCount))
	n := int(w.Intensities[i]) + rng.Intn(61) - 30
	w.Intensities[i] = uint8(clampInt(n, 50, 255))
}

// ComponentSwapMutation replaces one component's type with a random
// one from the palette.
type ComponentSwapMutation struct{}

func (ComponentSwapMutation) Name() string { return "swap" }

func (ComponentSwapMutation) Apply(rng *rand.Rand, w *Word) {
	if w.ComponentCount == 0 {
		return
	}
	i := rng.Intn(int(w.ComponentCount))
	w.Components[i] = componentPalette[rng.Intn(len(componentPalette))]
}

// ResizeMutation grows or shrinks the component sequence by one,
// keeping the count within [1,8]. Growth appends a random component;
// shrink drops the last one.
type ResizeMutation struct{}

func (ResizeMutation) Name() string { return "resize" }

func (ResizeMutation) Apply(rng *rand.Rand, w *Word) {
	if w.ComponentCount < MaxComponents && rng.Intn(2) == 1 {
		i := w.ComponentCount
		w.Components[i] = componentPalette[rng.Intn(len(componentPalette))]
		w.Durations[i] = uint16(100 + rng.Intn(400))
		w.Intensities[i] = uint8(100 + rng.Intn(155))
		w.ComponentCount++
	} else if w.ComponentCount > 1 {
		w.ComponentCount--
	}
}

func mutationOperators() []MutationOperator {
	return []MutationOperator{
		DurationMutation{},
		IntensityMutation{},
		ComponentSwapMutation{},
		ResizeMutation{},
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
