package txnstress

import "math/rand"

// Rand64 is a seedable uniform random generator. Every random decision in the
// harness flows through one of these, so a run is reproducible from its seed.
//
// Not safe for concurrent use; give each worker its own instance.
type Rand64 struct {
	rng *rand.Rand
}

// NewRand64 creates a generator from an explicit seed.
func NewRand64(seed int64) *Rand64 {
	return &Rand64{rng: rand.New(rand.NewSource(seed))}
}

// Next returns the next pseudo-random uint64.
func (r *Rand64) Next() uint64 {
	return r.rng.Uint64()
}

// Uniform returns a uniformly distributed value in [0, n). Returns 0 when
// n == 0.
func (r *Rand64) Uniform(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return r.rng.Uint64() % n
}

// OneIn returns true with probability 1/n.
func (r *Rand64) OneIn(n int) bool {
	if n <= 1 {
		return true
	}
	return r.rng.Intn(n) == 0
}

// Intn returns a uniformly distributed int in [0, n).
func (r *Rand64) Intn(n int) int {
	return r.rng.Intn(n)
}

// Permutation returns a uniformly random permutation of [0, n).
func (r *Rand64) Permutation(n int) []int {
	return r.rng.Perm(n)
}

// Shuffle randomizes the order of n elements using the provided swap
// function.
func (r *Rand64) Shuffle(n int, swap func(i, j int)) {
	r.rng.Shuffle(n, swap)
}

// Fill fills buf with pseudo-random bytes.
func (r *Rand64) Fill(buf []byte) {
	// rand.Rand.Read never returns an error.
	_, _ = r.rng.Read(buf)
}
