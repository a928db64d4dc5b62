package sim

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
)

// Random is the controller-owned random source for a run. Everything
// random in the simulation derives from it: the seed handed to each
// manager at spawn, and the per-host streams that drive packet
// reliability trials. A stream is derived from the run seed plus a stream
// name, never from draw order, so registering another host or spawning
// another manager cannot shift the values an existing stream produces.
//
// Random is confined to the goroutine that owns it. The manager asks for
// a host's stream once at registration and keeps the returned *rand.Rand.
type Random struct {
	seed    int64
	streams map[string]*rand.Rand
}

// managerStream is the reserved stream that manager seeds are drawn from.
const managerStream = "manager"

// NewRandom creates the random source for a run from the configured seed.
func NewRandom(seed int64) *Random {
	return &Random{
		seed:    seed,
		streams: make(map[string]*rand.Rand),
	}
}

// ManagerSeed draws the seed for the next manager the controller spawns.
// Successive calls advance the manager stream, so every manager gets its
// own seed while a fixed run seed reproduces them all.
func (r *Random) ManagerSeed() uint32 {
	return r.stream(managerStream).Uint32()
}

// HostStream returns the named virtual host's stream. The manager draws
// the host's per-packet reliability trials from it.
func (r *Random) HostStream(hostname string) *rand.Rand {
	return r.stream("host/" + hostname)
}

// Seed returns the run seed this source was created with.
func (r *Random) Seed() int64 {
	return r.seed
}

// stream returns the derived stream for name, creating it on first use.
// The same name always returns the same instance.
func (r *Random) stream(name string) *rand.Rand {
	if s, ok := r.streams[name]; ok {
		return s
	}
	s := rand.New(rand.NewSource(r.deriveSeed(name)))
	r.streams[name] = s
	return s
}

// deriveSeed folds the run seed and the stream name into one 64-bit seed.
func (r *Random) deriveSeed(name string) int64 {
	h := fnv.New64a()
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], uint64(r.seed))
	h.Write(seedBytes[:])
	h.Write([]byte(name))
	return int64(h.Sum64())
}
