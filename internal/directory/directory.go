// Package directory maps world names to the world server processes that serve
// them. The directory is built once at startup and never mutated, so it is
// shared by every session without locking.
package directory

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
)

// ErrWorldNotFound is returned when no backend is registered for a world.
var ErrWorldNotFound = errors.New("world not found")

// Descriptor identifies one world server process.
type Descriptor struct {
	Address   string `json:"address" yaml:"address"`
	Port      int    `json:"port" yaml:"port"`
	WorldName string `json:"world_name" yaml:"world_name"` // canonical name sent to the backend
}

// Addr returns the dialable host:port of the backend.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s@%s", d.WorldName, d.Addr())
}

// Directory is an immutable world name to backend lookup.
type Directory struct {
	worlds map[string][]Descriptor
	intn   func(n int) int
}

// Option customizes a Directory.
type Option func(*Directory)

// WithRandom replaces the source used to pick among duplicate descriptors.
// intn must return a value in [0,n) and be safe for concurrent use.
func WithRandom(intn func(n int) int) Option {
	return func(d *Directory) {
		d.intn = intn
	}
}

// New builds a directory from a world map. The input is copied.
func New(worlds map[string][]Descriptor, opts ...Option) *Directory {
	d := &Directory{
		worlds: make(map[string][]Descriptor, len(worlds)),
		intn:   rand.Intn,
	}
	for name, list := range worlds {
		if len(list) == 0 {
			continue
		}
		d.worlds[name] = append([]Descriptor(nil), list...)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns one backend for the world, chosen uniformly at random when
// several are registered.
func (d *Directory) Resolve(world string) (Descriptor, error) {
	list := d.worlds[world]
	switch len(list) {
	case 0:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrWorldNotFound, world)
	case 1:
		return list[0], nil
	default:
		return list[d.intn(len(list))], nil
	}
}

// Worlds returns the registered world names in sorted order.
func (d *Directory) Worlds() []string {
	names := make([]string, 0, len(d.worlds))
	for name := range d.worlds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns a copy of the backends registered for a world.
func (d *Directory) Descriptors(world string) []Descriptor {
	return append([]Descriptor(nil), d.worlds[world]...)
}

// Len returns the number of registered worlds.
func (d *Directory) Len() int {
	return len(d.worlds)
}
