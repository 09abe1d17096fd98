package directory

import (
	"errors"
	"testing"
)

func TestResolveNotFound(t *testing.T) {
	d := New(map[string][]Descriptor{
		"WS1":   {{Address: "127.0.0.1", Port: 9907, WorldName: "WS1"}},
		"Empty": {},
	})

	for _, name := range []string{"WS2", "ws1", "Empty", ""} {
		if _, err := d.Resolve(name); !errors.Is(err, ErrWorldNotFound) {
			t.Fatalf("%q: expected ErrWorldNotFound, got %v", name, err)
		}
	}
	if d.Len() != 1 {
		t.Fatalf("empty lists must not be registered, len %d", d.Len())
	}
}

func TestResolveSingle(t *testing.T) {
	want := Descriptor{Address: "10.0.0.5", Port: 2500, WorldName: "Abaddon"}
	d := New(map[string][]Descriptor{"alias": {want}})

	got, err := d.Resolve("alias")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Addr() != "10.0.0.5:2500" {
		t.Fatalf("Addr: %s", got.Addr())
	}
}

func TestResolveUniformSelection(t *testing.T) {
	list := []Descriptor{
		{Address: "127.0.0.1", Port: 1, WorldName: "WS1"},
		{Address: "127.0.0.1", Port: 2, WorldName: "WS1"},
		{Address: "127.0.0.1", Port: 3, WorldName: "WS1"},
	}
	d := New(map[string][]Descriptor{"WS1": list})

	const samples = 10000
	counts := make(map[int]int)
	for i := 0; i < samples; i++ {
		got, err := d.Resolve("WS1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[got.Port]++
	}

	// Expected 3333 each; the bounds sit far outside any plausible deviation.
	for _, desc := range list {
		c := counts[desc.Port]
		if c < 2800 || c > 3900 {
			t.Fatalf("port %d chosen %d times out of %d: %v", desc.Port, c, samples, counts)
		}
	}
}

func TestWithRandom(t *testing.T) {
	list := []Descriptor{{Port: 1}, {Port: 2}, {Port: 3}}
	d := New(map[string][]Descriptor{"w": list}, WithRandom(func(n int) int { return n - 1 }))

	got, _ := d.Resolve("w")
	if got.Port != 3 {
		t.Fatalf("expected last descriptor, got %+v", got)
	}
}

func TestDirectoryIsImmutable(t *testing.T) {
	src := map[string][]Descriptor{"w": {{Port: 1}}}
	d := New(src)

	src["w"][0].Port = 99
	src["x"] = []Descriptor{{Port: 2}}

	got, _ := d.Resolve("w")
	if got.Port != 1 {
		t.Fatalf("directory changed with its input: %+v", got)
	}
	if _, err := d.Resolve("x"); err == nil {
		t.Fatalf("directory picked up a world added after construction")
	}

	descs := d.Descriptors("w")
	descs[0].Port = 42
	if again, _ := d.Resolve("w"); again.Port != 1 {
		t.Fatalf("Descriptors exposed internal storage")
	}
}

func TestWorldsSorted(t *testing.T) {
	d := New(map[string][]Descriptor{"b": {{}}, "a": {{}}, "c": {{}}})
	got := d.Worlds()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order %v", got)
	}
}
