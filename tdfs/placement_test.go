package tdfs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAllocateRoundRobinExample(t *testing.T) {
	nn := NewNameNode(DefaultNameNodeConfig, nil, nil, zerolog.Nop())
	nn.Registry.Register("n1", "http://n1")
	nn.Registry.Register("n2", "http://n2")

	meta, err := nn.Allocate("u", AllocateRequest{Owner: "u", Filename: "f", Size: 120000, BlockSize: 50000})
	if err != nil {
		t.Fatal(err)
	}
	want := []BlockLocation{
		{BlockID: "u:f:0", DataNode: "http://n1"},
		{BlockID: "u:f:1", DataNode: "http://n2"},
		{BlockID: "u:f:2", DataNode: "http://n1"},
	}
	if len(meta.Blocks) != len(want) {
		t.Fatalf("blocks = %+v", meta.Blocks)
	}
	for i := range want {
		if meta.Blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, meta.Blocks[i], want[i])
		}
	}
	if nn.Placer.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", nn.Placer.cursor)
	}
}

func TestPlacerContinuesAcrossCalls(t *testing.T) {
	r := NewRegistry(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		r.Register(id, "http://"+id)
	}
	p := NewPlacer(r)
	var got []string
	for i := 0; i < 3; i++ {
		nodes, err := p.PickNodes(2)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, nodes...)
	}
	want := []string{"http://a", "http://b", "http://c", "http://a", "http://b", "http://c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("picks = %v, want %v", got, want)
		}
	}
}

func TestPlacerSkipsDownNodes(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(15 * time.Second)
	r.now = clock.Now
	r.Register("a", "http://a")
	clock.Advance(20 * time.Second)
	r.Register("b", "http://b")

	nodes, err := NewPlacer(r).PickNodes(3)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range nodes {
		if n != "http://b" {
			t.Fatalf("picked DOWN node: %v", nodes)
		}
	}
}

func TestPlacerEmptyRegistry(t *testing.T) {
	_, err := NewPlacer(NewRegistry(0)).PickNodes(1)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
}

func TestPlacerConcurrentEvenSpread(t *testing.T) {
	r := NewRegistry(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		r.Register(id, id)
	}
	p := NewPlacer(r)

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				nodes, err := p.PickNodes(1)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				counts[nodes[0]]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 100 {
			t.Fatalf("counts = %v, want 100 each", counts)
		}
	}
}

func TestAllocateValidation(t *testing.T) {
	nn := NewNameNode(DefaultNameNodeConfig, nil, nil, zerolog.Nop())
	nn.Registry.Register("n1", "http://n1")

	if _, err := nn.Allocate("bob", AllocateRequest{Owner: "alice", Filename: "f", Size: 1}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("owner mismatch err = %v", err)
	}
	bad := []AllocateRequest{
		{Owner: "alice", Filename: "", Size: 1},
		{Owner: "alice", Filename: "f", Size: -1},
		{Owner: "alice", Filename: "f", Size: 1, BlockSize: -5},
	}
	for _, req := range bad {
		if _, err := nn.Allocate("alice", req); !errors.Is(err, ErrValidation) {
			t.Errorf("Allocate(%+v) err = %v, want ErrValidation", req, err)
		}
	}

	meta, err := nn.Allocate("alice", AllocateRequest{Owner: "alice", Filename: "f", Size: int64(DEFAULT_BLOCK_SIZE.Bytes()) + 1})
	if err != nil {
		t.Fatal(err)
	}
	if meta.BlockSize != int64(DEFAULT_BLOCK_SIZE.Bytes()) || len(meta.Blocks) != 2 {
		t.Fatalf("default block size not applied: %+v", meta)
	}
}
