package reference

import (
	"fmt"
	"sync"
	"testing"

	"brokerstream/models"
)

func TestSwapAndGet(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("ig", "D1"); ok {
		t.Fatalf("empty store returned a position")
	}
	in := map[string]models.ReferencePosition{"D1": {Broker: "ig", DealID: "D1", Epic: "EURUSD"}}
	s.Swap("IG", in)

	p, ok := s.Get("ig", "d1")
	if !ok || p.Epic != "EURUSD" {
		t.Fatalf("unexpected lookup: %+v %v", p, ok)
	}

	// the caller's map is not shared with the store
	in["D2"] = models.ReferencePosition{DealID: "D2"}
	if _, ok := s.Get("ig", "D2"); ok {
		t.Fatalf("store observed caller mutation")
	}

	s.Swap("ig", map[string]models.ReferencePosition{"D2": {DealID: "D2"}})
	if _, ok := s.Get("ig", "D1"); ok {
		t.Fatalf("old snapshot still visible")
	}
	if s.Len("ig") != 1 || len(s.Brokers()) != 1 {
		t.Fatalf("unexpected sizes: %d %v", s.Len("ig"), s.Brokers())
	}
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewStore()
	build := func(gen int) map[string]models.ReferencePosition {
		m := make(map[string]models.ReferencePosition, 50)
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("D%d", i)
			m[id] = models.ReferencePosition{DealID: id, Epic: fmt.Sprintf("gen%d", gen)}
		}
		return m
	}
	s.Swap("saxo", build(0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot("saxo")
				gen := ""
				for _, p := range snap {
					if gen == "" {
						gen = p.Epic
					} else if p.Epic != gen {
						select {
						case errs <- "mixed generations in one snapshot":
						default:
						}
						return
					}
				}
			}
		}()
	}
	for g := 1; g < 200; g++ {
		s.Swap("saxo", build(g))
		s.Swap("other", build(g))
	}
	close(stop)
	wg.Wait()
	select {
	case e := <-errs:
		t.Fatal(e)
	default:
	}
}
