package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// memNet is an in-memory process group used to observe what a strategy does
// on the wire: every rank gets a memGroup sharing the same channels.
type memNet struct {
	size  int
	links [][]chan []byte // links[src][dst]
	bcast [][]chan []byte

	mu       sync.Mutex
	cond     *sync.Cond
	arrived  int
	phase    int
	sends    [][]int // sends[src] lists destinations in call order
	failSend map[int]error
}

func newMemNet(size int) *memNet {
	n := &memNet{
		size:     size,
		links:    make([][]chan []byte, size),
		bcast:    make([][]chan []byte, size),
		sends:    make([][]int, size),
		failSend: map[int]error{},
	}
	n.cond = sync.NewCond(&n.mu)
	for i := range n.links {
		n.links[i] = make([]chan []byte, size)
		n.bcast[i] = make([]chan []byte, size)
		for j := range n.links[i] {
			n.links[i][j] = make(chan []byte, 16)
			n.bcast[i][j] = make(chan []byte, 16)
		}
	}
	return n
}

func (n *memNet) group(rank int) *memGroup {
	return &memGroup{net: n, rank: rank}
}

func (n *memNet) sendsFrom(rank int) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.sends[rank]...)
}

type memGroup struct {
	net  *memNet
	rank int
}

func (g *memGroup) GetRank() int      { return g.rank }
func (g *memGroup) GetPeerCount() int { return g.net.size }

func (g *memGroup) Send(data []byte, dest int) error {
	g.net.mu.Lock()
	g.net.sends[g.rank] = append(g.net.sends[g.rank], dest)
	err := g.net.failSend[dest]
	g.net.mu.Unlock()
	if err != nil {
		return err
	}
	g.net.links[g.rank][dest] <- append([]byte(nil), data...)
	return nil
}

func (g *memGroup) Recv(src int) ([]byte, error) {
	select {
	case data := <-g.net.links[src][g.rank]:
		return data, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("rank %d: nothing from %d", g.rank, src)
	}
}

func (g *memGroup) Broadcast(data []byte, root int) ([]byte, error) {
	if g.rank == root {
		for i := 0; i < g.net.size; i++ {
			if i != root {
				g.net.bcast[root][i] <- append([]byte(nil), data...)
			}
		}
		return data, nil
	}
	return <-g.net.bcast[root][g.rank], nil
}

func (g *memGroup) Barrier() error {
	n := g.net
	n.mu.Lock()
	defer n.mu.Unlock()
	phase := n.phase
	n.arrived++
	if n.arrived == n.size {
		n.arrived = 0
		n.phase++
		n.cond.Broadcast()
		return nil
	}
	for phase == n.phase {
		n.cond.Wait()
	}
	return nil
}

func (g *memGroup) WallClock() time.Time { return time.Now() }

// runRanks calls f for every rank of net concurrently and joins the errors.
func runRanks(net *memNet, f func(g *memGroup) error) error {
	errs := make([]error, net.size)
	var wg sync.WaitGroup
	for i := 0; i < net.size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := f(net.group(i)); err != nil {
				errs[i] = fmt.Errorf("rank %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}
