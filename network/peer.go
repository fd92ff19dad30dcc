package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luca-patrignani/bcast-bench/metrics"
)

var (
	// ErrTimeout is returned when a blocking operation exceeds the peer timeout.
	ErrTimeout = errors.New("timed out")
	// ErrAborted is returned by every blocking operation once the group has been aborted.
	ErrAborted = errors.New("process group aborted")
	// ErrInvalidRank is returned when a rank is not part of the group.
	ErrInvalidRank = errors.New("invalid rank")

	errPeerGone = errors.New("peer has left the group")
)

// kind separates independent message streams between the same pair of peers.
type kind string

const (
	kindP2P     kind = "p2p"
	kindBcast   kind = "bcast"
	kindBarrier kind = "barrier"
	kindAbort   kind = "abort"
)

const (
	headerKind   = "Kind"
	headerSender = "Sender-Rank"
	headerClock  = "Clock"

	mailboxSize   = 64
	retryInterval = time.Millisecond
	abortTimeout  = time.Second
	closeTimeout  = 5 * time.Second
)

// channel identifies one ordered stream: messages of a kind from (or to) a rank.
type channel struct {
	kind kind
	rank int
}

// Peer is an helper struct for communication between processes.
// the Rank is an identifier of the Peer.
// Addresses[i] contains the address to reach the Peer with Rank i.
type Peer struct {
	Rank      int
	Addresses map[int]string
	server    *http.Server
	client    *http.Client
	handler   *messageHandler
	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	seqMu sync.Mutex
	seq   map[channel]uint64
}

// NewPeer creates a peer with the given timeout and starts serving on l.
func NewPeer(rank int, addresses map[int]string, l net.Listener, timeout time.Duration) (*Peer, error) {
	p, err := NewPeerWithOptions(rank, addresses, WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	p.Start(l)
	return p, nil
}

// Close shuts the peer's server down. Messages not yet received are lost.
func (p *Peer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	p.client.CloseIdleConnections()
	return p.server.Shutdown(ctx)
}

// GetRank returns the rank of this peer.
func (p *Peer) GetRank() int {
	return p.Rank
}

// GetPeerCount returns the number of peers in the group, this one included.
func (p *Peer) GetPeerCount() int {
	return len(p.Addresses)
}

// WallClock returns a process-local timestamp. Differences between two
// timestamps of the same peer use the monotonic clock.
func (p *Peer) WallClock() time.Time {
	return time.Now()
}

// Send delivers data to the peer with rank dest. It returns once dest has
// queued the message. Messages from one peer to another are received in the
// order they were sent.
func (p *Peer) Send(data []byte, dest int) error {
	return p.send(kindP2P, data, dest)
}

// Recv blocks until the next message sent by src with Send is available.
func (p *Peer) Recv(src int) ([]byte, error) {
	return p.recv(kindP2P, src)
}

// Broadcast makes the content of data on the Peer with Rank root available
// to every peer. The returned slice contains the root's data.
// Messages are relayed along a binomial tree rooted at root.
func (p *Peer) Broadcast(data []byte, root int) ([]byte, error) {
	n := p.GetPeerCount()
	if _, ok := p.Addresses[root]; !ok {
		return nil, fmt.Errorf("%w: root %d", ErrInvalidRank, root)
	}
	rel := (p.Rank - root + n) % n
	mask := 1
	for mask < n {
		if rel&mask != 0 {
			src := (rel - mask + root) % n
			recv, err := p.recv(kindBcast, src)
			if err != nil {
				return nil, fmt.Errorf("broadcast: receiving from peer %d: %w", src, err)
			}
			data = recv
			break
		}
		mask <<= 1
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		if rel+mask < n {
			dest := (rel + mask + root) % n
			if err := p.send(kindBcast, data, dest); err != nil {
				return nil, fmt.Errorf("broadcast: sending to peer %d: %w", dest, err)
			}
		}
	}
	return data, nil
}

// Barrier synchronizes the peers.
// In particular this method guarantees that no Peer's control flow will
// leave this function until every peer has entered this function.
func (p *Peer) Barrier() error {
	n := p.GetPeerCount()
	if p.Rank == 0 {
		for i := 1; i < n; i++ {
			if _, err := p.recv(kindBarrier, i); err != nil {
				return fmt.Errorf("barrier: %w", err)
			}
		}
		for i := 1; i < n; i++ {
			if err := p.send(kindBarrier, nil, i); err != nil {
				return fmt.Errorf("barrier: %w", err)
			}
		}
		return nil
	}
	if err := p.send(kindBarrier, nil, 0); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	if _, err := p.recv(kindBarrier, 0); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// Abort releases every blocking call of this peer with ErrAborted and tells
// the other peers to do the same. Notifications are best effort.
// Only the first call has an effect.
func (p *Peer) Abort(cause error) {
	if !p.handler.abort(fmt.Errorf("%w: %w", ErrAborted, cause)) {
		return
	}
	client := &http.Client{Timeout: abortTimeout, Transport: p.client.Transport}
	var wg sync.WaitGroup
	for i := range p.Addresses {
		if i == p.Rank {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := p.newRequest(kindAbort, []byte(cause.Error()), i, 0)
			if err != nil {
				p.logger.Debug("could not build abort notification", "peer", i, "error", err)
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				p.logger.Debug("could not notify abort", "peer", i, "error", err)
				return
			}
			_ = resp.Body.Close()
		}(i)
	}
	wg.Wait()
}

func (p *Peer) send(k kind, data []byte, dest int) error {
	if err := p.checkRemote(dest); err != nil {
		return err
	}
	seq := p.nextSeq(channel{kind: k, rank: dest})
	start := time.Now()
	for {
		if err := p.handler.abortCause(); err != nil {
			return err
		}
		err := p.post(k, data, dest, seq)
		if err == nil {
			p.metrics.MessageSent(string(k), len(data))
			return nil
		}
		if errors.Is(err, errPeerGone) {
			return fmt.Errorf("%w: peer %d has left the group", ErrAborted, dest)
		}
		if p.timeout > 0 && time.Since(start) > p.timeout {
			p.metrics.Timeout("send")
			return fmt.Errorf("%w: sending to peer %d: %w", ErrTimeout, dest, err)
		}
		p.metrics.Retry()
		select {
		case <-p.handler.aborted:
		case <-time.After(retryInterval):
		}
	}
}

func (p *Peer) post(k kind, data []byte, dest int, seq uint64) error {
	req, err := p.newRequest(k, data, dest, seq)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusGone:
		return errPeerGone
	default:
		return fmt.Errorf("unsuccessful status code %d", resp.StatusCode)
	}
}

func (p *Peer) newRequest(k kind, data []byte, dest int, seq uint64) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, p.url(dest), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerKind, string(k))
	req.Header.Set(headerSender, strconv.Itoa(p.Rank))
	req.Header.Set(headerClock, strconv.FormatUint(seq, 10))
	return req, nil
}

func (p *Peer) recv(k kind, src int) ([]byte, error) {
	if err := p.checkRemote(src); err != nil {
		return nil, err
	}
	mailbox := p.handler.mailbox(channel{kind: k, rank: src})
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case data := <-mailbox:
		p.metrics.MessageReceived(string(k))
		return data, nil
	case <-p.handler.aborted:
		return nil, p.handler.abortCause()
	case <-timeout:
		p.metrics.Timeout("recv")
		return nil, fmt.Errorf("%w: waiting for peer %d", ErrTimeout, src)
	}
}

func (p *Peer) checkRemote(rank int) error {
	if rank == p.Rank {
		return fmt.Errorf("%w: peer %d cannot message itself", ErrInvalidRank, rank)
	}
	if _, ok := p.Addresses[rank]; !ok {
		return fmt.Errorf("%w: %d not in a group of %d", ErrInvalidRank, rank, p.GetPeerCount())
	}
	return nil
}

func (p *Peer) nextSeq(c channel) uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	seq := p.seq[c]
	p.seq[c] = seq + 1
	return seq
}

func (p *Peer) url(rank int) string {
	addr := p.Addresses[rank]
	if strings.Contains(addr, "://") {
		return addr
	}
	if p.tlsConfig != nil {
		return "https://" + addr
	}
	return "http://" + addr
}

// messageHandler queues incoming messages per (kind, sender) stream.
// The Clock header carries the sender's sequence number of the stream, which
// lets retried requests be recognised and dropped.
type messageHandler struct {
	size int

	mu        sync.Mutex
	mailboxes map[channel]chan []byte
	expected  map[channel]uint64

	aborted   chan struct{}
	abortOnce sync.Once
	cause     error
}

func newMessageHandler(size int) *messageHandler {
	return &messageHandler{
		size:      size,
		mailboxes: make(map[channel]chan []byte),
		expected:  make(map[channel]uint64),
		aborted:   make(chan struct{}),
	}
}

func (h *messageHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	sender, err := strconv.Atoi(req.Header.Get(headerSender))
	if err != nil || sender < 0 || sender >= h.size {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	content, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	k := kind(req.Header.Get(headerKind))
	switch k {
	case kindAbort:
		h.abort(fmt.Errorf("%w by peer %d: %s", ErrAborted, sender, content))
		rw.WriteHeader(http.StatusAccepted)
		return
	case kindP2P, kindBcast, kindBarrier:
	default:
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	seq, err := strconv.ParseUint(req.Header.Get(headerClock), 10, 64)
	if err != nil {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if h.abortCause() != nil {
		rw.WriteHeader(http.StatusGone)
		return
	}
	rw.WriteHeader(h.deliver(channel{kind: k, rank: sender}, seq, content))
}

// deliver enqueues content if seq is the next expected sequence number of c
// and returns the status code for the sender.
func (h *messageHandler) deliver(c channel, seq uint64, content []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	expected := h.expected[c]
	if seq < expected {
		// already delivered, the sender missed our answer
		return http.StatusAccepted
	}
	if seq > expected {
		return http.StatusConflict
	}
	select {
	case h.mailboxLocked(c) <- content:
		h.expected[c] = expected + 1
		return http.StatusAccepted
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *messageHandler) mailbox(c channel) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mailboxLocked(c)
}

func (h *messageHandler) mailboxLocked(c channel) chan []byte {
	mb, ok := h.mailboxes[c]
	if !ok {
		mb = make(chan []byte, mailboxSize)
		h.mailboxes[c] = mb
	}
	return mb
}

// abort records cause and releases the waiters. It reports whether this call
// was the one that aborted the handler.
func (h *messageHandler) abort(cause error) bool {
	first := false
	h.abortOnce.Do(func() {
		h.mu.Lock()
		h.cause = cause
		h.mu.Unlock()
		close(h.aborted)
		first = true
	})
	return first
}

func (h *messageHandler) abortCause() error {
	select {
	case <-h.aborted:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cause
	default:
		return nil
	}
}

// CreateAddresses reserves n loopback addresses localhost:PORT.
// The ports are released before returning, so another process can bind them.
func CreateAddresses(n int) (map[int]string, error) {
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		addresses[i] = l.Addr().String()
		if err := l.Close(); err != nil {
			return nil, err
		}
	}
	return addresses, nil
}

// CreateListeners opens n loopback listeners and returns them with their addresses.
func CreateListeners(n int) (map[int]net.Listener, map[int]string, error) {
	listeners := make(map[int]net.Listener)
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, nil, err
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses, nil
}

func checkAddresses(rank int, addresses map[int]string) error {
	for i := 0; i < len(addresses); i++ {
		if _, ok := addresses[i]; !ok {
			return fmt.Errorf("%w: missing address for rank %d", ErrInvalidRank, i)
		}
	}
	if _, ok := addresses[rank]; !ok {
		return fmt.Errorf("%w: %d not in a group of %d", ErrInvalidRank, rank, len(addresses))
	}
	return nil
}

func copyMap(original map[int]string) map[int]string {
	copied := make(map[int]string)
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
