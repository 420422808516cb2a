package crostestutils

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// proxyChunkSize is the fixed relay buffer. Chunks are not message-boundary
// aware; filters see whatever the socket read returned.
const proxyChunkSize = 1024

// defaultProxyPollInterval bounds how long Stop can take to be observed by
// the accept loop.
const defaultProxyPollInterval = 500 * time.Millisecond

// Filter manipulates the byte streams relayed by a FaultProxy. Setup is
// called once per accepted connection; Inbound/Outbound are called once per
// chunk and may return the chunk unchanged, return a modified chunk, block to
// inject latency, or return nil to sever both sockets of the connection.
//
// One filter instance is shared by every connection the proxy handles, so
// filters that keep state across connections must protect it themselves.
type Filter interface {
	Setup()
	Inbound(data []byte) []byte
	Outbound(data []byte) []byte
}

// NopFilter passes all traffic through untouched. Embed it to implement only
// the direction a fault scenario cares about.
type NopFilter struct{}

func (NopFilter) Setup()                      {}
func (NopFilter) Inbound(data []byte) []byte  { return data }
func (NopFilter) Outbound(data []byte) []byte { return data }

// FaultProxy is a local single-listener TCP relay used to simulate network
// faults while an update payload is being streamed. Each accepted connection
// gets exactly one paired outbound connection; bytes are copied in both
// directions through the filter until either side closes or the filter
// vetoes.
type FaultProxy struct {
	filter       Filter
	addrOut      string
	portOut      int
	pollInterval time.Duration

	listener *net.TCPListener
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
	handlers sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewFaultProxy binds the listening port immediately. A port that is already
// in use indicates a leaked previous run and fails with *ProxyBindError; the
// caller picks a different port rather than retrying.
func NewFaultProxy(filter Filter, portIn int, addrOut string, portOut int) (*FaultProxy, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portIn))
	if err != nil {
		return nil, &ProxyBindError{Port: portIn, Err: err}
	}
	return &FaultProxy{
		filter:       filter,
		addrOut:      addrOut,
		portOut:      portOut,
		pollInterval: defaultProxyPollInterval,
		listener:     listener.(*net.TCPListener),
		stopCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
		conns:        make(map[net.Conn]struct{}),
	}, nil
}

// Start runs the accept loop on its own goroutine so the caller can keep
// driving the update while faults are injected.
func (p *FaultProxy) Start() {
	p.started = true
	go p.acceptLoop()
}

// Stop shuts the proxy down. It returns only after the accept loop goroutine
// and every connection handler have exited, so the port is immediately
// rebindable. Observed within one poll interval.
func (p *FaultProxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.listener.Close()
	})
	if p.started {
		<-p.loopDone
	}
	p.connMu.Lock()
	for conn := range p.conns {
		conn.Close()
	}
	p.connMu.Unlock()
	p.handlers.Wait()
}

func (p *FaultProxy) acceptLoop() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		// The deadline doubles as the shutdown poll.
		_ = p.listener.SetDeadline(time.Now().Add(p.pollInterval))
		conn, err := p.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Listener closed by Stop.
			return
		}
		p.filter.Setup()
		p.trackConn(conn, true)
		p.handlers.Add(1)
		go p.handleConn(conn)
	}
}

// handleConn relays bytes between the accepted connection and one paired
// outbound connection. Inbound chunks flow client->target, outbound chunks
// target->client (the payload download direction).
func (p *FaultProxy) handleConn(in net.Conn) {
	defer p.handlers.Done()
	defer p.trackConn(in, false)

	out, err := net.Dial("tcp", fmt.Sprintf("%s:%d", p.addrOut, p.portOut))
	if err != nil {
		log.Warn().Err(err).Msg("fault proxy outbound dial failed")
		in.Close()
		return
	}
	p.trackConn(out, true)
	defer p.trackConn(out, false)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			in.Close()
			out.Close()
		})
	}
	defer closeBoth()

	var relay sync.WaitGroup
	relay.Add(2)
	go func() {
		defer relay.Done()
		defer closeBoth()
		p.relayDirection(in, out, p.filter.Inbound)
	}()
	go func() {
		defer relay.Done()
		defer closeBoth()
		p.relayDirection(out, in, p.filter.Outbound)
	}()
	relay.Wait()
}

// relayDirection copies fixed-size chunks from src to dst until EOF, a write
// error, or a filter veto (nil return). The relay blocks exactly as long as
// the filter call blocks, which is how injected latency works.
func (p *FaultProxy) relayDirection(src, dst net.Conn, filter func([]byte) []byte) {
	buf := make([]byte, proxyChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := filter(buf[:n])
			if data == nil {
				return
			}
			if _, werr := dst.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *FaultProxy) trackConn(conn net.Conn, add bool) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if add {
		p.conns[conn] = struct{}{}
	} else {
		delete(p.conns, conn)
	}
}

// InterruptionFilter severs the first MaxCloses connections once they have
// transferred more than ByteThreshold bytes in the outbound direction,
// simulating interrupted payload downloads. The close counter is shared
// across connections; the byte counter is reset per connection in Setup.
type InterruptionFilter struct {
	NopFilter
	MaxCloses     int
	ByteThreshold int64

	mu         sync.Mutex
	closeCount int
	dataSize   int64
}

// NewInterruptionFilter returns a filter that closes the first maxCloses
// connections exceeding threshold outbound bytes.
func NewInterruptionFilter(maxCloses int, threshold int64) *InterruptionFilter {
	return &InterruptionFilter{MaxCloses: maxCloses, ByteThreshold: threshold}
}

func (f *InterruptionFilter) Setup() {
	f.mu.Lock()
	f.dataSize = 0
	f.mu.Unlock()
}

func (f *InterruptionFilter) Outbound(data []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCount < f.MaxCloses && f.dataSize > f.ByteThreshold {
		f.closeCount++
		return nil
	}
	f.dataSize += int64(len(data))
	return data
}

// ClosedConnections reports how many connections have been severed so far.
func (f *InterruptionFilter) ClosedConnections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// DelayedFilter injects MaxDelays pauses of Delay each into the outbound
// stream once a connection has transferred more than ByteThreshold bytes,
// simulating a stalling payload server.
type DelayedFilter struct {
	NopFilter
	MaxDelays     int
	Delay         time.Duration
	ByteThreshold int64

	mu         sync.Mutex
	delayCount int
	dataSize   int64
}

// NewDelayedFilter returns a filter injecting maxDelays pauses of delay once
// threshold outbound bytes have passed.
func NewDelayedFilter(maxDelays int, delay time.Duration, threshold int64) *DelayedFilter {
	return &DelayedFilter{MaxDelays: maxDelays, Delay: delay, ByteThreshold: threshold}
}

func (f *DelayedFilter) Setup() {
	f.mu.Lock()
	f.dataSize = 0
	f.delayCount = 0
	f.mu.Unlock()
}

func (f *DelayedFilter) Outbound(data []byte) []byte {
	f.mu.Lock()
	shouldDelay := f.delayCount < f.MaxDelays && f.dataSize > f.ByteThreshold
	if shouldDelay {
		f.delayCount++
	}
	f.dataSize += int64(len(data))
	f.mu.Unlock()
	if shouldDelay {
		// Blocking here stalls the relay for this chunk, which is the
		// mechanism for injected latency.
		time.Sleep(f.Delay)
	}
	return data
}
