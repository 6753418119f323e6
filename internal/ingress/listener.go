// Package ingress receives node datagrams from the mesh and forwards the
// valid ones to the bus.
//
// The listener is a single cooperative loop. Every receive has a short
// deadline so the loop regularly gets to housekeeping: retrying the
// multicast join while the radio interface is missing, and logging
// counters. Persistent receive errors make it rebuild the socket.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/config"
	"github.com/rbms/relay/internal/metrics"
)

// State is the listener's socket state.
type State string

const (
	Unbound     State = "UNBOUND"
	Bound       State = "BOUND"
	Joined      State = "JOINED"
	UnicastOnly State = "UNICAST_ONLY"
	Recreating  State = "RECREATING"
)

// errorPause is the wait after a receive error below the threshold.
const errorPause = time.Second

// DatagramHandler processes one received datagram. It must not retain
// payload beyond the call unless it copies it.
type DatagramHandler func(src net.Addr, payload []byte)

// Listener owns the ingress socket.
type Listener struct {
	cfg           config.IngressConfig
	group         net.IP
	statsInterval time.Duration
	stats         *metrics.GatewayStats
	handle        DatagramHandler

	open   func(ctx context.Context, port int) (PacketConn, error)
	lookup InterfaceLookup
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool

	mu                sync.Mutex
	state             State
	conn              PacketConn
	joinedIndex       int
	consecutiveErrors int
	lastJoinAttempt   time.Time
	lastJoined        time.Time
	lastStats         time.Time
	joinWarned        bool
}

func NewListener(cfg config.IngressConfig, statsInterval time.Duration, stats *metrics.GatewayStats, handle DatagramHandler) (*Listener, error) {
	group := net.ParseIP(cfg.MulticastGroup)
	if group == nil || group.To4() != nil || !group.IsMulticast() {
		return nil, fmt.Errorf("invalid ipv6 multicast group %q", cfg.MulticastGroup)
	}
	return &Listener{
		cfg:           cfg,
		group:         group,
		statsInterval: statsInterval,
		stats:         stats,
		handle:        handle,
		open:          ListenUDP,
		lookup:        LinkLookup,
		now:           time.Now,
		sleep:         sleepCtx,
		state:         Unbound,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// State reports the current socket state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastJoined is the time of the last successful multicast join.
func (l *Listener) LastJoined() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastJoined
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	l.stats.Joined.Store(s == Joined)
	if prev != s {
		log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("ingress state")
	}
}

// Open binds the socket and attempts the first multicast join. A bind
// failure is returned; a missing interface is not.
func (l *Listener) Open(ctx context.Context) error {
	conn, err := l.open(ctx, l.cfg.Port)
	if err != nil {
		return err
	}
	l.conn = conn
	l.consecutiveErrors = 0
	l.setState(Bound)
	log.Info().Int("port", l.cfg.Port).Msg("udp socket bound")

	l.joinWarned = false
	l.lastStats = l.now()
	if !l.join() {
		log.Info().Int("port", l.cfg.Port).Msg("receiving unicast udp only until multicast join succeeds")
	}
	return nil
}

// join attempts the multicast join and records the outcome.
func (l *Listener) join() bool {
	l.lastJoinAttempt = l.now()

	ifi, err := l.lookup(l.cfg.Interface)
	if err == nil {
		err = l.conn.JoinGroup(ifi, l.group)
	}
	if err != nil {
		l.setState(UnicastOnly)
		ev := log.Debug()
		if !l.joinWarned {
			ev = log.Warn()
			l.joinWarned = true
		}
		ev.Err(err).
			Str("interface", l.cfg.Interface).
			Str("group", l.cfg.MulticastGroup).
			Msg("multicast join failed, interface may not exist yet")
		return false
	}

	l.joinWarned = false
	l.joinedIndex = ifi.Index
	l.mu.Lock()
	l.lastJoined = l.lastJoinAttempt
	l.mu.Unlock()
	l.setState(Joined)
	log.Info().
		Str("group", l.cfg.MulticastGroup).
		Str("interface", l.cfg.Interface).
		Int("index", ifi.Index).
		Msg("joined multicast group")
	return true
}

// checkMembership notices an interface that vanished or was recreated
// under a joined socket; either way the membership is gone.
func (l *Listener) checkMembership() {
	l.lastJoinAttempt = l.now()
	ifi, err := l.lookup(l.cfg.Interface)
	if err == nil && ifi.Index == l.joinedIndex {
		return
	}
	log.Warn().
		Err(err).
		Str("interface", l.cfg.Interface).
		Msg("multicast membership lost, will rejoin")
	l.setState(UnicastOnly)
	if err == nil {
		l.join()
	}
}

func (l *Listener) housekeeping() {
	now := l.now()
	if now.Sub(l.lastJoinAttempt) >= l.cfg.RetryInterval() {
		if l.State() == Joined {
			l.checkMembership()
		} else {
			l.join()
		}
	}
	if l.statsInterval > 0 && now.Sub(l.lastStats) >= l.statsInterval {
		log.Info().EmbedObject(l.stats).Msg("gateway stats")
		l.lastStats = now
	}
}

// Run receives until ctx is cancelled, then closes the socket.
func (l *Listener) Run(ctx context.Context) {
	buf := make([]byte, l.cfg.MaxDatagramSize)
	defer l.Close()

	for ctx.Err() == nil {
		if l.conn == nil {
			l.recreate(ctx)
			continue
		}
		l.housekeeping()

		_ = l.conn.SetReadDeadline(l.now().Add(l.cfg.ReadTimeout()))
		n, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) || ctx.Err() != nil {
				continue
			}
			l.receiveError(ctx, err)
			continue
		}

		l.consecutiveErrors = 0
		l.stats.Received.Add(1)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.handle(src, payload)
	}
}

func (l *Listener) receiveError(ctx context.Context, err error) {
	l.consecutiveErrors++
	l.stats.Errors.Add(1)
	log.Error().Err(err).Int("consecutive", l.consecutiveErrors).Msg("udp receive error")

	if l.consecutiveErrors < l.cfg.MaxConsecutiveErrors {
		l.sleep(ctx, errorPause)
		return
	}
	log.Warn().Int("consecutive", l.consecutiveErrors).Msg("too many consecutive errors, recreating socket")
	l.closeConn()
	l.recreate(ctx)
}

// recreate waits one retry interval and binds a fresh socket. On failure
// the conn stays nil and Run tries again.
func (l *Listener) recreate(ctx context.Context) {
	l.setState(Recreating)
	if !l.sleep(ctx, l.cfg.RetryInterval()) {
		return
	}
	if err := l.Open(ctx); err != nil {
		log.Error().Err(err).Msg("socket recreation failed")
		return
	}
	l.stats.Recreated.Add(1)
	log.Info().Str("state", string(l.State())).Msg("socket recreated")
}

func (l *Listener) closeConn() {
	if l.conn == nil {
		return
	}
	if err := l.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("closing udp socket")
	}
	l.conn = nil
}

// Close releases the socket.
func (l *Listener) Close() {
	l.closeConn()
	l.setState(Unbound)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
