package edge

import (
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UnknownBucket is the shared counter key for connections whose remote
// address cannot be determined. They never get unlimited access.
const UnknownBucket = "unknown"

// Gate limits concurrent inbound connections per remote IP. Counters are
// created on first acceptance, incremented per accept, decremented per close
// and removed atomically when they reach zero.
type Gate struct {
	policy *PolicyHolder
	counts *xsync.Map[string, int32]
	log    zerolog.Logger

	metrics *Metrics
}

// NewGate creates a gate reading its limit from the policy holder.
func NewGate(policy *PolicyHolder) *Gate {
	return &Gate{
		policy: policy,
		counts: xsync.NewMap[string, int32](),
		log:    log.With().Str("component", "gate").Logger(),
	}
}

// SetLogger replaces the gate's logger.
func (g *Gate) SetLogger(l zerolog.Logger) { g.log = l }

// SetMetrics attaches prometheus counters.
func (g *Gate) SetMetrics(m *Metrics) { g.metrics = m }

// Acquire registers a new connection from ip. When the post-increment count
// exceeds the limit, the count is rolled back and ok is false; the caller must
// close the connection without writing a response. A brief transient
// over-count during concurrent accepts is corrected by the rollback.
func (g *Gate) Acquire(ip string) (n int32, ok bool) {
	if ip == "" {
		ip = UnknownBucket
	}
	limit := int32(g.policy.Load().MaxConnectionsPerIP)

	n, _ = g.counts.Compute(ip, func(old int32, _ bool) (int32, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
	if limit > 0 && n > limit {
		g.Release(ip)
		g.log.Warn().Msgf("Connection limit exceeded for IP: %s (current: %d)", ip, n)
		if g.metrics != nil {
			g.metrics.GateRejected.Inc()
		}
		return n, false
	}
	g.log.Info().Msgf("Connection accepted from IP: %s (total: %d)", ip, n)
	if g.metrics != nil {
		g.metrics.OpenConnections.Inc()
	}
	return n, true
}

// Release unregisters a connection from ip, removing the record when the
// count reaches zero.
func (g *Gate) Release(ip string) {
	if ip == "" {
		ip = UnknownBucket
	}
	g.counts.Compute(ip, func(old int32, loaded bool) (int32, xsync.ComputeOp) {
		if !loaded {
			return 0, xsync.CancelOp
		}
		if old <= 1 {
			return 0, xsync.DeleteOp
		}
		return old - 1, xsync.UpdateOp
	})
}

// ReleaseAccepted is Release plus the open-connection gauge decrement; the
// pipeline calls it for connections that passed Acquire.
func (g *Gate) ReleaseAccepted(ip string) {
	g.Release(ip)
	if g.metrics != nil {
		g.metrics.OpenConnections.Dec()
	}
}

// Count returns the live counter for ip, zero when absent.
func (g *Gate) Count(ip string) int32 {
	n, _ := g.counts.Load(ip)
	return n
}

// Counters exposes gate totals for the monitoring snapshot.
func (g *Gate) Counters() map[string]int64 {
	var ips, conns int64
	g.counts.Range(func(_ string, n int32) bool {
		ips++
		conns += int64(n)
		return true
	})
	return map[string]int64{"tracked_ips": ips, "open_connections": conns}
}
