package bouncer

import (
	"log/slog"
	"time"
)

// doFullMaint runs every janitor tick (333ms): the scheduler pass,
// server and client housekeeping, and auto-database garbage
// collection. Grounded on `original_source/src/janitor.c:do_full_maint`.
func (b *Bouncer) doFullMaint(now time.Time) {
	b.perLoopMaint(now)
	for _, p := range b.pools {
		b.checkUnusedServers(p, now)
		b.checkActiveServers(p, now)
		b.checkNewServers(p, now)
		b.checkPoolSize(p)
		b.poolClientMaint(p, now)
		if b.metrics != nil {
			b.metrics.UpdatePoolStats(p.Database.Name, p.User.Name,
				len(p.ActiveClientList), len(p.WaitingClientList),
				len(p.IdleServerList), len(p.ActiveServerList),
				len(p.UsedServerList), len(p.TestedServerList))
		}
	}
	b.cleanupClientLogins(now)
	b.cleanupInactiveAutodatabases(now)
}

// checkUnusedServers reaps idle/used/tested servers that have outlived
// their lifetime or idle timeout, or that need closing because their
// database config changed underneath them. Priority order for the
// disconnect reason matches janitor.c: dirty config first, then
// lifetime (rate-limited via last_lifetime_disconnect so a whole pool
// never expires in the same tick), then idle timeout. The idle-list
// pass additionally demotes a still-healthy server to SV_USED once it
// has sat idle past server_check_delay, so launch_recheck verifies it
// before the next client gets it.
func (b *Bouncer) checkUnusedServers(p *Pool, now time.Time) {
	lifetime := p.Database.ServerLifetime
	idleTimeout := p.Database.ServerIdleTimeout

	var lifetimeKillGap time.Duration
	if lifetime > 0 {
		if n := effectivePoolSize(p.Database); n > 0 {
			lifetimeKillGap = lifetime / time.Duration(n)
		}
	}

	checkOne := func(s *PgSocket) (closeReason string, shouldClose bool) {
		if p.Database.Dirty || s.CloseNeeded {
			return "database config changed", true
		}
		if lifetime > 0 && now.Sub(s.Connected) >= lifetime {
			if p.LastLifetimeDisconnect.IsZero() || now.Sub(p.LastLifetimeDisconnect) >= lifetimeKillGap {
				return "server lifetime over", true
			}
			return "", false // over lifetime, but rate-limited this tick
		}
		if idleTimeout > 0 && now.Sub(s.LastActive) > idleTimeout {
			return "server idle timeout", true
		}
		return "", false
	}

	sweep := func(list []*PgSocket, label string, demoteIdle bool) []*PgSocket {
		var keep []*PgSocket
		for _, s := range list {
			if reason, shouldClose := checkOne(s); shouldClose {
				slog.Debug("closing "+label+" server", "reason", reason, "database", p.Database.Name)
				if reason == "server lifetime over" {
					p.LastLifetimeDisconnect = now
				}
				s.Conn.Close()
				if b.metrics != nil {
					b.metrics.ServerDisconnected(p.Database.Name, reason)
				}
				continue
			}
			if demoteIdle && p.Database.ServerCheckQuery != "" && p.Database.ServerCheckDelay > 0 &&
				now.Sub(s.LastActive) > p.Database.ServerCheckDelay {
				s.ServerState = SvUsed
				p.UsedServerList = append(p.UsedServerList, s)
				continue
			}
			keep = append(keep, s)
		}
		return keep
	}

	// All three lists get the same close checks; only the idle list
	// gets the check-delay demotion, matching check_unused_servers'
	// idle_test argument. There is no readiness check: a parked server
	// that received unsolicited data is not detected as dirty here.
	p.UsedServerList = sweep(p.UsedServerList, "used", false)
	p.TestedServerList = sweep(p.TestedServerList, "tested", false)
	p.IdleServerList = sweep(p.IdleServerList, "idle", true)
}

// checkActiveServers implements the "statement timeout" sweep over
// active_server_list: a server whose linked client's current query has
// run longer than query_timeout gets marked for close. It's left on
// ActiveServerList (just like a write/read failure would leave it) so
// the connection goroutine's own blocked read unblocks, observes the
// close, and routes it through the normal returnServer/checkUnusedServers
// path next tick instead of two goroutines fighting over one socket.
func (b *Bouncer) checkActiveServers(p *Pool, now time.Time) {
	if p.Database.QueryTimeout <= 0 {
		return
	}
	for _, s := range p.ActiveServerList {
		if s.CloseNeeded || s.LinkedTo == nil {
			continue
		}
		if now.Sub(s.LinkedTo.RequestStart) > p.Database.QueryTimeout {
			slog.Debug("closing active server", "reason", "statement timeout", "database", p.Database.Name)
			s.CloseNeeded = true
			s.Conn.Close()
			if b.metrics != nil {
				b.metrics.ServerDisconnected(p.Database.Name, "statement timeout")
			}
		}
	}
}

// checkNewServers implements the server_connect_timeout sweep over
// new_server_list: a dial that's taken too long gets marked so
// launchNewConnection's completion callback closes it on arrival
// instead of handing it out, rather than cancelling the in-flight
// net.DialTimeout call directly.
func (b *Bouncer) checkNewServers(p *Pool, now time.Time) {
	if p.Database.ServerConnectTimeout <= 0 {
		return
	}
	for _, s := range p.NewServerList {
		if !s.CloseNeeded && now.Sub(s.Connected) > p.Database.ServerConnectTimeout {
			slog.Debug("marking new server for close", "reason", "connect timeout", "database", p.Database.Name)
			s.CloseNeeded = true
		}
	}
}

// checkPoolSize closes excess idle/used servers down to the
// configured pool size, draining used_server_list before
// idle_server_list and excluding new_server_list from the count
// (matching the comment in janitor.c: a cancel packet may still need
// to create a new server connection even while "at capacity").
func (b *Bouncer) checkPoolSize(p *Pool) {
	limit := effectivePoolSize(p.Database)
	total := len(p.ActiveServerList) + len(p.IdleServerList) +
		len(p.UsedServerList) + len(p.TestedServerList)

	for total > limit && len(p.UsedServerList) > 0 {
		s := p.UsedServerList[len(p.UsedServerList)-1]
		p.UsedServerList = p.UsedServerList[:len(p.UsedServerList)-1]
		s.Conn.Close()
		total--
	}
	for total > limit && len(p.IdleServerList) > 0 {
		s := p.IdleServerList[len(p.IdleServerList)-1]
		p.IdleServerList = p.IdleServerList[:len(p.IdleServerList)-1]
		s.Conn.Close()
		total--
	}
}

// poolClientMaint enforces client_idle_timeout over clients currently
// unlinked between transactions (IdleClientList) and query_timeout over
// clients still waiting for a backend (WaitingClientList, using the
// query they're actually waiting on rather than the connect timeout).
func (b *Bouncer) poolClientMaint(p *Pool, now time.Time) {
	if p.Database.ClientIdleTimeout > 0 {
		var keep []*PgSocket
		for _, c := range p.IdleClientList {
			if now.Sub(c.LastActive) > p.Database.ClientIdleTimeout {
				slog.Debug("client idle timeout", "database", p.Database.Name)
				c.Conn.Close()
				continue
			}
			keep = append(keep, c)
		}
		p.IdleClientList = keep
	}

	timeout := p.Database.QueryTimeout
	if timeout <= 0 {
		timeout = dialTimeout(p.Database) // no query_timeout configured: fall back to the connect timeout as a backstop
	}
	var keepWaiting []*PgSocket
	for _, c := range p.WaitingClientList {
		since := c.RequestStart
		if since.IsZero() {
			since = c.Connected
		}
		if now.Sub(since) > timeout {
			slog.Debug("client wait timeout", "database", p.Database.Name)
			c.Conn.Close()
			continue
		}
		keepWaiting = append(keepWaiting, c)
	}
	p.WaitingClientList = keepWaiting
}

// cleanupClientLogins reaps clients stuck in startup/auth negotiation
// longer than clientLoginTimeout, a pool-independent, Bouncer-global
// sweep matching janitor.c:cleanup_client_logins (cf_client_login_timeout
// is a global setting, not a per-database one).
func (b *Bouncer) cleanupClientLogins(now time.Time) {
	if b.clientLoginTimeout <= 0 {
		return
	}
	var keep []*PgSocket
	for _, c := range b.loginClients {
		if now.Sub(c.Connected) > b.clientLoginTimeout {
			slog.Debug("client login timeout")
			c.Conn.Close()
			continue
		}
		keep = append(keep, c)
	}
	b.loginClients = keep
}

// markAutoDatabaseIdle appends db to the tail of the idle list the
// first time its pool disappears; idempotent, since a database already
// on the list needs nothing further done to it.
func (b *Bouncer) markAutoDatabaseIdle(db *PgDatabase) {
	for _, d := range b.autodatabaseIdleList {
		if d == db {
			return
		}
	}
	b.autodatabaseIdleList = append(b.autodatabaseIdleList, db)
}

// unmarkAutoDatabaseIdle removes db from the idle list once it has a
// live pool again.
func (b *Bouncer) unmarkAutoDatabaseIdle(db *PgDatabase) {
	for i, d := range b.autodatabaseIdleList {
		if d == db {
			b.autodatabaseIdleList = append(b.autodatabaseIdleList[:i], b.autodatabaseIdleList[i+1:]...)
			return
		}
	}
}

// cleanupInactiveAutodatabases garbage-collects auto-materialized
// databases (from the "*" wildcard template) that have had no live
// pool for longer than autodbIdleTimeout. autodatabaseIdleList is kept
// in append order by markAutoDatabaseIdle, the only place that appends
// to it, so the GC walk can stop at the first entry not yet expired
// instead of scanning the whole list every tick.
func (b *Bouncer) cleanupInactiveAutodatabases(now time.Time) {
	for name, db := range b.databases {
		if b.autoTemplate == nil || !isAutoMaterialized(db, b.autoTemplate) {
			continue
		}
		hasPool := false
		for k := range b.pools {
			if k.Database == name {
				hasPool = true
				break
			}
		}
		if hasPool {
			b.unmarkAutoDatabaseIdle(db)
			continue
		}
		b.markAutoDatabaseIdle(db)
	}

	timeout := b.autodbIdleTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	i := 0
	for ; i < len(b.autodatabaseIdleList); i++ {
		db := b.autodatabaseIdleList[i]
		if now.Sub(db.LastSeen) <= timeout {
			break
		}
		if !db.Dirty {
			delete(b.databases, db.Name)
			slog.Debug("garbage collected auto-database", "database", db.Name)
		}
	}
	b.autodatabaseIdleList = b.autodatabaseIdleList[i:]
}

func isAutoMaterialized(db, template *PgDatabase) bool {
	return db != template && db.AutoDatabase
}
