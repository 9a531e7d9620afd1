package bouncer

import (
	"log/slog"
	"net"
	"time"
)

// activatePool implements per_loop_activate for one pool: for each
// waiting client, try idle_server_list first; if that's empty, a
// tested_server_list means a check query is already in flight and the
// client should just wait for it to land; only once both are empty do
// we fall to launchRecheck, which itself drains used_server_list
// before dialing a brand new connection.
func (b *Bouncer) activatePool(p *Pool) {
	if p.Paused || p.Suspended {
		return
	}
	for len(p.WaitingClientList) > 0 {
		if len(p.IdleServerList) > 0 {
			client := p.WaitingClientList[0]
			p.WaitingClientList = p.WaitingClientList[1:]
			server := p.IdleServerList[len(p.IdleServerList)-1]
			p.IdleServerList = p.IdleServerList[:len(p.IdleServerList)-1]
			b.bindClientToServer(p, client, server)
			continue
		}
		if len(p.TestedServerList) > 0 {
			return // runCheckQuery calls activatePool again on completion
		}
		b.launchRecheck(p)
		return
	}
}

// bindClientToServer pairs a waiting client with a server pulled off
// idle_server_list, reconciling session variables (SPEC_FULL.md
// §4.3/§4.7): the server's last-known vars are diffed against what the
// client expects via varcache.Cache.Apply, and the resulting SET
// packet (if any) rides along on bindReady for the connection
// goroutine to run before resuming ordinary relay. Apply is a pure
// diff — no network I/O happens on the scheduler goroutine.
func (b *Bouncer) bindClientToServer(p *Pool, client, server *PgSocket) {
	server.ServerState = SvActive
	client.ClientState = ClActive
	client.LinkedTo = server
	server.LinkedTo = client
	p.ActiveServerList = append(p.ActiveServerList, server)
	if !client.activeListed {
		p.ActiveClientList = append(p.ActiveClientList, client)
		client.activeListed = true
	}

	varsPkt := server.Vars.Apply(&client.Vars)

	if client.bindReady != nil {
		client.bindReady <- BoundServer{Server: server, VarsPkt: varsPkt}
	}
}

// launchRecheck implements launch_recheck: pop the head of
// used_server_list (skipping anything that went dirty while parked)
// and either release it straight to SV_IDLE or, if a check query is
// configured and due, promote it to SV_TESTED and run that query
// asynchronously. Only once used_server_list has nothing usable left
// does it fall back to dialing a brand new connection, and only if the
// pool has room for one.
func (b *Bouncer) launchRecheck(p *Pool) {
	for len(p.UsedServerList) > 0 {
		s := p.UsedServerList[0]
		p.UsedServerList = p.UsedServerList[1:]
		if s.CloseNeeded || p.Database.Dirty {
			s.Conn.Close()
			continue
		}
		needsCheck := p.Database.ServerCheckQuery != "" &&
			(p.Database.ServerCheckDelay <= 0 || time.Since(s.LastActive) >= p.Database.ServerCheckDelay)
		if !needsCheck {
			s.ServerState = SvIdle
			s.LastActive = time.Now()
			p.IdleServerList = append(p.IdleServerList, s)
			b.activatePool(p)
			return
		}
		s.ServerState = SvTested
		p.TestedServerList = append(p.TestedServerList, s)
		b.runCheckQuery(p, s)
		return
	}

	total := len(p.ActiveServerList) + len(p.IdleServerList) +
		len(p.UsedServerList) + len(p.TestedServerList)
	if total >= effectivePoolSize(p.Database) {
		return
	}
	if len(p.NewServerList) > 0 {
		return // a dial is already in flight
	}
	if b.metrics != nil {
		b.metrics.RecheckLaunched(p.Database.Name, p.User.Name)
	}
	b.launchNewConnection(p)
}

// runCheckQuery runs the configured server_check_query against a
// server parked in SV_TESTED, off the scheduler goroutine, and reports
// the result back via Exec: success promotes it to SV_IDLE so a
// waiting client can use it, failure just closes it. Either way
// activatePool gets another chance to bind waiting clients.
func (b *Bouncer) runCheckQuery(p *Pool, s *PgSocket) {
	query := p.Database.ServerCheckQuery
	go func() {
		ok := runResetQuery(s, query)
		b.Exec(func(bb *Bouncer) {
			p.TestedServerList = removeSocket(p.TestedServerList, s)
			if !ok {
				s.Conn.Close()
				bb.activatePool(p)
				return
			}
			s.ServerState = SvIdle
			s.LastActive = time.Now()
			p.IdleServerList = append(p.IdleServerList, s)
			bb.activatePool(p)
		})
	}()
}

func effectivePoolSize(db *PgDatabase) int {
	if db.PoolSize > 0 {
		return db.PoolSize
	}
	return 20
}

// launchNewConnection dials and authenticates one new backend
// connection in its own goroutine (network I/O never runs on the
// scheduler goroutine) and reports the result back via Exec.
func (b *Bouncer) launchNewConnection(p *Pool) {
	placeholder := &PgSocket{Pool: p, ServerState: SvLogin, Connected: time.Now()}
	p.NewServerList = append(p.NewServerList, placeholder)
	p.LastConnectAttempt = time.Now()

	db := p.Database
	user := p.User
	go func() {
		conn, srv, err := dialAndAuth(db, user)
		b.Exec(func(bb *Bouncer) {
			p.NewServerList = removeSocket(p.NewServerList, placeholder)
			if err != nil {
				slog.Error("backend connect failed", "database", db.Name, "user", user.Name, "err", err)
				return
			}
			if placeholder.CloseNeeded {
				// pause/suspend or a connect-timeout reap landed while
				// the dial was in flight; don't hand out a connection
				// nobody asked for anymore.
				conn.Close()
				return
			}
			srv.Pool = p
			srv.ServerState = SvIdle
			srv.Connected = time.Now()
			srv.LastActive = srv.Connected
			offerWelcomeParams(p, srv)
			p.IdleServerList = append(p.IdleServerList, srv)
			bb.activatePool(p)
		})
	}()
}

func dialTimeout(db *PgDatabase) time.Duration {
	if db.ConnectTimeout > 0 {
		return db.ConnectTimeout
	}
	return 15 * time.Second
}

func dialAndAuth(db *PgDatabase, user *PgUser) (net.Conn, *PgSocket, error) {
	addr := net.JoinHostPort(db.Host, itoa(db.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout(db))
	if err != nil {
		return nil, nil, err
	}
	srv := &PgSocket{Conn: conn, IsServer: true}
	if err := authenticateServer(srv, db, user); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, srv, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Pause stops a pool from activating new work and immediately closes
// its idle/used/new server lists (janitor.c's per_loop_pause: "close
// idle, used, new server lists with reason 'pause mode'"). Existing
// active clients/servers are left to finish naturally; perLoopMaint's
// per-tick call to closePauseServers keeps catching servers that get
// returned to the pool while still paused.
func (b *Bouncer) Pause(dbname, username string) {
	b.Exec(func(bb *Bouncer) {
		if p, ok := bb.pools[Key{Database: dbname, User: username}]; ok {
			p.Paused = true
			closePauseServers(p)
		}
	})
}

// closePauseServers closes every idle/used server immediately and
// marks any in-flight dial in new_server_list so launchNewConnection
// closes the connection instead of handing it out once it lands — a
// placeholder's Conn is still nil at this point, so it can't be closed
// directly without risking a nil-interface panic.
func closePauseServers(p *Pool) {
	closeServerList(&p.IdleServerList)
	closeServerList(&p.UsedServerList)
	for _, s := range p.NewServerList {
		s.CloseNeeded = true
	}
}

// Resume reverses Pause.
func (b *Bouncer) Resume(dbname, username string) {
	b.Exec(func(bb *Bouncer) {
		if p, ok := bb.pools[Key{Database: dbname, User: username}]; ok {
			p.Paused = false
			bb.activatePool(p)
		}
	})
}

// Suspend is like Pause but additionally closes every idle/used/tested
// server immediately, since the point of suspending is to hand the
// listening socket to a replacement process (online restart) with as
// few live backend connections as possible.
func (b *Bouncer) Suspend(dbname, username string) {
	b.Exec(func(bb *Bouncer) {
		p, ok := bb.pools[Key{Database: dbname, User: username}]
		if !ok {
			return
		}
		p.Paused = true
		p.Suspended = true
		closeServerList(&p.IdleServerList)
		closeServerList(&p.UsedServerList)
		closeServerList(&p.TestedServerList)
	})
}

// KillDatabase immediately closes every socket belonging to every pool
// of the named database and marks it dirty so any lingering reference
// reconnects cleanly. Grounded on `original_source/src/janitor.c:kill_database`.
func (b *Bouncer) KillDatabase(dbname string) {
	b.Exec(func(bb *Bouncer) {
		if db, ok := bb.databases[dbname]; ok {
			db.Dirty = true
		}
		for k, p := range bb.pools {
			if k.Database != dbname {
				continue
			}
			closeServerList(&p.ActiveServerList)
			closeServerList(&p.IdleServerList)
			closeServerList(&p.UsedServerList)
			closeServerList(&p.TestedServerList)
			for _, c := range p.ActiveClientList {
				c.Conn.Close()
			}
			for _, c := range p.WaitingClientList {
				c.Conn.Close()
			}
			// ActiveClientList already includes every socket also parked on
			// IdleClientList (a subset view, not a separate population), so
			// its sockets are already closed above; just drop the pointers.
			p.ActiveClientList = nil
			p.WaitingClientList = nil
			p.IdleClientList = nil
			delete(bb.pools, k)
		}
	})
}

func closeServerList(list *[]*PgSocket) {
	for _, s := range *list {
		s.Conn.Close()
	}
	*list = nil
}

// perLoopPause reports whether pool p has fully quiesced for pause.
// tested_server_list counts as active work too: a check query in
// flight still needs to land before the pool is truly done.
func perLoopPause(p *Pool) bool {
	return len(p.ActiveClientList) == 0 && len(p.ActiveServerList) == 0 &&
		len(p.TestedServerList) == 0
}

// perLoopSuspend reports whether pool p has fully quiesced for
// suspend — additionally requires every server list to be empty.
func perLoopSuspend(p *Pool) bool {
	return perLoopPause(p) && len(p.IdleServerList) == 0 &&
		len(p.UsedServerList) == 0 && len(p.NewServerList) == 0
}

// perLoopMaint is the top-level per-tick dispatcher: it runs
// activatePool for every unpaused pool and checks whether any
// paused/suspended pool has become quiescent.
func (b *Bouncer) perLoopMaint(now time.Time) {
	for _, p := range b.pools {
		switch {
		case p.Suspended:
			if perLoopSuspend(p) {
				slog.Info("pool suspended", "database", p.Database.Name, "user", p.User.Name)
			}
			// P_SUSPEND intentionally falls through to the same
			// done-check P_PAUSE uses once truly quiescent.
			fallthrough
		case p.Paused:
			// every tick, not just once at Pause() time: a server
			// returned to the pool mid-pause must close immediately too.
			closePauseServers(p)
			if perLoopPause(p) {
				// nothing further to do; caller-visible via AllStats
			}
		default:
			b.activatePool(p)
		}
	}
}
