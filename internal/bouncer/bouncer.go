package bouncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gobouncer/gobouncer/internal/metrics"
)

// Bouncer is the single owner of all pool state. Every mutation — a
// new client arriving, a server finishing login, a timer firing —
// is expressed as a closure sent on commands and executed by the one
// goroutine Run starts. Nothing outside that goroutine ever touches a
// Pool's lists or a socket's scheduling state directly; connection
// goroutines only handle per-connection I/O state (read buffer, trace,
// session variables) of sockets they currently own. This is the Go rendering of the
// "single-threaded cooperative scheduler" the original design relies
// on to avoid locking pool internals (SPEC_FULL.md §5).
type Bouncer struct {
	commands chan func(*Bouncer)

	pools map[Key]*Pool

	databases map[string]*PgDatabase
	users     map[string]*PgUser
	autoTemplate *PgDatabase

	pauseMode PauseMode

	// loginClients mirrors the original's global login_client_list: every
	// client currently negotiating startup/auth, reaped by
	// clientLoginTimeout regardless of which pool it ends up in.
	loginClients       []*PgSocket
	clientLoginTimeout time.Duration

	// autodatabaseIdleList holds auto-materialized databases with no
	// live pool, in the order markAutoDatabaseIdle first noticed them
	// idle; cleanupInactiveAutodatabases relies on that ordering to
	// stop its GC walk at the first entry still within autodbIdleTimeout.
	autodatabaseIdleList []*PgDatabase
	autodbIdleTimeout    time.Duration

	metrics *metrics.Collector

	stop chan struct{}
	wg   sync.WaitGroup
}

// PauseMode mirrors the three top-level scheduler modes.
type PauseMode int

const (
	PNone PauseMode = iota
	PPause
	PSuspend
)

// New creates a Bouncer with no pools or databases configured yet.
func New(m *metrics.Collector) *Bouncer {
	return &Bouncer{
		commands:  make(chan func(*Bouncer), 256),
		pools:     make(map[Key]*Pool),
		databases: make(map[string]*PgDatabase),
		users:     make(map[string]*PgUser),
		metrics:   m,
		stop:      make(chan struct{}),
	}
}

// Run is the scheduler goroutine. It drains commands and runs the
// periodic passes (janitor tick, maint tick) until ctx is canceled.
func (b *Bouncer) Run(ctx context.Context) {
	janitorTicker := time.NewTicker(333 * time.Millisecond)
	defer janitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(b.stop)
			return
		case cmd := <-b.commands:
			cmd(b)
		case <-janitorTicker.C:
			b.doFullMaint(time.Now())
		}
	}
}

// Exec schedules fn to run on the scheduler goroutine and blocks until
// it has. Callers on connection goroutines use this for anything that
// touches pool state.
func (b *Bouncer) Exec(fn func(*Bouncer)) {
	done := make(chan struct{})
	b.commands <- func(bb *Bouncer) {
		fn(bb)
		close(done)
	}
	<-done
}

// SetDatabase registers or replaces a configured database entry. A
// Name of "*" registers the auto-database template (spec.md §4.10 /
// `original_source/src/loader.c`).
func (b *Bouncer) SetDatabase(db *PgDatabase) {
	b.Exec(func(bb *Bouncer) {
		if db.Name == "*" {
			bb.autoTemplate = db
			return
		}
		if old, ok := bb.databases[db.Name]; ok && old != db {
			db.Dirty = true
		}
		bb.databases[db.Name] = db
	})
}

// SetUser registers or replaces a configured auth-file user entry.
func (b *Bouncer) SetUser(u *PgUser) {
	b.Exec(func(bb *Bouncer) {
		bb.users[u.Name] = u
	})
}

// SetPgbouncerConfig applies the pooler-wide settings that aren't
// per-database: the global login timeout and the auto-database GC
// window.
func (b *Bouncer) SetPgbouncerConfig(clientLoginTimeout, autodbIdleTimeout time.Duration) {
	b.Exec(func(bb *Bouncer) {
		bb.clientLoginTimeout = clientLoginTimeout
		bb.autodbIdleTimeout = autodbIdleTimeout
	})
}

// getOrCreatePool returns the pool for (dbname, username), creating it
// — and, if dbname matches no configured database, auto-materializing
// one from the "*" template — on first use. Must run on the scheduler
// goroutine.
func (b *Bouncer) getOrCreatePool(dbname, username string) (*Pool, bool) {
	db, ok := b.databases[dbname]
	autoCreated := false
	if !ok {
		if b.autoTemplate == nil {
			return nil, false
		}
		clone := *b.autoTemplate
		clone.Name = dbname
		clone.DBName = dbname
		clone.AutoDatabase = true
		db = &clone
		b.databases[dbname] = db
		autoCreated = true
	}

	user := db.User
	if user == nil || !db.ForceUser {
		if u, ok := b.users[username]; ok {
			user = u
		} else if user == nil {
			return nil, false
		}
	}

	db.LastSeen = time.Now()

	key := Key{Database: db.Name, User: user.Name}
	p, ok := b.pools[key]
	if !ok {
		p = &Pool{Database: db, User: user}
		if autoCreated {
			p.AutoCreatedAt = time.Now()
		}
		b.pools[key] = p
		slog.Info("pool created", "database", db.Name, "user", user.Name, "auto", autoCreated)
	}
	return p, true
}

// Stats is a point-in-time snapshot of one pool's socket counts.
type Stats struct {
	Database string
	User     string
	ClActive, ClWaiting                           int
	SvActive, SvIdle, SvUsed, SvTested, SvLogin, SvNew int
	Paused, Suspended bool
}

// AllStats returns a snapshot of every pool, safe to call from any
// goroutine.
func (b *Bouncer) AllStats() []Stats {
	out := []Stats{}
	b.Exec(func(bb *Bouncer) {
		for k, p := range bb.pools {
			out = append(out, Stats{
				Database:  k.Database,
				User:      k.User,
				ClActive:  len(p.ActiveClientList),
				ClWaiting: len(p.WaitingClientList),
				SvActive:  len(p.ActiveServerList),
				SvIdle:    len(p.IdleServerList),
				SvUsed:    len(p.UsedServerList),
				SvTested:  len(p.TestedServerList),
				SvNew:     len(p.NewServerList),
				Paused:    p.Paused,
				Suspended: p.Suspended,
			})
		}
	})
	return out
}
