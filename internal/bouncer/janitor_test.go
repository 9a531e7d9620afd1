package bouncer

import (
	"testing"
	"time"
)

func newIdleServer(connectedAgo, idleAgo time.Duration) (*PgSocket, func()) {
	s, remote := newPipeSocket(true)
	now := time.Now()
	s.Connected = now.Add(-connectedAgo)
	s.LastActive = now.Add(-idleAgo)
	return s, func() { remote.Close() }
}

func TestCheckUnusedServersIdleTimeout(t *testing.T) {
	b := New(nil)
	db := &PgDatabase{Name: "mydb", ServerIdleTimeout: time.Minute}
	p := &Pool{Database: db, User: &PgUser{Name: "alice"}}

	fresh, closeFresh := newIdleServer(0, 0)
	defer closeFresh()
	stale, closeStale := newIdleServer(time.Hour, 2*time.Minute)
	defer closeStale()
	p.IdleServerList = []*PgSocket{fresh, stale}

	b.checkUnusedServers(p, time.Now())

	if len(p.IdleServerList) != 1 || p.IdleServerList[0] != fresh {
		t.Fatalf("expected only the fresh server to survive, got %d left", len(p.IdleServerList))
	}
}

func TestCheckUnusedServersDirtyConfigClosesEverything(t *testing.T) {
	b := New(nil)
	db := &PgDatabase{Name: "mydb", Dirty: true}
	p := &Pool{Database: db, User: &PgUser{Name: "alice"}}
	s, closeS := newIdleServer(0, 0)
	defer closeS()
	p.IdleServerList = []*PgSocket{s}

	b.checkUnusedServers(p, time.Now())

	if len(p.IdleServerList) != 0 {
		t.Errorf("a dirty database config should close every idle server regardless of age")
	}
}

func TestCheckPoolSizeDrainsUsedBeforeIdle(t *testing.T) {
	b := New(nil)
	db := &PgDatabase{Name: "mydb", PoolSize: 1}
	p := &Pool{Database: db, User: &PgUser{Name: "alice"}}

	used, closeUsed := newIdleServer(0, 0)
	defer closeUsed()
	idle, closeIdle := newIdleServer(0, 0)
	defer closeIdle()
	p.UsedServerList = []*PgSocket{used}
	p.IdleServerList = []*PgSocket{idle}

	b.checkPoolSize(p)

	if len(p.UsedServerList) != 0 {
		t.Errorf("used servers should be drained first, got %d left", len(p.UsedServerList))
	}
	if len(p.IdleServerList) != 1 {
		t.Errorf("idle server should survive once pool size is satisfied, got %d left", len(p.IdleServerList))
	}
}

func TestCheckPoolSizeExcludesNewServerList(t *testing.T) {
	b := New(nil)
	db := &PgDatabase{Name: "mydb", PoolSize: 1}
	p := &Pool{Database: db, User: &PgUser{Name: "alice"}}
	idle, closeIdle := newIdleServer(0, 0)
	defer closeIdle()
	p.IdleServerList = []*PgSocket{idle}
	p.NewServerList = []*PgSocket{{}, {}, {}} // in-flight dials never count toward the limit

	b.checkPoolSize(p)

	if len(p.IdleServerList) != 1 {
		t.Errorf("in-flight dials must not push an already-compliant pool over its limit")
	}
}

func TestPoolClientMaintDropsTimedOutWaiters(t *testing.T) {
	b := New(nil)
	db := &PgDatabase{Name: "mydb", ConnectTimeout: time.Minute}
	p := &Pool{Database: db, User: &PgUser{Name: "alice"}}

	stale, closeStale := newPipeSocket(false)
	defer closeStale()
	stale.Connected = time.Now().Add(-2 * time.Minute)
	fresh, closeFresh := newPipeSocket(false)
	defer closeFresh()
	fresh.Connected = time.Now()
	p.WaitingClientList = []*PgSocket{stale, fresh}

	b.poolClientMaint(p, time.Now())

	if len(p.WaitingClientList) != 1 || p.WaitingClientList[0] != fresh {
		t.Fatalf("expected only the fresh waiter to survive, got %d left", len(p.WaitingClientList))
	}
}

func TestCleanupInactiveAutodatabasesGCsIdleTemplate(t *testing.T) {
	b := New(nil)
	template := &PgDatabase{Name: "*"}
	b.autoTemplate = template
	auto := &PgDatabase{Name: "tmp1", AutoDatabase: true, LastSeen: time.Now().Add(-20 * time.Minute)}
	b.databases["tmp1"] = auto

	b.cleanupInactiveAutodatabases(time.Now())

	if _, ok := b.databases["tmp1"]; ok {
		t.Errorf("an idle auto-database past the GC window should be removed")
	}
}

func TestCleanupInactiveAutodatabasesKeepsActivePool(t *testing.T) {
	b := New(nil)
	template := &PgDatabase{Name: "*"}
	b.autoTemplate = template
	auto := &PgDatabase{Name: "tmp1", AutoDatabase: true, LastSeen: time.Now().Add(-20 * time.Minute)}
	b.databases["tmp1"] = auto
	b.pools[Key{Database: "tmp1", User: "alice"}] = &Pool{Database: auto, User: &PgUser{Name: "alice"}}

	b.cleanupInactiveAutodatabases(time.Now())

	if _, ok := b.databases["tmp1"]; !ok {
		t.Errorf("an auto-database with a live pool must not be garbage collected")
	}
}
