// Package bouncer implements the connection-pool core: the socket and
// pool data model, the scheduler that binds waiting clients to idle
// servers, the janitor that reaps stale sockets, and the auth/welcome
// sequences that make a pooled backend look freshly authenticated to
// each client it is handed to.
package bouncer

import (
	"net"
	"time"

	"github.com/gobouncer/gobouncer/internal/mbuf"
	"github.com/gobouncer/gobouncer/internal/tracebuf"
	"github.com/gobouncer/gobouncer/internal/varcache"
)

// ClientState is the client-side half of a socket's lifecycle.
type ClientState int

const (
	ClFree ClientState = iota
	ClJustConnect
	ClLogin
	ClWaiting
	ClActive
	ClCancel
)

func (s ClientState) String() string {
	switch s {
	case ClFree:
		return "free"
	case ClJustConnect:
		return "just_connect"
	case ClLogin:
		return "login"
	case ClWaiting:
		return "waiting"
	case ClActive:
		return "active"
	case ClCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ServerState is the backend-side half of a socket's lifecycle.
type ServerState int

const (
	SvFree ServerState = iota
	SvLogin
	SvIdle
	SvActive
	SvUsed
	SvTested
)

func (s ServerState) String() string {
	switch s {
	case SvFree:
		return "free"
	case SvLogin:
		return "login"
	case SvIdle:
		return "idle"
	case SvActive:
		return "active"
	case SvUsed:
		return "used"
	case SvTested:
		return "tested"
	default:
		return "unknown"
	}
}

// PgUser is a pooled login identity. CryptAuth, if set, supplies the
// DES crypt(3) response for auth code 4; gobouncer does not ship a
// crypt implementation (out of scope, spec.md §1), so crypt-auth
// backends fail cleanly with an explanatory error unless the operator
// wires one in.
type PgUser struct {
	Name     string
	Password string // cleartext or an "md5..." pre-hashed value
	CryptAuth func(password string, salt [2]byte) (string, error)
}

// PgDatabase is one configured (or auto-materialized) routing target.
type PgDatabase struct {
	Name    string // the name clients connect as
	Host    string
	Port    int
	DBName  string // actual database name on the backend, may differ from Name
	User    *PgUser
	ForceUser bool // if true, all clients authenticate as User regardless of startup username

	PoolSize         int
	MinPoolSize      int
	ReservePoolSize  int
	MaxDBConnections int
	ConnectTimeout   time.Duration
	ServerLifetime   time.Duration
	ServerIdleTimeout time.Duration
	ServerCheckQuery string
	ServerCheckDelay time.Duration

	// QueryTimeout bounds both an active server waiting on a client's
	// in-flight statement and a client still waiting for a backend.
	QueryTimeout time.Duration
	// ClientIdleTimeout disconnects a bound-but-unlinked client (between
	// transactions) that has sent nothing for this long.
	ClientIdleTimeout time.Duration
	// ServerConnectTimeout bounds how long a dial+auth in new_server_list
	// may run before the janitor gives up on it.
	ServerConnectTimeout time.Duration

	StartupParams [][2]string // extra params sent on backend startup

	AutoDatabase bool // materialized on demand from the "*" wildcard template
	Dirty        bool // config changed, pools should reconnect on next recheck
	LastSeen     time.Time
}

// PgSocket is one physical connection, either client- or server-side.
// Exactly one of the two "state" fields is meaningful at a time,
// matching the C union-by-convention in the original: IsServer tells
// callers which to read.
type PgSocket struct {
	Conn     net.Conn
	IsServer bool

	ClientState ClientState
	ServerState ServerState

	Pool *Pool
	Vars varcache.Cache

	CancelKey  [8]byte
	BackendPID uint32
	BackendKey uint32

	LinkedTo *PgSocket // client<->server pairing set at bind; not cleared on release, so only meaningful while ClActive/SvActive

	Connected  time.Time
	LastActive time.Time

	// RequestStart is set on a client as soon as relayLoop reads its
	// next message, before a backend is acquired for it; it is read by
	// the waiting-client query_timeout sweep and, off a server's
	// LinkedTo client, by the statement-timeout sweep.
	RequestStart time.Time

	CloseNeeded bool // set by pause and the statement/connect timeout sweeps; closed instead of reused

	// activeListed is true once this client has been appended to its
	// pool's ActiveClientList, so later re-binds (next transaction)
	// don't append it a second time. It is never reset; relayLoop
	// removes the client from the list when the client disconnects.
	activeListed bool

	remainder []byte // bytes read but not yet consumed as a full packet

	// bindReady, when non-nil, is signaled once by the scheduler with
	// the server a waiting client has been bound to, plus whatever
	// session-variable catch-up query the bind requires.
	bindReady chan BoundServer

	// Trace records the most recent bytes crossing this socket so a
	// dirty disconnect can be dumped for later inspection. Allocated
	// by the first ReadPacket call that receives any bytes.
	Trace *tracebuf.Buf
}

// BoundServer is what the scheduler hands a waiting client once it has
// been paired with a server: the server itself, and the SET statement
// (if any) the connection goroutine must run against it before
// resuming ordinary relay, computed by varcache.Cache.Apply while
// still on the scheduler goroutine so no I/O happens there.
type BoundServer struct {
	Server  *PgSocket
	VarsPkt []byte
}

// traceAppend records data on the socket's trace buffer, allocating it
// on first use.
func (s *PgSocket) traceAppend(data []byte) {
	if s.Trace == nil {
		s.Trace = tracebuf.New()
	}
	s.Trace.Append(data)
}

// Touch updates the idle-timeout clock.
func (s *PgSocket) Touch(now time.Time) {
	s.LastActive = now
}

// ReadPacket reads and returns the next fully-buffered packet header
// plus payload bytes, blocking on the network as needed. It never
// returns a partial packet: short reads are buffered internally until
// a whole one has arrived.
func (s *PgSocket) ReadPacket(buf []byte) (*mbuf.PktHdr, error) {
	for {
		if hdr, ok := mbuf.GetHeader(mbuf.New(s.remainder)); ok && int(hdr.Len) <= len(s.remainder) {
			s.remainder = s.remainder[hdr.Len:]
			return hdr, nil
		}
		n, err := s.Conn.Read(buf)
		if n > 0 {
			s.remainder = append(s.remainder, buf[:n]...)
			s.traceAppend(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// Pool groups every socket serving one (database, user) pair. The
// lists below are the scheduling surface: a server socket lives on at
// most one server list, while a client parked between transactions is
// on both ActiveClientList and IdleClientList.
type Pool struct {
	Database *PgDatabase
	User     *PgUser

	ActiveClientList  []*PgSocket
	WaitingClientList []*PgSocket
	// IdleClientList holds clients bound to this pool but currently
	// unlinked between transactions (no server, not waiting for one) —
	// the population client_idle_timeout sweeps. They remain on
	// ActiveClientList the whole time; this is a second, independent
	// list, not a replacement for it.
	IdleClientList []*PgSocket
	CancelReqList  []*PgSocket

	ActiveServerList []*PgSocket
	IdleServerList   []*PgSocket
	UsedServerList   []*PgSocket
	TestedServerList []*PgSocket
	NewServerList    []*PgSocket

	OrigVars    varcache.Cache
	WelcomeMsg  []byte
	WelcomeReady bool

	Paused    bool
	Suspended bool

	LastConnectAttempt time.Time
	LastLoginAttempt   time.Time
	// LastLifetimeDisconnect rate-limits server_lifetime reaping: only
	// one server per pool may be closed for lifetime every
	// ServerLifetime/pool_size, so a pool never expires all at once.
	LastLifetimeDisconnect time.Time

	AutoCreatedAt time.Time // zero if not an auto-materialized pool
	LastClientActivity time.Time
}

// Key identifies a pool by the pair pgbouncer actually pools on.
type Key struct {
	Database string
	User     string
}

func (p *Pool) Key() Key {
	return Key{Database: p.Database.Name, User: p.User.Name}
}

func removeSocket(list []*PgSocket, s *PgSocket) []*PgSocket {
	for i, cur := range list {
		if cur == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
