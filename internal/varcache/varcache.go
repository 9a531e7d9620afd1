// Package varcache tracks the small set of session parameters
// PostgreSQL reports and expects to stay in sync between a client and
// whatever backend currently serves it, so a pooled connection can be
// handed to a different client without that client noticing a stale
// locale or encoding.
package varcache

import (
	"fmt"
	"strings"

	"github.com/gobouncer/gobouncer/internal/mbuf"
)

// Fixed capacities mirror the upstream VarCache struct exactly,
// including the NUL terminator headroom.
const (
	capClientEncoding = 16
	capDatestyle      = 16
	capTimezone       = 36
	capStdStrings     = 4
	capClientPID      = 12
)

var capacities = map[string]int{
	"client_encoding": capClientEncoding,
	"datestyle":       capDatestyle,
	"timezone":        capTimezone,
	"standard_conforming_strings": capStdStrings,
	"client_pid":                  capClientPID,
}

// Cache holds the tracked variables for one socket (client or server).
// Zero value is an empty cache with nothing set.
type Cache struct {
	vars map[string]string
}

// Set records key=val if key is a tracked variable and val fits in its
// fixed capacity. It reports whether it handled the variable at all;
// callers (the welcome-message builder) use this to decide whether the
// value also needs a literal ParameterStatus packet of its own.
func (c *Cache) Set(key, val string) bool {
	cap, tracked := capacities[strings.ToLower(key)]
	if !tracked {
		return false
	}
	if len(val)+1 > cap {
		return false
	}
	if c.vars == nil {
		c.vars = make(map[string]string)
	}
	c.vars[strings.ToLower(key)] = val
	return true
}

// Get returns a tracked variable's value and whether it is set.
func (c *Cache) Get(key string) (string, bool) {
	if c.vars == nil {
		return "", false
	}
	v, ok := c.vars[strings.ToLower(key)]
	return v, ok
}

// Exported returns a copy of every tracked variable currently set.
func (c *Cache) Exported() map[string]string {
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Clean resets the cache to empty.
func (c *Cache) Clean() {
	c.vars = nil
}

// Apply compares this cache (the server's last-known state) against
// want (what the client expects) and returns a single SET query packet
// covering every difference, or nil if nothing needs changing.
func (c *Cache) Apply(want *Cache) []byte {
	if want == nil || len(want.vars) == 0 {
		return nil
	}
	var sets []string
	for k, v := range want.vars {
		cur, ok := c.Get(k)
		if ok && cur == v {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s=%s", pgSetName(k), quoteLiteral(v)))
	}
	if len(sets) == 0 {
		return nil
	}
	query := "SET " + strings.Join(sets, "; SET ")
	buf := mbuf.NewPktBuf()
	off := buf.StartPacket('Q')
	buf.PutString(query)
	buf.FinishPacket(off)
	return buf.Bytes()
}

// FillUnset copies any variable present in orig but absent from c,
// used when handing a pooled server's baseline parameters down to a
// freshly-welcomed client that never set them itself.
func (c *Cache) FillUnset(orig *Cache) {
	if orig == nil {
		return
	}
	for k, v := range orig.vars {
		if _, ok := c.Get(k); !ok {
			c.Set(k, v)
		}
	}
}

// AddParams appends a ParameterStatus packet for every tracked
// variable currently set, in the order callers should present them to
// a client during welcome.
func (c *Cache) AddParams(buf *mbuf.PktBuf) {
	for _, name := range []string{"client_encoding", "datestyle", "timezone", "standard_conforming_strings", "client_pid"} {
		v, ok := c.Get(name)
		if !ok {
			continue
		}
		off := buf.StartPacket('S')
		buf.PutString(name)
		buf.PutString(v)
		buf.FinishPacket(off)
	}
}

func pgSetName(key string) string {
	if key == "std_strings" {
		return "standard_conforming_strings"
	}
	return key
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
