package bridge

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// pendingTable tracks requests between receipt and response. An entry whose
// response never went out expires after the table's TTL.
type pendingTable struct {
	c *ttlcache.Cache[string, time.Time]
}

func newPendingTable(ttl time.Duration) *pendingTable {
	return &pendingTable{c: ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](ttl),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)}
}

// begin records id, received at, and reports false if it is already in flight.
func (p *pendingTable) begin(id string, at time.Time) bool {
	_, loaded := p.c.GetOrSet(id, at)
	return !loaded
}

func (p *pendingTable) finish(id string) {
	p.c.Delete(id)
}

// expire drops entries past their TTL and returns how many it dropped.
func (p *pendingTable) expire() int {
	before := p.c.Len()
	p.c.DeleteExpired()
	return max(0, before-p.c.Len())
}

func (p *pendingTable) len() int {
	return p.c.Len()
}
