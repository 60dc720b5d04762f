// Package proxypool implements the proxy/user-agent pool external
// collaborator (§6): one proxy and one user-agent per HeadlessBrowser
// plugin setup. File/CSV loading of the underlying lists is explicitly out
// of core scope (§1); this package's interface boundary is Next().
package proxypool

import "sync/atomic"

// Pool is an in-memory round-robin proxy/user-agent list, loaded once at
// startup from config (proxy.list, general.user_agents).
type Pool struct {
	proxies    []string
	userAgents []string

	proxyCursor atomic.Uint64
	uaCursor    atomic.Uint64
}

// New builds a pool from pre-loaded proxy and user-agent lists. Passing an
// empty proxies slice is valid (proxy.disabled=true): Next then returns an
// empty proxy string forever.
func New(proxies, userAgents []string) *Pool {
	return &Pool{proxies: proxies, userAgents: userAgents}
}

// Next returns the next proxy and user-agent in round-robin order. Either
// return value is empty if its backing list is empty.
func (p *Pool) Next() (proxy, userAgent string) {
	if len(p.proxies) > 0 {
		i := p.proxyCursor.Add(1) - 1
		proxy = p.proxies[i%uint64(len(p.proxies))]
	}
	if len(p.userAgents) > 0 {
		i := p.uaCursor.Add(1) - 1
		userAgent = p.userAgents[i%uint64(len(p.userAgents))]
	}
	return proxy, userAgent
}
