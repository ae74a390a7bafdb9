// Package middleware holds the gateway's request pipeline stages. Stages
// compose through Chain; each one wraps the next handler and may
// short-circuit with a response.
package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middlewares. The zero value is usable.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middlewares, outermost first.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Use appends a middleware and returns the chain for call chaining.
func (c *Chain) Use(m Middleware) *Chain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// UseIf appends a middleware only when condition holds. Disabled stages
// vanish from the chain instead of running as no-ops.
func (c *Chain) UseIf(condition bool, m Middleware) *Chain {
	if condition {
		c.middlewares = append(c.middlewares, m)
	}
	return c
}

// Append returns a new chain with the extra middlewares after the current
// ones; the receiver is unchanged.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	merged := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	merged = append(merged, c.middlewares...)
	merged = append(merged, middlewares...)
	return &Chain{middlewares: merged}
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Then wraps h with the chain. The first middleware is outermost.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc wraps an http.HandlerFunc with the chain.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}
