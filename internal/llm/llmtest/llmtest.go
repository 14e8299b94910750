// Package llmtest provides a scripted language model for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/iambrandonn/autodev/internal/llm"
)

// Reply is one scripted answer
type Reply struct {
	Text  string
	Usage llm.Usage
	Err   error
}

// Client answers requests from per-purpose queues. When a queue has one
// reply left it is repeated for every further request of that purpose.
type Client struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	fallback *Reply
	calls    []llm.Request
}

// New creates an empty scripted client
func New() *Client {
	return &Client{replies: make(map[string][]Reply)}
}

// On queues text replies for purpose
func (c *Client) On(purpose string, texts ...string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, text := range texts {
		c.replies[purpose] = append(c.replies[purpose], Reply{Text: text, Usage: llm.Usage{Input: 10, Completion: 5}})
	}
	return c
}

// OnReply queues full replies for purpose
func (c *Client) OnReply(purpose string, replies ...Reply) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[purpose] = append(c.replies[purpose], replies...)
	return c
}

// Otherwise sets the answer for purposes with no script
func (c *Client) Otherwise(text string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = &Reply{Text: text}
	return c
}

// Ask returns the next scripted reply for req.Purpose
func (c *Client) Ask(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)

	queue := c.replies[req.Purpose]
	var reply Reply
	switch {
	case len(queue) > 1:
		reply = queue[0]
		c.replies[req.Purpose] = queue[1:]
	case len(queue) == 1:
		reply = queue[0]
	case c.fallback != nil:
		reply = *c.fallback
	default:
		return llm.Response{}, fmt.Errorf("llmtest: no reply scripted for purpose %q", req.Purpose)
	}

	if reply.Err != nil {
		return llm.Response{}, reply.Err
	}
	return llm.Response{Text: reply.Text, Usage: reply.Usage}, nil
}

// Calls returns every request received, in order
func (c *Client) Calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsFor returns the requests received for purpose
func (c *Client) CallsFor(purpose string) []llm.Request {
	var out []llm.Request
	for _, req := range c.Calls() {
		if req.Purpose == purpose {
			out = append(out, req)
		}
	}
	return out
}

// Prompt joins the user turns of a request
func Prompt(req llm.Request) string {
	return strings.Join(req.User, "\n")
}
