package modelclient

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// responseCache is a small LRU keyed by the canonical JSON serialization of
// a request. Only the non-streaming path consults it.
type responseCache struct {
	mu    sync.Mutex
	max   int
	items map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	key  string
	resp *Response
}

func newResponseCache(max int) *responseCache {
	return &responseCache{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// cacheKey derives the identity key. encoding/json emits struct fields in
// declaration order and sorts map keys, so equal requests always serialize
// identically.
func cacheKey(req *Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (c *responseCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).resp, true
}

func (c *responseCache) put(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).resp = resp
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, resp: resp})
	for len(c.items) > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Complete runs a request to completion by draining the stream, consulting
// the identity cache when enabled. Streamed requests are never cached; this
// variant is for side channels like title generation.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	var key string
	if c.cache != nil {
		k, err := cacheKey(req)
		if err == nil {
			key = k
			if resp, ok := c.cache.get(key); ok {
				return resp, nil
			}
		}
	}

	chunks, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &Response{}
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		resp.Content += chunk.DeltaContent
		resp.Reasoning += chunk.DeltaReasoning
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
	}

	if c.cache != nil && key != "" {
		c.cache.put(key, resp)
	}
	return resp, nil
}
