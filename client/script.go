package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/luma/respite/convert"
	"github.com/luma/respite/protocol"
)

// Script is a Lua script addressed by its SHA1 digest.
type Script struct {
	body string
	hash string
}

func NewScript(body string) *Script {
	sum := sha1.Sum([]byte(body))

	return &Script{
		body: body,
		hash: hex.EncodeToString(sum[:]),
	}
}

// Hash returns the lower case hex digest the server knows the script by.
func (s *Script) Hash() string {
	return s.hash
}

func (s *Script) Body() string {
	return s.body
}

// Run is shorthand for c.RunScript.
func (s *Script) Run(ctx context.Context, c *Conn, keys []string, args ...interface{}) (protocol.Value, error) {
	return c.RunScript(ctx, s, keys, args...)
}

// Load sends the script with SCRIPT LOAD so the first Run can use EVALSHA.
func (s *Script) Load(ctx context.Context, c *Conn) error {
	v, err := c.Execute(ctx, protocol.CommandFromStrings("SCRIPT", "LOAD", s.body))
	if err != nil {
		return err
	}

	hash, err := convert.String(v)
	if err != nil {
		return err
	}

	if hash != s.hash {
		return protocol.NewProtocolError(nil, "SCRIPT LOAD returned digest %q, expected %q", hash, s.hash)
	}

	c.scripts.mark(s.hash)
	return nil
}

// scriptCache remembers the digests the server is known to have loaded.
type scriptCache struct {
	mu     sync.Mutex
	loaded map[string]struct{}
}

func newScriptCache() *scriptCache {
	return &scriptCache{loaded: make(map[string]struct{})}
}

func (c *scriptCache) has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.loaded[hash]
	return ok
}

func (c *scriptCache) mark(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded[hash] = struct{}{}
}

func (c *scriptCache) forget(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.loaded, hash)
}

func (c *scriptCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.loaded)
}

// RunScript evaluates script with EVALSHA when the server is known to have it
// and with EVAL otherwise. A NOSCRIPT reply, after SCRIPT FLUSH or a server
// restart, is retried once with EVAL.
func (c *Conn) RunScript(ctx context.Context, script *Script, keys []string, args ...interface{}) (protocol.Value, error) {
	if c.scripts.has(script.hash) {
		v, err := c.evalScript(ctx, "EVALSHA", script.hash, keys, args)
		if !protocol.IsNoScript(err) {
			return v, err
		}

		c.log.Debug("Script was flushed, sending body")
		c.scripts.forget(script.hash)
	}

	v, err := c.evalScript(ctx, "EVAL", script.body, keys, args)
	if err == nil {
		c.scripts.mark(script.hash)
	}

	return v, err
}

func (c *Conn) evalScript(ctx context.Context, name, script string, keys []string, args []interface{}) (protocol.Value, error) {
	values := make([]interface{}, 0, 3+len(args))
	values = append(values, script, strconv.Itoa(len(keys)), keys)
	values = append(values, args...)

	cmd, err := convert.Command(name, values...)
	if err != nil {
		return protocol.Value{}, err
	}

	return c.Execute(ctx, cmd)
}
