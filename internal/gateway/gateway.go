// Package gateway exposes a connection over HTTP: JSON command batches are
// run as one pipeline and their replies are rendered back as JSON.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/respite/client"
	"github.com/luma/respite/protocol"
)

const (
	// MaxCommands bounds the size of a single batch.
	MaxCommands = 1024

	// MaxBodyBytes bounds the size of a request body.
	MaxBodyBytes = 4 << 20
)

// Commands that change the state of the shared connection. Transactions are
// requested with "atomic" instead.
const sessionFlags = protocol.FlagMulti | protocol.FlagExec | protocol.FlagDiscard |
	protocol.FlagSubscribe | protocol.FlagUnsubscribe | protocol.FlagNotQueued

var sessionCommands = map[string]bool{
	"RESET":  true,
	"QUIT":   true,
	"SELECT": true,
}

// Conn is the connection the gateway forwards to. *client.Conn implements it.
type Conn interface {
	Pipeline() *client.Pipeline
	Stats() client.Stats
}

type Options struct {
	Conn Conn

	// Debug puts gin in debug mode.
	Debug bool

	Log *zap.Logger
}

type gateway struct {
	conn Conn
	log  *zap.Logger
}

// NewRouter builds the gin engine serving the gateway routes.
func NewRouter(opts Options) *gin.Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	gin.DisableConsoleColor()
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	r.Use(ginzap.RecoveryWithZap(log, true))

	g := &gateway{conn: opts.Conn, log: log.Named("gateway")}

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	v1 := r.Group("/v1")
	v1.POST("/commands", g.commands)
	v1.GET("/stats", g.stats)

	return r
}

type batch struct {
	commands []protocol.Command
	atomic   bool
}

// parseBatch reads {"commands":[["SET","k","v"],...],"atomic":false}.
// Arguments may be strings or numbers.
func parseBatch(body []byte) (batch, error) {
	if !gjson.ValidBytes(body) {
		return batch{}, errors.New("body is not valid JSON")
	}

	commands := gjson.GetBytes(body, "commands")
	if !commands.IsArray() {
		return batch{}, errors.New("commands must be an array")
	}

	list := commands.Array()
	if len(list) == 0 {
		return batch{}, errors.New("commands is empty")
	}
	if len(list) > MaxCommands {
		return batch{}, fmt.Errorf("more than %d commands", MaxCommands)
	}

	b := batch{
		commands: make([]protocol.Command, 0, len(list)),
		atomic:   gjson.GetBytes(body, "atomic").Bool(),
	}

	for i, cmd := range list {
		if !cmd.IsArray() {
			return batch{}, fmt.Errorf("command %d is not an array", i)
		}

		words := cmd.Array()
		if len(words) == 0 {
			return batch{}, fmt.Errorf("command %d is empty", i)
		}

		args := make([][]byte, len(words))
		for j, w := range words {
			switch w.Type {
			case gjson.String:
				args[j] = []byte(w.Str)
			case gjson.Number:
				args[j] = []byte(w.Raw)
			default:
				return batch{}, fmt.Errorf("argument %d of command %d is a %s", j, i, w.Type)
			}
		}

		command := protocol.CommandFromArgs(args)
		name := command.Name()
		if sessionCommands[name] || protocol.LookupCommand(name).Flags&sessionFlags != 0 {
			return batch{}, fmt.Errorf("command %d: %s is not allowed on a shared connection", i, name)
		}

		b.commands = append(b.commands, command)
	}

	return b, nil
}

func (g *gateway) commands(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	b, err := parseBatch(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := g.conn.Pipeline()
	for _, cmd := range b.commands {
		p.Command(cmd)
	}
	if b.atomic {
		p.Atomic()
	}

	results, err := p.Exec(c.Request.Context())
	if err != nil && len(results) == 0 {
		g.log.Warn("Batch failed", zap.Int("commands", len(b.commands)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	out, err := renderResults(results, err)
	if err != nil {
		g.log.Error("Failed to render results", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

func (g *gateway) stats(c *gin.Context) {
	s := g.conn.Stats()

	c.JSON(http.StatusOK, gin.H{
		"mode":     s.Mode.String(),
		"pending":  s.Pending,
		"written":  s.Written,
		"replies":  s.Replies,
		"messages": s.Messages,
		"scripts":  s.Scripts,
		"channels": s.Channels,
		"patterns": s.Patterns,
	})
}
