package client

import (
	"context"

	"go.uber.org/multierr"

	"github.com/luma/respite/convert"
	"github.com/luma/respite/protocol"
)

type pipelineCmd struct {
	cmd    protocol.Command
	ignore bool
}

// Pipeline collects commands that are written in a single batch. Pipelines
// are not safe for concurrent use; build one per goroutine.
type Pipeline struct {
	conn   *Conn
	cmds   []pipelineCmd
	atomic bool
	err    error
}

func (c *Conn) Pipeline() *Pipeline {
	return &Pipeline{conn: c}
}

// Cmd appends a command built from Go values. A conversion error is reported
// by Exec.
func (p *Pipeline) Cmd(name string, args ...interface{}) *Pipeline {
	cmd, err := convert.Command(name, args...)
	if err != nil {
		if p.err == nil {
			p.err = err
		}
		return p
	}

	return p.Command(cmd)
}

func (p *Pipeline) Command(cmd protocol.Command) *Pipeline {
	p.cmds = append(p.cmds, pipelineCmd{cmd: cmd})
	return p
}

// Ignore drops the result of the last command from what Exec returns.
func (p *Pipeline) Ignore() *Pipeline {
	if n := len(p.cmds); n > 0 {
		p.cmds[n-1].ignore = true
	}

	return p
}

// Atomic wraps the pipeline in MULTI and EXEC. Exec then returns the results
// of the transaction instead of the QUEUED acknowledgements.
func (p *Pipeline) Atomic() *Pipeline {
	p.atomic = true
	return p
}

func (p *Pipeline) Len() int {
	return len(p.cmds)
}

// Exec sends every command and returns one result per command that was not
// ignored. The error combines the errors of those results; an atomic
// pipeline fails as a whole with ErrTxAborted or the EXEC error instead.
func (p *Pipeline) Exec(ctx context.Context) ([]Result, error) {
	if p.err != nil {
		return nil, p.err
	}

	reqs := make([]*request, 0, len(p.cmds)+2)

	var multi, exec *request
	if p.atomic {
		multi = newRequest(protocol.NewCommand("MULTI"))
		reqs = append(reqs, multi)
	}

	cmds := make([]*request, len(p.cmds))
	for i, pc := range p.cmds {
		req := newRequest(pc.cmd)
		req.deferred = p.atomic

		cmds[i] = req
		reqs = append(reqs, req)
	}

	if p.atomic {
		exec = newRequest(protocol.NewCommand("EXEC"))
		reqs = append(reqs, exec)
	}

	if err := p.conn.submit(ctx, reqs); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(cmds))

	var errs error
	for i, req := range cmds {
		v, err := p.conn.wait(ctx, req)
		if p.cmds[i].ignore {
			continue
		}

		results = append(results, Result{Command: req.info.Name, Value: v, Err: err})
		errs = multierr.Append(errs, err)
	}

	if !p.atomic {
		return results, errs
	}

	if _, err := p.conn.wait(ctx, multi); err != nil {
		return results, err
	}

	v, err := p.conn.wait(ctx, exec)
	switch {
	case err != nil:
		return results, err
	case v.IsNil():
		return results, ErrTxAborted
	}

	return results, errs
}
