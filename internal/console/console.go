// Package console is the line-oriented terminal surface: commands are read
// from stdin and relayed progress lines are printed to stdout.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"autoprbot/internal/control"
	"autoprbot/internal/relay"
	logx "autoprbot/pkg/logx"
)

// Console owns the terminal. All writes go through one mutex so relay lines
// and command replies never interleave mid-line.
type Console struct {
	in     io.Reader
	out    io.Writer
	prompt string
	reg    *control.Registry
	log    logx.Logger

	mu sync.Mutex
}

// New builds a console over svc. The standard commands plus help and quit are
// registered.
func New(in io.Reader, out io.Writer, prompt string, svc *control.Service, log logx.Logger) *Console {
	c := &Console{
		in:     in,
		out:    out,
		prompt: prompt,
		log:    log.With(logx.String("comp", "console")),
	}
	c.reg = control.NewRegistry(control.Standard(svc)...)
	c.reg.Add(control.Command{
		Name:        "help",
		Aliases:     []string{"?"},
		Description: "show this list",
		Handle: func(context.Context, []string) (string, error) {
			return c.reg.Help(""), nil
		},
	})
	c.reg.Add(control.Command{
		Name:        "quit",
		Aliases:     []string{"exit"},
		Description: "stop the loop and exit",
		Handle:      func(context.Context, []string) (string, error) { return "", control.ErrQuit },
	})
	return c
}

// Observe is a relay observer that prints one progress line.
func (c *Console) Observe(line string) {
	c.println(line)
}

// Attach subscribes the console to r and returns the unsubscribe func.
func (c *Console) Attach(r *relay.Relay) func() { return r.Subscribe(c.Observe) }

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

func (c *Console) showPrompt() {
	if c.prompt == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, c.prompt)
}

// Run reads commands until EOF, quit or ctx is done. It returns
// control.ErrQuit when the operator asked to exit and nil otherwise.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.println(`Type "help" for commands.`)
	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				c.log.Warn("stdin read failed", logx.Err(err))
			}
			c.log.Debug("stdin closed")
			return nil
		case line := <-lines:
			if err := c.handle(ctx, line); errors.Is(err, control.ErrQuit) {
				return err
			}
			c.showPrompt()
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	reply, err := c.reg.Dispatch(ctx, line)
	switch {
	case errors.Is(err, control.ErrQuit):
		return err
	case errors.Is(err, control.ErrUnknownCommand):
		c.println(fmt.Sprintf("Unknown command %q. Type \"help\".", strings.Fields(line)[0]))
	case control.IsNotice(err):
		c.println(err.Error())
	case err != nil:
		c.println("Error: " + err.Error())
	case reply != "":
		c.println(reply)
	}
	return nil
}
