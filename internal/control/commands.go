package control

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrUnknownCommand is returned by Dispatch for names not in the registry.
var ErrUnknownCommand = errors.New("unknown command")

// ErrQuit is returned by the quit command; the console exits on it.
var ErrQuit = errors.New("quit")

// Command is one operator command.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Handle      func(ctx context.Context, args []string) (string, error)
}

// Registry maps command names and aliases to commands.
type Registry struct {
	byName map[string]*Command
	order  []*Command
}

func NewRegistry(cmds ...Command) *Registry {
	r := &Registry{byName: make(map[string]*Command)}
	for i := range cmds {
		r.Add(cmds[i])
	}
	return r
}

// Add registers c; a later registration of the same name wins.
func (r *Registry) Add(c Command) {
	cp := c
	name := normalizeName(cp.Name)
	if name == "" || cp.Handle == nil {
		return
	}
	cp.Name = name
	if prev, ok := r.byName[name]; ok {
		for i, o := range r.order {
			if o == prev {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.byName[name] = &cp
	for _, a := range cp.Aliases {
		if a = normalizeName(a); a != "" {
			r.byName[a] = &cp
		}
	}
	r.order = append(r.order, &cp)
}

func (r *Registry) Lookup(name string) (*Command, bool) {
	c, ok := r.byName[normalizeName(name)]
	return c, ok
}

// Dispatch tokenizes line and runs the matching command.
func (r *Registry) Dispatch(ctx context.Context, line string) (string, error) {
	toks := tokenizeCommandLine(line)
	if len(toks) == 0 {
		return "", nil
	}
	c, ok := r.Lookup(toks[0])
	if !ok {
		return "", ErrUnknownCommand
	}
	return c.Handle(ctx, toks[1:])
}

// Help lists the commands. prefix is prepended to each name ("/" for Telegram).
func (r *Registry) Help(prefix string) string {
	cmds := append([]*Command(nil), r.order...)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	lines := make([]string, 0, len(cmds)+1)
	lines = append(lines, "Commands:")
	for _, c := range cmds {
		head := prefix + c.Name
		if c.Usage != "" {
			head += " " + c.Usage
		}
		if c.Description != "" {
			head += " - " + c.Description
		}
		lines = append(lines, "  "+head)
	}
	return strings.Join(lines, "\n")
}

// Standard returns the control commands backed by s. Surfaces add their own
// (help, quit) on top.
func Standard(s *Service) []Command {
	return []Command{
		{
			Name:        "once",
			Aliases:     []string{"run"},
			Description: "run the job once in the background",
			Handle:      func(context.Context, []string) (string, error) { return s.Once() },
		},
		{
			Name:        "start",
			Aliases:     []string{"start_loop"},
			Usage:       "[interval]",
			Description: "start the loop (seconds, 90s, HH:MM or @every 2m)",
			Handle: func(_ context.Context, args []string) (string, error) {
				return s.Start(strings.Join(args, " "))
			},
		},
		{
			Name:        "stop",
			Aliases:     []string{"stop_loop"},
			Description: "stop the loop after the current run",
			Handle:      func(context.Context, []string) (string, error) { return s.Stop() },
		},
		{
			Name:        "status",
			Description: "show loop state and counters",
			Handle:      func(context.Context, []string) (string, error) { return s.Status(), nil },
		},
	}
}

func normalizeName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "/")
	// Telegram appends "@botname" in group chats.
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// tokenizeCommandLine splits a command line into tokens, honoring quotes and
// backslash escapes:
//
//	start "@every 2m"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
