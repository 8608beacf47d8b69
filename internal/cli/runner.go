// Package cli implements the tabmux command line, a thin façade over the
// daemon's IPC protocol.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tabmux/tabmux/internal/client"
	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/protocol"
)

// daemonClient is the request surface the runner needs. Satisfied by
// *client.Client; tests substitute a fake.
type daemonClient interface {
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Status(ctx context.Context) (protocol.StatusResult, error)
	TabCreate(ctx context.Context, args protocol.TabCreateArgs) error
	TabClose(ctx context.Context, args protocol.TabCloseArgs) error
	TabList(ctx context.Context, args protocol.TabListArgs) (protocol.TabListResult, error)
	TabSetViewport(ctx context.Context, args protocol.TabSetViewportArgs) error
	Navigate(ctx context.Context, args protocol.NavigateArgs) error
	Inspect(ctx context.Context, args protocol.InspectArgs) (protocol.InspectResult, error)
	Click(ctx context.Context, args protocol.ClickArgs) error
	Type(ctx context.Context, args protocol.TypeArgs) error
	Text(ctx context.Context, args protocol.TextArgs) (protocol.TextResult, error)
	Eval(ctx context.Context, args protocol.EvalArgs) (protocol.EvalResult, error)
	Scroll(ctx context.Context, args protocol.ScrollArgs) error
	FindText(ctx context.Context, args protocol.FindTextArgs) (protocol.InspectResult, error)
	OneShotInspect(ctx context.Context, args protocol.OneShotInspectArgs) (protocol.InspectResult, error)
	ProfileCreate(ctx context.Context, args protocol.ProfileCreateArgs) error
	ProfileDestroy(ctx context.Context, args protocol.ProfileDestroyArgs) error
	ProfileList(ctx context.Context) (protocol.ProfileListResult, error)
	ProfileInfo(ctx context.Context, args protocol.ProfileInfoArgs) (protocol.ProfileInfoResult, error)
	ProfileLock(ctx context.Context, args protocol.ProfileLockArgs) error
	ProfileUnlock(ctx context.Context, args protocol.ProfileUnlockArgs) error
	Events(ctx context.Context, args protocol.EventsArgs) (protocol.EventsResult, error)
}

type Runner struct {
	client daemonClient
	out    io.Writer
	errOut io.Writer
}

// NewRunner builds a runner that dials the daemon using the default (or
// flag-overridden) socket and token paths.
func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(nil, out, errOut)
}

func NewRunnerWithClient(c daemonClient, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: c, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, tokenPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if r.client == nil {
		r.client = client.New(socketPath, tokenPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "ping":
		if err := r.client.Ping(ctx); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintln(r.out, "ok")
		return 0
	case "shutdown":
		if err := r.client.Shutdown(ctx); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "tab":
		return r.runTab(ctx, rest[1:])
	case "goto":
		return r.runGoto(ctx, rest[1:])
	case "inspect":
		return r.runInspect(ctx, rest[1:])
	case "click":
		return r.runClick(ctx, rest[1:])
	case "type":
		return r.runType(ctx, rest[1:])
	case "text":
		return r.runText(ctx, rest[1:])
	case "eval":
		return r.runEval(ctx, rest[1:])
	case "scroll":
		return r.runScroll(ctx, rest[1:])
	case "find-text":
		return r.runFindText(ctx, rest[1:])
	case "oneshot":
		return r.runOneShot(ctx, rest[1:])
	case "profile":
		return r.runProfile(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, string, []string, error) {
	cfg := config.DefaultConfig()
	socket := cfg.SocketPath
	token := cfg.TokenPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
		case "--token-file":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("--token-file requires value")
			}
			token = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	return socket, token, rest, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	st, err := r.client.Status(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(st)
	}
	_, _ = fmt.Fprintf(r.out, "pid\t%d\n", st.PID)
	_, _ = fmt.Fprintf(r.out, "started\t%s\n", st.StartedAt.Format("2006-01-02 15:04:05 MST"))
	_, _ = fmt.Fprintf(r.out, "profiles\t%d\n", st.Profiles)
	_, _ = fmt.Fprintf(r.out, "sessions\t%d\n", st.LiveSessions)
	_, _ = fmt.Fprintf(r.out, "engines\t%d\n", st.Engines)
	return 0
}

func (r *Runner) runTab(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux tab <create|close|list|set-viewport>")
		return 2
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("tab create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		profile := fs.String("profile", "", "profile name")
		viewport := fs.String("viewport", "", "viewport as WIDTHxHEIGHT")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux tab create <name> [--profile <p>] [--viewport <WxH>]")
			return 2
		}
		req := protocol.TabCreateArgs{Profile: *profile, Name: fs.Arg(0)}
		if *viewport != "" {
			v, err := model.ParseViewport(*viewport)
			if err != nil {
				return r.usageErr(err)
			}
			req.Viewport = &v
		}
		if err := r.client.TabCreate(ctx, req); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "close":
		fs := flag.NewFlagSet("tab close", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		profile := fs.String("profile", "", "profile name")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux tab close <name> [--profile <p>]")
			return 2
		}
		if err := r.client.TabClose(ctx, protocol.TabCloseArgs{Profile: *profile, Name: fs.Arg(0)}); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "list":
		fs := flag.NewFlagSet("tab list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		profile := fs.String("profile", "", "profile name")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		res, err := r.client.TabList(ctx, protocol.TabListArgs{Profile: *profile})
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(res)
		}
		for _, t := range res.Tabs {
			url := t.URL
			if url == "" {
				url = "-"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", t.Name, t.Profile, t.Health, url)
		}
		return 0
	case "set-viewport":
		fs := flag.NewFlagSet("tab set-viewport", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		profile := fs.String("profile", "", "profile name")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux tab set-viewport <name> <WxH> [--profile <p>]")
			return 2
		}
		v, err := model.ParseViewport(fs.Arg(1))
		if err != nil {
			return r.usageErr(err)
		}
		req := protocol.TabSetViewportArgs{Profile: *profile, Tab: fs.Arg(0), Viewport: v}
		if err := r.client.TabSetViewport(ctx, req); err != nil {
			return r.handleErr(err)
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown tab command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runGoto(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("goto", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux goto <url> [--profile <p>] [--tab <t>]")
		return 2
	}
	req := protocol.NavigateArgs{Profile: *profile, Tab: *tab, URL: fs.Arg(0)}
	if err := r.client.Navigate(ctx, req); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runInspect(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	url := fs.String("url", "", "navigate before inspecting")
	all := fs.Bool("all", false, "return every match")
	index := fs.Int("index", 0, "which match to return")
	expectOne := fs.Bool("expect-one", false, "fail unless exactly one match")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux inspect <selector> [flags]")
		return 2
	}
	res, err := r.client.Inspect(ctx, protocol.InspectArgs{
		Profile: *profile, Tab: *tab, URL: *url,
		Selector: fs.Arg(0), All: *all, Index: *index, ExpectOne: *expectOne,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(res)
	}
	r.printElements(res.Elements)
	return 0
}

func (r *Runner) runClick(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("click", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	url := fs.String("url", "", "navigate before clicking")
	index := fs.Int("index", 0, "which match to click")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux click <selector> [flags]")
		return 2
	}
	req := protocol.ClickArgs{Profile: *profile, Tab: *tab, URL: *url, Selector: fs.Arg(0), Index: *index}
	if err := r.client.Click(ctx, req); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runType(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("type", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	url := fs.String("url", "", "navigate before typing")
	clear := fs.Bool("clear", false, "clear the field first")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux type <selector> <text> [flags]")
		return 2
	}
	req := protocol.TypeArgs{
		Profile: *profile, Tab: *tab, URL: *url,
		Selector: fs.Arg(0), Text: fs.Arg(1), Clear: *clear,
	}
	if err := r.client.Type(ctx, req); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runText(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("text", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	url := fs.String("url", "", "navigate before reading")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux text <selector> [flags]")
		return 2
	}
	res, err := r.client.Text(ctx, protocol.TextArgs{Profile: *profile, Tab: *tab, URL: *url, Selector: fs.Arg(0)})
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, res.Text)
	return 0
}

func (r *Runner) runEval(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	url := fs.String("url", "", "navigate before evaluating")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux eval <script> [flags]")
		return 2
	}
	res, err := r.client.Eval(ctx, protocol.EvalArgs{Profile: *profile, Tab: *tab, URL: *url, Script: fs.Arg(0)})
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(res.Value)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) runScroll(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("scroll", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	selector := fs.String("selector", "", "scroll the element into view")
	byX := fs.Int("by-x", 0, "horizontal pixels")
	byY := fs.Int("by-y", 0, "vertical pixels")
	to := fs.String("to", "", "top or bottom")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *selector == "" && *byX == 0 && *byY == 0 && *to == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux scroll [--selector <s>] [--by-x <n>] [--by-y <n>] [--to top|bottom]")
		return 2
	}
	req := protocol.ScrollArgs{
		Profile: *profile, Tab: *tab,
		Selector: *selector, ByX: *byX, ByY: *byY, To: *to,
	}
	if err := r.client.Scroll(ctx, req); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runFindText(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("find-text", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "profile name")
	tab := fs.String("tab", "", "tab name")
	url := fs.String("url", "", "navigate before searching")
	limit := fs.Int("limit", 0, "max results")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux find-text <query> [flags]")
		return 2
	}
	res, err := r.client.FindText(ctx, protocol.FindTextArgs{
		Profile: *profile, Tab: *tab, URL: *url, Query: fs.Arg(0), Limit: *limit,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(res)
	}
	r.printElements(res.Elements)
	return 0
}

func (r *Runner) runOneShot(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("oneshot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	engine := fs.String("engine", "", "firefox or chrome")
	headless := fs.Bool("headless", true, "run headless")
	viewport := fs.String("viewport", "", "viewport as WIDTHxHEIGHT")
	all := fs.Bool("all", false, "return every match")
	index := fs.Int("index", 0, "which match to return")
	expectOne := fs.Bool("expect-one", false, "fail unless exactly one match")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux oneshot <url> <selector> [flags]")
		return 2
	}
	req := protocol.OneShotInspectArgs{
		URL: fs.Arg(0), Selector: fs.Arg(1),
		Headless: *headless, All: *all, Index: *index, ExpectOne: *expectOne,
	}
	if *engine != "" {
		e, err := model.ParseEngineType(*engine)
		if err != nil {
			return r.usageErr(err)
		}
		req.Engine = e
	}
	if *viewport != "" {
		v, err := model.ParseViewport(*viewport)
		if err != nil {
			return r.usageErr(err)
		}
		req.Viewport = &v
	}
	res, err := r.client.OneShotInspect(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(res)
	}
	r.printElements(res.Elements)
	return 0
}

func (r *Runner) runProfile(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tabmux profile <create|destroy|list|info|lock|unlock>")
		return 2
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("profile create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		engine := fs.String("engine", "firefox", "firefox or chrome")
		viewport := fs.String("viewport", "", "viewport as WIDTHxHEIGHT")
		headless := fs.Bool("headless", true, "run headless")
		persistCookies := fs.Bool("persist-cookies", false, "keep cookies across sessions")
		persistStorage := fs.Bool("persist-storage", false, "keep local storage across sessions")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux profile create <name> [flags]")
			return 2
		}
		e, err := model.ParseEngineType(*engine)
		if err != nil {
			return r.usageErr(err)
		}
		req := protocol.ProfileCreateArgs{
			Name: fs.Arg(0), Engine: e, Headless: *headless,
			PersistCookies: *persistCookies, PersistStorage: *persistStorage,
		}
		if *viewport != "" {
			v, err := model.ParseViewport(*viewport)
			if err != nil {
				return r.usageErr(err)
			}
			req.Viewport = &v
		}
		if err := r.client.ProfileCreate(ctx, req); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "destroy":
		fs := flag.NewFlagSet("profile destroy", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		force := fs.Bool("force", false, "destroy even if locked")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux profile destroy <name> [--force]")
			return 2
		}
		if err := r.client.ProfileDestroy(ctx, protocol.ProfileDestroyArgs{Name: fs.Arg(0), Force: *force}); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "list":
		fs := flag.NewFlagSet("profile list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		res, err := r.client.ProfileList(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(res)
		}
		for _, p := range res.Profiles {
			locked := "-"
			if p.LockedUntil != nil {
				locked = p.LockedUntil.Format("2006-01-02 15:04")
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%d\t%s\n", p.Name, p.Engine, p.TabCount, locked)
		}
		return 0
	case "info":
		fs := flag.NewFlagSet("profile info", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux profile info <name>")
			return 2
		}
		res, err := r.client.ProfileInfo(ctx, protocol.ProfileInfoArgs{Name: fs.Arg(0)})
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(res)
		}
		p := res.Profile
		_, _ = fmt.Fprintf(r.out, "name\t%s\n", p.Name)
		_, _ = fmt.Fprintf(r.out, "engine\t%s\n", p.Engine)
		_, _ = fmt.Fprintf(r.out, "headless\t%t\n", p.Headless)
		_, _ = fmt.Fprintf(r.out, "persist-cookies\t%t\n", p.PersistCookies)
		_, _ = fmt.Fprintf(r.out, "persist-storage\t%t\n", p.PersistStorage)
		_, _ = fmt.Fprintf(r.out, "tabs\t%d\n", p.TabCount)
		if p.LockedUntil != nil {
			_, _ = fmt.Fprintf(r.out, "locked-until\t%s\n", p.LockedUntil.Format("2006-01-02 15:04:05 MST"))
		}
		return 0
	case "lock":
		fs := flag.NewFlagSet("profile lock", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		dur := fs.String("for", "30m", "lock duration")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux profile lock <name> [--for <duration>]")
			return 2
		}
		if err := r.client.ProfileLock(ctx, protocol.ProfileLockArgs{Name: fs.Arg(0), Duration: *dur}); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "unlock":
		fs := flag.NewFlagSet("profile unlock", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tabmux profile unlock <name>")
			return 2
		}
		if err := r.client.ProfileUnlock(ctx, protocol.ProfileUnlockArgs{Name: fs.Arg(0)}); err != nil {
			return r.handleErr(err)
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown profile command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	profile := fs.String("profile", "", "filter by profile")
	limit := fs.Int("limit", 0, "max events")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	res, err := r.client.Events(ctx, protocol.EventsArgs{Profile: *profile, Limit: *limit})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(res)
	}
	for _, ev := range res.Events {
		detail := ev.Detail
		if detail == "" {
			detail = "-"
		}
		tab := ev.Tab
		if tab == "" {
			tab = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
			ev.RecordedAt.Format("2006-01-02 15:04:05"), ev.Kind, ev.Profile, tab, detail)
	}
	return 0
}

func (r *Runner) printElements(elements []model.ElementInfo) {
	for _, el := range elements {
		text := strings.ReplaceAll(el.Text, "\n", " ")
		if text == "" {
			text = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s[%d]\t%.0f,%.0f\t%.0fx%.0f\t%s\n",
			el.Selector, el.Index, el.X, el.Y, el.Width, el.Height, text)
	}
}

func (r *Runner) printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(data)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) usageErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: tabmux [--socket <path>] [--token-file <path>] <ping|status|shutdown|tab|goto|inspect|click|type|text|eval|scroll|find-text|oneshot|profile|events> ...")
}
