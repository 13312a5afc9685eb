// Mxchat is a terminal front-end for a workflow host with a chat
// sidebar.
//
// It keeps the bidirectional workflow session open (with automatic
// reconnect), follows the host's status and chat events, streams
// answers from the conversational chat server, and manages the host's
// model configuration. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mxchat listen                    Follow session events until interrupted
//	mxchat ask <question>            Stream one answer from the chat server
//	mxchat mode <agent|chat|build>   Switch the host's front-end mode
//	mxchat config get                Show the host's model configuration
//	mxchat config select <model>     Switch the active model
//	mxchat config add <m> <url> <k>  Add or replace a model dataset
//	mxchat id                        Print this client's identity
//	mxchat version                   Print version and build information
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mxchat/internal/buildinfo"
	"github.com/nugget/mxchat/internal/chat"
	"github.com/nugget/mxchat/internal/client"
	"github.com/nugget/mxchat/internal/config"
	"github.com/nugget/mxchat/internal/events"
	"github.com/nugget/mxchat/internal/httpkit"
	"github.com/nugget/mxchat/internal/identity"
	"github.com/nugget/mxchat/internal/mqtt"
	"github.com/nugget/mxchat/internal/protocol"
	"github.com/nugget/mxchat/internal/render"
	"github.com/nugget/mxchat/internal/router"
	"github.com/nugget/mxchat/internal/session"
	"github.com/nugget/mxchat/internal/stream"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// requestTimeout bounds session round trips (mode, config) from the
// CLI.
const requestTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected
// so the command surface can be driven from tests. Logs go to stderr;
// command output goes to stdout.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Manual parsing keeps run free of flag.CommandLine globals.
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	out := &output{w: stdout, format: outputFmt}

	switch command {
	case "version":
		return runVersion(out)
	case "":
		return printUsage(stdout)
	case "listen", "ask", "mode", "config", "id":
	default:
		return fmt.Errorf("unknown command: %s", command)
	}

	e, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "listen":
		return runListen(ctx, e, out)
	case "ask":
		return runAsk(ctx, e, out, cmdArgs)
	case "mode":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mxchat mode <agent|chat|build>")
		}
		return runMode(ctx, e, out, cmdArgs[0])
	case "config":
		return runConfig(ctx, e, out, cmdArgs)
	default: // id
		id := e.identity.GetOrCreate()
		return out.emit(map[string]string{"client_id": id}, id)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(out *output) error {
	info := buildinfo.Get()
	if out.json() {
		return out.emit(info, "")
	}
	fmt.Fprintln(out.w, info)
	for _, f := range info.Fields() {
		fmt.Fprintf(out.w, "  %-12s %s\n", f.Name+":", f.Value)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mxchat - workflow host chat client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mxchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  listen                       Follow session events until interrupted")
	fmt.Fprintln(w, "  ask [flags] <question>       Stream one answer from the chat server")
	fmt.Fprintln(w, "      -image <file>            Attach an image")
	fmt.Fprintln(w, "      -table <file>            Attach a CSV or Excel file")
	fmt.Fprintln(w, "      -mode <mode>             Switch the host's mode first")
	fmt.Fprintln(w, "      -html | -plain           Render the final answer")
	fmt.Fprintln(w, "  mode <agent|chat|build>      Switch the host's front-end mode")
	fmt.Fprintln(w, "  config get                   Show the host's model configuration")
	fmt.Fprintln(w, "  config select <model>        Switch the active model")
	fmt.Fprintln(w, "  config add [-http] <model> <url> <api-key>")
	fmt.Fprintln(w, "                               Add or replace a model dataset")
	fmt.Fprintln(w, "  id                           Print this client's identity")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mxchat/config.yaml, /etc/mxchat/config.yaml")
	return nil
}

// env holds what every session-backed command needs.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	identity *identity.Store
	db       *sql.DB
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

// setup loads configuration, builds the logger, and opens the
// identity store.
func setup(configPath string, stderr io.Writer) (*env, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	e := &env{cfg: cfg, logger: logger}
	if err := e.openIdentity(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *env) openIdentity() error {
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger := e.logger.With("component", "identity")
	switch e.cfg.IdentityBackend {
	case "sqlite":
		dbPath := filepath.Join(e.cfg.DataDir, "mxchat.db")
		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		backend, err := identity.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return err
		}
		e.db = db
		e.identity = identity.New(backend, logger)
	default:
		e.identity = identity.New(identity.NewFileStore(e.cfg.DataDir), logger)
	}
	return nil
}

// chatClient builds the chat server client from configuration.
func (e *env) chatClient() *chat.Client {
	logger := e.logger.With("component", "chat")
	opts := []httpkit.Option{
		httpkit.WithTimeout(e.cfg.Chat.Timeout),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	if e.cfg.Chat.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return chat.NewClient(e.cfg.Chat.URL, httpkit.NewClient(opts...), logger)
}

// newClient builds the front-end client without connecting it.
func (e *env) newClient(bus *events.Bus, observer router.Handlers) (*client.Client, error) {
	return client.New(client.Options{
		Identity:   e.identity,
		SessionURL: e.cfg.Session.URL,
		Secure:     e.cfg.Session.Secure,
		Session: session.Config{
			Backoff: session.Backoff{
				Base: e.cfg.Session.BaseDelay,
				Cap:  e.cfg.Session.MaxDelay,
			},
			ConnectTimeout: e.cfg.Session.ConnectTimeout,
		},
		Chat:     e.chatClient(),
		Bus:      bus,
		Mode:     e.cfg.Chat.Mode,
		Observer: observer,
		Logger:   e.logger,
	})
}

// runListen follows the session until ctx is cancelled, printing every
// bus event. The MQTT relay runs alongside when configured.
func runListen(ctx context.Context, e *env, out *output) error {
	bus := events.New()
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	c, err := e.newClient(bus, router.Handlers{})
	if err != nil {
		return err
	}

	var relay *mqtt.Relay
	if e.cfg.MQTT.Configured() {
		relay = mqtt.New(e.cfg.MQTT, c.ID(), e.logger.With("component", "mqtt"))
		relaySub := bus.Subscribe(256)
		defer bus.Unsubscribe(relaySub)
		go func() {
			if err := relay.Start(ctx, relaySub); err != nil {
				e.logger.Error("mqtt relay failed", "error", err)
			}
		}()
		e.logger.Info("mqtt relay enabled", "broker", e.cfg.MQTT.Broker, "topic", relay.AvailabilityTopic())
	}

	c.Start()
	e.logger.Info("listening", "client_id", c.ID(), "mode", c.Mode())

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutdown signal received")
			if relay != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := relay.Stop(stopCtx); err != nil {
					e.logger.Error("mqtt shutdown failed", "error", err)
				}
				stopCancel()
			}
			c.Stop()
			stats := c.Router().Stats()
			e.logger.Info("mxchat stopped",
				"dispatched", stats.Dispatched,
				"unrecognized", stats.Unrecognized,
				"malformed", stats.Malformed,
				"dropped_events", bus.Dropped(),
			)
			return nil
		case ev := <-sub:
			if err := out.event(ev); err != nil {
				return err
			}
		}
	}
}

// askFlags are the options accepted by the ask command.
type askFlags struct {
	mode  string
	image string
	table string
	html  bool
	plain bool
	text  string
}

func parseAskFlags(args []string) (askFlags, error) {
	var f askFlags
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-mode" && i+1 < len(args):
			f.mode = args[i+1]
			i++
		case args[i] == "-image" && i+1 < len(args):
			f.image = args[i+1]
			i++
		case args[i] == "-table" && i+1 < len(args):
			f.table = args[i+1]
			i++
		case args[i] == "-html":
			f.html = true
		case args[i] == "-plain":
			f.plain = true
		case args[i] == "--":
			words = append(words, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(args[i], "-") && len(words) == 0:
			return f, fmt.Errorf("unknown ask flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	f.text = strings.Join(words, " ")
	if f.html && f.plain {
		return f, errors.New("-html and -plain are mutually exclusive")
	}
	if f.mode != "" && !protocol.ValidMode(f.mode) {
		return f, fmt.Errorf("unknown mode %q (valid: agent, chat, build)", f.mode)
	}
	if f.text == "" && f.image == "" && f.table == "" {
		return f, errors.New("usage: mxchat ask [-mode m] [-image file] [-table file] [-html|-plain] <question>")
	}
	return f, nil
}

// runAsk streams one answer. In text output without a renderer the
// answer is written as it grows; otherwise only the final answer is
// printed.
func runAsk(ctx context.Context, e *env, out *output, args []string) error {
	f, err := parseAskFlags(args)
	if err != nil {
		return err
	}

	q := client.Question{Text: f.text}
	if f.image != "" {
		if q.ImageData, err = chat.ImageFile(f.image); err != nil {
			return err
		}
	}
	if f.table != "" {
		if q.Table, err = chat.TableFile(f.table); err != nil {
			return err
		}
	}

	c, err := e.newClient(nil, router.Handlers{})
	if err != nil {
		return err
	}
	defer c.Stop()

	if f.mode != "" {
		c.Start()
		modeCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := c.SetMode(modeCtx, f.mode)
		cancel()
		if err != nil {
			return err
		}
	}

	live := !out.json() && !f.html && !f.plain
	var printed int
	sink := func(s stream.Snapshot) {
		if !live || s.Err != "" || len(s.Answer) <= printed {
			return
		}
		io.WriteString(out.w, s.Answer[printed:])
		printed = len(s.Answer)
	}

	snap, err := c.Ask(ctx, q, sink)
	var remote *stream.RemoteError
	if err != nil && !errors.As(err, &remote) {
		var se *chat.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("chat server: %s", se.Detail())
		}
		return err
	}

	switch {
	case out.json():
		return out.emit(map[string]string{
			"answer":    snap.Answer,
			"reasoning": snap.Reasoning,
			"error":     snap.Err,
		}, "")
	case f.html:
		doc, rerr := render.HTML(snap.Answer)
		if rerr != nil {
			return rerr
		}
		io.WriteString(out.w, doc)
	case f.plain:
		text, rerr := render.Plain(snap.Answer)
		if rerr != nil {
			return rerr
		}
		fmt.Fprintln(out.w, text)
	default:
		if snap.Err != "" {
			if printed > 0 {
				fmt.Fprintln(out.w)
			}
			fmt.Fprintln(out.w, snap.Answer)
		} else {
			fmt.Fprintln(out.w)
		}
	}
	return err
}

// runMode switches the host's front-end mode and waits for the
// confirmation.
func runMode(ctx context.Context, e *env, out *output, mode string) error {
	confirmed := make(chan string, 1)
	c, err := e.newClient(nil, router.Handlers{
		ModeChanged: func(p protocol.ModeChanged) {
			select {
			case confirmed <- p.Mode:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer c.Stop()
	c.Start()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := c.SetMode(ctx, mode); err != nil {
		return err
	}

	select {
	case got := <-confirmed:
		return out.emit(map[string]string{"mode": got}, "mode: "+got)
	case <-ctx.Done():
		return fmt.Errorf("mode change not confirmed: %w", client.ErrTimeout)
	}
}

// runConfig handles "config get|select|add".
func runConfig(ctx context.Context, e *env, out *output, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mxchat config get|select <model>|add [-http] <model> <url> <api-key>")
	}

	c, err := e.newClient(nil, router.Handlers{})
	if err != nil {
		return err
	}
	defer c.Stop()
	c.Start()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var cfg protocol.RemoteConfig
	switch args[0] {
	case "get":
		cfg, err = c.RequestConfig(ctx)
	case "select":
		if len(args) != 2 {
			return fmt.Errorf("usage: mxchat config select <model>")
		}
		cfg, err = c.SelectModel(ctx, args[1])
	case "add":
		rest := args[1:]
		viaHTTP := len(rest) > 0 && rest[0] == "-http"
		if viaHTTP {
			rest = rest[1:]
		}
		if len(rest) != 3 {
			return fmt.Errorf("usage: mxchat config add [-http] <model> <url> <api-key>")
		}
		cfg, err = c.RequestConfig(ctx)
		if err != nil {
			return err
		}
		cfg.Upsert(protocol.Dataset{Model: rest[0], URL: rest[1], APIKey: rest[2]})
		if cfg.SelectedModel == "" {
			cfg.SelectedModel = rest[0]
		}
		if viaHTTP {
			cfg, err = e.chatClient().UpdateConfig(ctx, cfg)
		} else {
			cfg, err = c.SaveConfig(ctx, cfg)
		}
	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
	if err != nil {
		return err
	}
	return out.config(cfg)
}

// loadConfig locates and parses the YAML configuration file. When no
// file is found and none was requested, defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
