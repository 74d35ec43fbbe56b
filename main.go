package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/john/flashforge_link/backend"
	"github.com/john/flashforge_link/console"
	"github.com/john/flashforge_link/discovery"
	"github.com/john/flashforge_link/ffclient"
	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/printer"
	"github.com/john/flashforge_link/session"
	"github.com/john/flashforge_link/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("flashforge_link", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to configuration file")
	discover := flags.Bool("discover", false, "discover printers on the network and exit")
	listSaved := flags.Bool("list-saved", false, "list saved printers and exit")
	forget := flags.String("forget", "", "forget the saved printer with this serial and exit")
	ip := flags.String("ip", "", "connect directly to this printer IP")
	serial := flags.String("serial", "", "printer serial number for a direct connect")
	checkCode := flags.String("check-code", "", "pairing code for a direct connect")
	legacy := flags.Bool("legacy", false, "use only the legacy TCP protocol")
	storeBackend := flags.String("store", "", "record store backend: json or sqlite")
	dataDir := flags.String("data-dir", "", "directory for saved printer records")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	poll := flags.Duration("poll", 0, "status poll interval")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := LoadConfig(*configPath, !flags.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	LoadFromEnv(cfg)

	// Flags override file and environment.
	if flags.Changed("ip") {
		cfg.Printer.IP = *ip
	}
	if flags.Changed("serial") {
		cfg.Printer.Serial = *serial
	}
	if flags.Changed("check-code") {
		cfg.Printer.CheckCode = *checkCode
	}
	if flags.Changed("legacy") {
		cfg.Printer.ForceLegacy = *legacy
	}
	if flags.Changed("store") {
		cfg.Store.Backend = *storeBackend
	}
	if flags.Changed("data-dir") {
		cfg.Store.DataDir = *dataDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("poll") {
		cfg.Polling.Interval = *poll
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		return 1
	}

	log := logger.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner := discovery.NewScanner(log.Named("discovery"))
	scanner.Window = cfg.Discovery.Window
	scanner.Idle = cfg.Discovery.Idle
	scanner.Attempts = cfg.Discovery.Attempts
	scanner.Port = cfg.Discovery.Port
	scanner.Targets = cfg.Discovery.Targets

	if *discover {
		return runDiscovery(ctx, scanner)
	}

	records, err := store.Open(cfg.Store.Backend, cfg.Store.DataDir)
	if err != nil {
		log.Errorw("opening record store", "backend", cfg.Store.Backend, "dir", cfg.Store.DataDir, "err", err)
		return 1
	}
	defer records.Close()

	if *listSaved {
		return runListSaved(ctx, records)
	}
	if *forget != "" {
		if err := records.Delete(ctx, *forget); err != nil {
			log.Errorw("forgetting printer", "serial", *forget, "err", err)
			return 1
		}
		fmt.Printf("Forgot %s\n", *forget)
		return 0
	}

	term := console.New(os.Stdin, os.Stdout)
	statusLog := log.Named("status")
	mgr := session.NewManager(session.Deps{
		Scanner:  scanner,
		Dialer:   ffclient.NewDialer(log.Named("ffclient")),
		Store:    records,
		Prompter: term,
		Selector: term,
		Reporter: logger.NewReporter(log.Named("connect")),
		Log:      log.Named("session"),
	}, session.Config{
		ForceLegacy:  cfg.Printer.ForceLegacy,
		PollInterval: cfg.Polling.Interval,
		OnStatus: func(res printer.StatusResult, err error) {
			if err != nil {
				statusLog.Warnw("status poll failed", "err", err)
				return
			}
			st := res.Status
			statusLog.Debugw("status",
				"state", st.MachineState,
				"extruder", st.Extruder.Current,
				"bed", st.Bed.Current,
				"progress", st.Progress,
				"file", st.FileName,
			)
		},
		Overrides: backend.Overrides{
			CustomLEDs:      cfg.Printer.CustomLEDs,
			CustomCameraURL: cfg.Printer.CustomCameraURL,
		},
	})
	defer mgr.Close()

	var sess *session.Session
	if cfg.Printer.IP != "" {
		sess, err = mgr.ConnectAndSave(ctx, session.ConnectParams{
			IP:          cfg.Printer.IP,
			Serial:      cfg.Printer.Serial,
			PairingCode: cfg.Printer.CheckCode,
			Name:        cfg.Printer.Name,
			Legacy:      cfg.Printer.ForceLegacy,
		})
	} else {
		sess, err = mgr.Connect(ctx)
	}
	if err != nil {
		log.Errorw("connection failed", "state", mgr.State().String(), "err", err)
		return 1
	}
	if sess == nil {
		fmt.Println("No printer connected.")
		return 0
	}

	log.Infow("connected",
		"session", sess.ID,
		"name", sess.Name,
		"serial", sess.Serial,
		"ip", sess.IP,
		"model", sess.Model.DisplayName,
		"protocol", sess.Protocol,
		"firmware", sess.Firmware,
	)

	go printEvents(sess, log.Named("events"))

	r := &repl{sess: sess, term: term, out: os.Stdout}
	r.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	<-closeAsync(shutdownCtx, mgr, log)
	return 0
}

// closeAsync disconnects in the background so a stuck logout cannot hold
// the process past ctx.
func closeAsync(ctx context.Context, mgr *session.Manager, log *logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		finished := make(chan error, 1)
		go func() { finished <- mgr.Disconnect() }()
		select {
		case err := <-finished:
			if err != nil {
				log.Warnw("disconnect", "err", err)
			}
		case <-ctx.Done():
			log.Warnw("disconnect timed out")
		}
	}()
	return done
}

func printEvents(sess *session.Session, log *logger.Logger) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case session.EventStateChanged:
			log.Infow("state changed", "from", ev.Old, "to", ev.New)
		case session.EventTemperature:
			log.Debugw("temperature", "temps", ev.Temps)
		case session.EventPrinterInfo:
			if ev.Info != nil {
				log.Debugw("printer info", "type", ev.Info.TypeName, "firmware", ev.Info.Firmware)
			}
		case session.EventCommandSucceeded:
			log.Debugw("command ok", "cmd", ev.Command)
		case session.EventCommandUnsupported:
			log.Warnw("command unsupported", "cmd", ev.Command, "reply", ev.Reply)
		case session.EventCommandFailed:
			log.Warnw("command failed", "cmd", ev.Command, "err", ev.Err)
		case session.EventUploadStarted, session.EventUploadProgress:
			log.Debugw(ev.Kind.String(), "file", ev.Upload.FileName, "sent", ev.Upload.Sent, "total", ev.Upload.Total)
		case session.EventUploadCompleted:
			log.Infow("upload completed", "file", ev.Upload.FileName)
		case session.EventUploadFailed:
			log.Errorw("upload failed", "file", ev.Upload.FileName, "err", ev.Err)
		case session.EventConnectionError:
			log.Errorw("connection error", "err", ev.Err)
		case session.EventPrinterError:
			log.Errorw("printer error", "err", ev.Err)
		}
	}
}

func runDiscovery(ctx context.Context, scanner *discovery.Scanner) int {
	fmt.Println("Discovering FlashForge printers on the network...")

	printers, err := scanner.Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery failed: %v\n", err)
		return 1
	}
	if len(printers) == 0 {
		fmt.Println("No printers found.")
		return 0
	}

	fmt.Printf("Found %d printer(s):\n", len(printers))
	for i, p := range printers {
		fmt.Printf("  %d. %s (%s) - IP: %s, serial: %s, status: %s\n", i+1, p.Name, p.Model, p.IP, p.Serial, p.Status)
	}
	return 0
}

func runListSaved(ctx context.Context, records store.Store) int {
	list, err := records.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing saved printers: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Println("No saved printers.")
		return 0
	}
	for _, rec := range list {
		proto := string(rec.Protocol)
		if proto == "" {
			proto = "auto"
		}
		paired := "no"
		if rec.PairingCode != "" {
			paired = "yes"
		}
		fmt.Printf("  %s  %-20s %-15s protocol:%-6s paired:%s  last:%s\n",
			rec.Serial, rec.Name, rec.IP, proto, paired, rec.LastConnected.Local().Format(time.DateTime))
	}
	return 0
}
