package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"onemeter/internal/agent"
	"onemeter/internal/config"
	"onemeter/internal/logger"
	"onemeter/internal/metrics"
	"onemeter/internal/sensor"
	"onemeter/internal/store"
)

const usage = `onemeter - OneMeter cloud poller

Usage:
  onemeter init --config <path> --api-key <key> --device-id <id> --device-name <name> [--scan-interval 300] [--listen addr]
  onemeter run --config <path>
  onemeter status --config <path>
  onemeter export csv --config <path> --out <file> [--append]
  onemeter provision --config <path>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "provision":
		handleProvision(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	apiKey := fs.String("api-key", "", "OneMeter API key")
	deviceID := fs.String("device-id", "", "device id")
	deviceName := fs.String("device-name", "", "device display name")
	scanInterval := fs.Int("scan-interval", 0, "seconds between refreshes (60-86400)")
	baseURL := fs.String("base-url", "", "cloud API base URL")
	listen := fs.String("listen", config.DefaultListen, "HTTP listen address, empty to disable")
	dataDir := fs.String("data-dir", "", "data directory")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fatal(err)
	}

	overrideDevice(&cfg.Device, *apiKey, *deviceID, *deviceName, *baseURL, *scanInterval)
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s (entry_id %s, scan_interval %ds)\n", *configPath, cfg.Device.EntryID, cfg.Device.ScanInterval)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, log := mustSetup(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().
		Str("device", cfg.Device.DeviceName).
		Int("scan_interval", cfg.Device.ScanInterval).
		Msg("starting agent")
	fatal(agent.Run(ctx, cfg, log))
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, log := mustSetup(*configPath)
	dev, err := agent.Open(context.Background(), cfg, log)
	if err != nil {
		fatal(err)
	}
	defer dev.Close()

	st := dev.Coordinator.State()
	fmt.Fprintf(os.Stdout, "device %s  last refresh %s\n\n", cfg.Device.DeviceName, st.LastSuccess.UTC().Format(time.RFC3339))
	printReadings(os.Stdout, dev.Readings())

	reg, err := dev.Registry.Snapshot()
	if err != nil {
		fatal(err)
	}
	printMeters(os.Stdout, reg)
	printNotices(os.Stdout, reg)
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	appendRows := fs.Bool("append", false, "append to an existing file")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, log := mustSetup(*configPath)
	dev, err := agent.Open(context.Background(), cfg, log)
	if err != nil {
		fatal(err)
	}
	defer dev.Close()

	now := time.Now()
	if *appendRows {
		fatal(metrics.AppendCSV(*out, now, dev.Readings()))
	} else {
		fatal(writeCSVFile(*out, now, dev.Readings()))
	}
	fmt.Fprintf(os.Stdout, "exported %s\n", *out)
}

func handleProvision(args []string) {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, log := mustSetup(*configPath)
	dev, err := agent.Open(context.Background(), cfg, log)
	if err != nil {
		fatal(err)
	}
	defer dev.Close()

	res := dev.Provision(context.Background())
	fmt.Fprintf(os.Stdout, "%s: %s\n", res.MeterID, res.State)
	if res.Notice != nil {
		fmt.Fprintf(os.Stdout, "\n%s\n  %s\n", res.Notice.Title, res.Notice.Message)
	}
	if res.Err != nil {
		_ = dev.Close()
		fatal(res.Err)
	}
}

func mustSetup(configPath string) (config.Config, zerolog.Logger) {
	if configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := config.LoadStable(configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fatal(err)
	}
	return cfg, log
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideDevice(d *config.DeviceConfig, apiKey, deviceID, deviceName, baseURL string, scanInterval int) {
	if apiKey != "" {
		d.APIKey = apiKey
	}
	if deviceID != "" {
		d.DeviceID = deviceID
	}
	if deviceName != "" {
		d.DeviceName = deviceName
	}
	if baseURL != "" {
		d.BaseURL = baseURL
	}
	if scanInterval != 0 {
		d.ScanInterval = scanInterval
	}
}

func printReadings(w io.Writer, readings []sensor.Reading) {
	fmt.Fprintf(w, "%-10s  %-28s  %-24s  %-6s  %s\n", "UNIQUE_ID", "KEY", "VALUE", "UNIT", "ERROR")
	for _, r := range readings {
		value := "unavailable"
		if r.Available {
			value = fmt.Sprint(r.Value)
		}
		fmt.Fprintf(w, "%-10s  %-28s  %-24s  %-6s  %s\n", shortID(r.UniqueID), r.Key, value, r.Unit, r.Error)
	}
}

func printMeters(w io.Writer, reg *store.Registry) {
	if reg == nil || len(reg.Meters) == 0 {
		fmt.Fprintln(w, "\nno utility meter provisioned")
		return
	}
	fmt.Fprintf(w, "\n%-48s  %-8s  %-20s  %s\n", "METER", "CYCLE", "CREATED", "SOURCE")
	for _, m := range reg.Meters {
		fmt.Fprintf(w, "%-48s  %-8s  %-20s  %s\n", m.ID, m.Cycle, m.CreatedAt.UTC().Format(time.RFC3339), m.Source)
	}
}

func printNotices(w io.Writer, reg *store.Registry) {
	if reg == nil || len(reg.Notices) == 0 {
		return
	}
	fmt.Fprintln(w, "\nNOTICES")
	for _, n := range reg.Notices {
		fmt.Fprintf(w, "%s  %s: %s\n", n.DeliveredAt.UTC().Format(time.RFC3339), n.Title, n.Message)
	}
}

// shortID drops the entry id prefix, which is the same for every entity.
func shortID(uniqueID string) string {
	if i := strings.LastIndexByte(uniqueID, '_'); i >= 0 {
		return uniqueID[i:]
	}
	return uniqueID
}

func writeCSVFile(path string, ts time.Time, readings []sensor.Reading) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := metrics.WriteCSV(f, ts, readings); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
