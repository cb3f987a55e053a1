package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/thatsimonsguy/sprinkler-bridge/db"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/config"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/opensprinkler"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/status"
	"github.com/thatsimonsguy/sprinkler-bridge/system/startup"
)

const usage = `
Usage of sprinkler-debug:
  -config string	Path to bridge config file (default 'config.json')
  -db string	Path to the SQLite database file (overrides config)
  -cmd string	Command to run:
		info, status, set-valve, set-rain-delay,
		history, get-duration, set-duration, reset-durations, prune-history,
		install-service
  -valve string	Valve name for valve commands
  -on	Turn the valve on (set-valve)
  -duration int	Seconds for set-valve or set-duration
  -hours int	Rain delay hours, 0 cancels (set-rain-delay)
  -limit int	Number of history entries (default 20)
  -keep int	History entries to keep (prune-history)
  -user string	Service user (install-service)
  -binary string	Absolute path of the bridge binary (install-service)
  -unit string	Unit file path (install-service)
  -help	Show this help message
`

type options struct {
	configFile string
	dbPath     string
	command    string
	valve      string
	on         bool
	duration   int
	hours      int
	limit      int
	keep       int
	user       string
	binary     string
	unit       string
}

func main() {
	DebugCLI()
}

func DebugCLI() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "config.json", "Path to bridge config file")
	flag.StringVar(&opts.dbPath, "db", "", "Path to the SQLite database file")
	flag.StringVar(&opts.command, "cmd", "", "Command to run")
	flag.StringVar(&opts.valve, "valve", "", "Valve name for valve commands")
	flag.BoolVar(&opts.on, "on", false, "Turn the valve on")
	flag.IntVar(&opts.duration, "duration", 0, "Seconds for set-valve or set-duration")
	flag.IntVar(&opts.hours, "hours", 0, "Rain delay hours, 0 cancels")
	flag.IntVar(&opts.limit, "limit", 20, "Number of history entries")
	flag.IntVar(&opts.keep, "keep", db.DefaultHistoryKeep, "History entries to keep")
	flag.StringVar(&opts.user, "user", "pi", "Service user")
	flag.StringVar(&opts.binary, "binary", "/usr/local/bin/sprinkler-bridge", "Absolute path of the bridge binary")
	flag.StringVar(&opts.unit, "unit", startup.DefaultUnitPath, "Unit file path")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || opts.command == "" {
		fmt.Print(usage)
		os.Exit(0)
	}

	if err := run(opts); err != nil {
		fmt.Printf("Command %s failed: %v\n", opts.command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", opts.command)
}

func run(opts options) error {
	cfg, err := config.LoadFile(opts.configFile)
	if err != nil {
		return err
	}
	dbPath := cfg.DBPath
	if opts.dbPath != "" {
		dbPath = opts.dbPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.RequestTimeout())
	defer cancel()

	switch opts.command {
	case "info":
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		info, err := client.Info(ctx)
		if err != nil {
			return err
		}
		return printJSON(info)

	case "status":
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		payload, err := client.SystemStatus(ctx)
		if err != nil {
			return err
		}
		sys, err := status.Decode(payload, cfg.Valves, time.Now())
		if err != nil {
			return err
		}
		return printJSON(sys)

	case "set-valve":
		_, slot, err := findValve(cfg, opts.valve)
		if err != nil {
			return err
		}
		if opts.on && opts.duration <= 0 {
			return fmt.Errorf("duration is required to turn a valve on")
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		return client.SetValve(ctx, opts.on, slot, opts.duration)

	case "set-rain-delay":
		if opts.hours < 0 {
			return fmt.Errorf("hours must not be negative")
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		return client.SetRainDelay(ctx, opts.hours)

	case "history":
		name := ""
		if opts.valve != "" {
			v, _, err := findValve(cfg, opts.valve)
			if err != nil {
				return err
			}
			name = v.Name
		}
		events, err := db.ValveHistoryCLI(dbPath, name, opts.limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s  %-20s %-12s %-9s %ds\n", ev.At.Local().Format(time.DateTime), ev.Valve, ev.Event, ev.Source, ev.Remaining)
		}
		total, err := db.HistoryCountCLI(dbPath)
		if err != nil {
			return err
		}
		fmt.Printf("Showing %d of %d recorded events\n", len(events), total)
		return nil

	case "get-duration":
		v, _, err := findValve(cfg, opts.valve)
		if err != nil {
			return err
		}
		seconds, saved, err := db.ValveDurationCLI(dbPath, v.Name)
		if err != nil {
			return err
		}
		if !saved {
			fmt.Printf("%s: %ds (configured default)\n", v.Name, v.DefaultDuration)
			return nil
		}
		fmt.Printf("%s: %ds (saved)\n", v.Name, seconds)
		return nil

	case "set-duration":
		v, _, err := findValve(cfg, opts.valve)
		if err != nil {
			return err
		}
		if opts.duration <= 0 {
			return fmt.Errorf("duration must be greater than 0")
		}
		return db.SetValveDurationCLI(dbPath, v.Name, opts.duration)

	case "reset-durations":
		return db.ResetValveDurationsCLI(dbPath)

	case "prune-history":
		removed, err := db.PruneHistoryCLI(dbPath, opts.keep)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d history entries\n", removed)
		return nil

	case "install-service":
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		configFile, err := filepath.Abs(cfg.ConfigFile)
		if err != nil {
			return err
		}
		return startup.InstallService(startup.Service{
			User:       opts.user,
			WorkingDir: wd,
			Binary:     opts.binary,
			ConfigFile: configFile,
		}, opts.unit)

	default:
		return fmt.Errorf("invalid command")
	}
}

func newClient(cfg *config.Config) (*opensprinkler.Client, error) {
	return opensprinkler.NewClient(opensprinkler.Options{
		Host:         cfg.Host,
		PasswordHash: cfg.PasswordHash(),
		Timeout:      cfg.RequestTimeout(),
		DeviceID:     cfg.DeviceID,
	})
}

// findValve accepts the configured name or its slug and returns the
// valve's config with its slot.
func findValve(cfg *config.Config, name string) (model.ValveConfig, int, error) {
	if name == "" {
		return model.ValveConfig{}, 0, fmt.Errorf("valve is required")
	}
	for i, v := range cfg.Valves {
		if v.Name == name || model.Slug(v.Name) == name {
			return v, v.SlotIndex(i), nil
		}
	}
	return model.ValveConfig{}, 0, fmt.Errorf("unknown valve %q", name)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
