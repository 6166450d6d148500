package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-tasker/internal/config"
	"github.com/basket/go-tasker/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

DAEMON:
  %s daemon                   Run the scheduler daemon

TASKS:
  %s create scheduled -name <n> -prompt <p> -cron "<expr>" [-tz <zone>]
  %s create adhoc     -name <n> -prompt <p>
  %s create planned   -name <n> -prompt <p> -at <rfc3339>[,<rfc3339>...]
  %s list   [-kind <k>] [-state <s>] [-within <d>]
  %s show   <uuid>
  %s run    (-uuid <u> | -name <n> | -token <t>) [-context <extra>] [-timeout <d>]
  %s wait   -uuid <u> [-timeout <d>]
  %s delete (-uuid <u> | -name <n> [-all])
  %s enable <uuid> / %s disable <uuid>
  %s runs   [-uuid <u>] [-limit <n>]

ENVIRONMENT VARIABLES:
  GOTASKER_HOME               Data directory (default: ~/.gotasker)
  GOTASKER_LOG_LEVEL          Override log_level from config.yaml
  GOTASKER_RUNNER_COMMAND     Override runner.command from config.yaml
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version":
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Only the daemon mirrors logs to stdout; CLI commands keep their
	// output clean and log to the file.
	quiet := cmd != "daemon"
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	code := 0
	switch cmd {
	case "daemon":
		code = runDaemon(ctx, cfg, logger)
	case "create":
		code = runCreate(cfg, logger, args[1:])
	case "list":
		code = runList(cfg, logger, args[1:])
	case "show":
		code = runShow(cfg, logger, args[1:])
	case "run":
		code = runTrigger(ctx, cfg, logger, args[1:])
	case "wait":
		code = runWait(ctx, cfg, logger, args[1:])
	case "delete":
		code = runDelete(cfg, logger, args[1:])
	case "enable":
		code = runSetEnabled(cfg, logger, args[1:], true)
	case "disable":
		code = runSetEnabled(cfg, logger, args[1:], false)
	case "runs":
		code = runRuns(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"scheduler","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
