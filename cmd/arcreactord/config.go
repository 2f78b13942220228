package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	transport        string
	device           string
	adapter          string
	channel          int
	encrypt          bool
	ttyPath          string
	baud             int
	ttyReadTO        time.Duration
	connectTO        time.Duration
	listenAddr       string
	metricsAddr      string
	logFormat        string
	logLevel         string
	hubBuffer        int
	hubPolicy        string
	cmdQueue         int
	maxClients       int
	batteryOnConnect bool
	logMetricsEvery  time.Duration
	mdnsEnable       bool
	mdnsName         string
}

const envPrefix = "ARCREACTOR_"

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := parseArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// parseArgs fills a config from args, then from ARCREACTOR_* variables for
// every flag not given explicitly, then validates it.
func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.transport, "transport", "socket", "Device transport: socket (RFCOMM socket) | tty (rfcomm-bound tty)")
	fs.StringVar(&cfg.device, "device", "", "Device to connect at startup: BlueZ object path, address or name; empty waits for /connect")
	fs.StringVar(&cfg.adapter, "adapter", "", "Restrict enumeration to one Bluetooth adapter (e.g., hci0)")
	fs.IntVar(&cfg.channel, "channel", 1, "RFCOMM channel of the serial port service")
	fs.BoolVar(&cfg.encrypt, "encrypt", true, "Request an encrypted RFCOMM link when available")
	fs.StringVar(&cfg.ttyPath, "tty", "/dev/rfcomm0", "rfcomm-bound tty (when -transport=tty)")
	fs.IntVar(&cfg.baud, "baud", 38400, "tty baud rate (ignored by the rfcomm driver)")
	fs.DurationVar(&cfg.ttyReadTO, "tty-read-timeout", 200*time.Millisecond, "tty read timeout; bounds how fast disconnect unblocks a read")
	fs.DurationVar(&cfg.connectTO, "connect-timeout", 15*time.Second, "Device connect timeout")
	fs.StringVar(&cfg.listenAddr, "listen", ":8642", "Control API listen address")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 64, "Per-subscriber event buffer")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.cmdQueue, "cmd-queue", 32, "Queued remote commands before new ones are rejected")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous event subscribers (0 = unlimited)")
	fs.BoolVar(&cfg.batteryOnConnect, "battery-on-connect", true, "Request the battery level right after connecting")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the control API via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default arcreactord-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.transport {
	case "socket":
	case "tty":
		if c.ttyPath == "" {
			return errors.New("tty must be set when transport=tty")
		}
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.channel < 1 || c.channel > 30 {
		return fmt.Errorf("channel must be 1..30 (got %d)", c.channel)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.cmdQueue <= 0 {
		return fmt.Errorf("cmd-queue must be > 0 (got %d)", c.cmdQueue)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.ttyReadTO <= 0 {
		return errors.New("tty-read-timeout must be > 0")
	}
	if c.connectTO <= 0 {
		return errors.New("connect-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// envReader applies ARCREACTOR_* variables for flags that were not set and
// keeps the first parse error.
type envReader struct {
	set      map[string]struct{}
	firstErr error
}

func (e *envReader) lookup(flagName string) (string, string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return key, v, ok && v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.firstErr == nil {
		e.firstErr = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envReader) str(flagName string, dst *string) {
	if _, v, ok := e.lookup(flagName); ok {
		*dst = v
	}
}

func (e *envReader) integer(flagName string, dst *int, lo int) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if n < lo {
		e.fail(key, fmt.Errorf("%d is below %d", n, lo))
		return
	}
	*dst = n
}

func (e *envReader) duration(flagName string, dst *time.Duration) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if d < 0 {
		e.fail(key, fmt.Errorf("negative duration %s", d))
		return
	}
	*dst = d
}

func (e *envReader) boolean(flagName string, dst *bool) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(key, fmt.Errorf("not a boolean: %q", v))
	}
}

// applyEnvOverrides maps ARCREACTOR_<FLAG> variables (dashes become
// underscores) onto config fields unless the flag was explicitly set.
// Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envReader{set: set}
	e.str("transport", &c.transport)
	e.str("device", &c.device)
	e.str("adapter", &c.adapter)
	e.integer("channel", &c.channel, 1)
	e.boolean("encrypt", &c.encrypt)
	e.str("tty", &c.ttyPath)
	e.integer("baud", &c.baud, 1)
	e.duration("tty-read-timeout", &c.ttyReadTO)
	e.duration("connect-timeout", &c.connectTO)
	e.str("listen", &c.listenAddr)
	e.str("metrics-addr", &c.metricsAddr)
	e.str("log-format", &c.logFormat)
	e.str("log-level", &c.logLevel)
	e.integer("hub-buffer", &c.hubBuffer, 1)
	e.str("hub-policy", &c.hubPolicy)
	e.integer("cmd-queue", &c.cmdQueue, 1)
	e.integer("max-clients", &c.maxClients, 0)
	e.boolean("battery-on-connect", &c.batteryOnConnect)
	e.duration("log-metrics-interval", &c.logMetricsEvery)
	e.boolean("mdns-enable", &c.mdnsEnable)
	e.str("mdns-name", &c.mdnsName)
	return e.firstErr
}

// usage prints flag help to w; used by -h.
func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "arcreactord %s\n\nUsage of arcreactord:\n", version)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
