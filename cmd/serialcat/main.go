// Command serialcat opens a serial channel, optionally sends a string, and
// prints what comes back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Station-Manager/serialchannel"
)

type options struct {
	configPath string
	device     string
	baud       int
	send       string
	readN      int
	wait       time.Duration
	listen     bool
	stats      time.Duration
	logFile    string
	logLevel   string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "JSON config file")
	flag.StringVar(&o.device, "device", "", "serial device path, overrides the config file")
	flag.IntVar(&o.baud, "baud", 0, "baud rate, overrides the config file (default 9600)")
	flag.StringVar(&o.send, "send", "", `string to write after opening; Go escapes such as \r are honoured`)
	flag.IntVar(&o.readN, "read", 0, "read exactly N bytes and print them")
	flag.DurationVar(&o.wait, "wait", 2*time.Second, "how long -read waits for its bytes")
	flag.BoolVar(&o.listen, "listen", false, "print everything received until interrupted")
	flag.DurationVar(&o.stats, "stats", 0, "print metrics snapshots as JSON to stderr at this interval")
	flag.StringVar(&o.logFile, "log-file", "", "also write JSON logs to this rotating file")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger, closeLog, err := newLogger(o.logLevel, o.logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serialcat: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, o, logger); err != nil {
		logger.Error().Err(err).Msg("serialcat failed")
		stop()
		_ = closeLog()
		os.Exit(1)
	}
}

func loadConfig(o options) (serialchannel.Config, error) {
	cfg := serialchannel.DefaultConfig("", 0)
	if o.configPath != "" {
		var err error
		if cfg, err = serialchannel.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.device != "" {
		cfg.PortName = o.device
	}
	if o.baud > 0 {
		cfg.BaudRate = o.baud
	}
	return cfg, nil
}

func run(ctx context.Context, o options, logger zerolog.Logger) (err error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	ch, err := serialchannel.NewWithConfig(cfg, serialchannel.WithLogger(logger))
	if err != nil {
		return err
	}
	if err = ch.Open(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, ch.Close())
	}()

	if o.stats > 0 {
		mb := serialchannel.NewMetricsBroadcaster(ch.Metrics(), 0, o.stats)
		mb.Start()
		defer mb.Stop()
		go printSnapshots(mb.C())
	}

	if o.send != "" {
		payload, err := strconv.Unquote(`"` + o.send + `"`)
		if err != nil {
			payload = o.send
		}
		if _, err = ch.WriteString(payload); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	if o.readN > 0 {
		rctx, cancel := context.WithTimeout(ctx, o.wait)
		defer cancel()
		resp, err := ch.ReadString(rctx, o.readN)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Println(resp)
	}

	if o.listen {
		return listen(ctx, ch)
	}
	return nil
}

// listen copies received bytes to stdout until ctx is cancelled.
func listen(ctx context.Context, ch *serialchannel.Channel) error {
	for {
		first, err := ch.ReadBytes(ctx, 1)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, serialchannel.ErrReadTimeout):
			continue
		case err != nil:
			return err
		}
		if _, err = os.Stdout.Write(append(first, ch.ReadAvailable()...)); err != nil {
			return err
		}
	}
}

func printSnapshots(snapshots <-chan serialchannel.MetricsSnapshot) {
	for s := range snapshots {
		b, err := json.Marshal(s)
		if err != nil {
			continue
		}
		fmt.Fprintln(os.Stderr, string(b))
	}
}
