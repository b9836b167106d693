package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/speters/lidarlink/config"
	"github.com/speters/lidarlink/httpapi"
	"github.com/speters/lidarlink/lidar"
	"github.com/speters/lidarlink/link"
	"github.com/speters/lidarlink/metrics"
)

var cfgFile = flag.String("f", "", "configuration `file` (yaml, toml or json)")
var connTo = flag.String("c", "", "connection string, use tcp://[host]:[port] for TCP or [serialDevice][?baud=N] for a serial line; overrides device.link")
var family = flag.String("family", "", "device family (lms2xx, lms1xx, ld, custom); overrides device.family")
var httpServe = flag.String("s", "", "start http server at [bindtohost][:]port; overrides http.addr")
var listPorts = flag.Bool("l", false, "list serial ports and exit")
var verbose = flag.Bool("v", false, "verbose logging")

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

func setupLogging(c config.LoggingConfig) {
	if lvl, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("Unknown log level %q, keeping %v", c.Level, log.GetLevel())
	}
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	if c.File.Filename != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   c.File.Filename,
			MaxSize:    c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAge:     c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		}))
	}
}

// keepConnected initializes the driver and reconnects whenever the link dies, until ctx is done.
func keepConnected(ctx context.Context, d *lidar.Driver, delay time.Duration) {
	for {
		var err error
		if d.Initialized() {
			err = d.Reconnect(ctx)
		} else {
			err = d.Initialize(ctx)
		}

		if err != nil {
			log.Errorf("Connecting to %s failed: %v", d.Config().Link, err)
		} else {
			log.Infof("Connected to %s", d.Config().Link)
			select {
			case <-d.Done():
				log.Warnf("Lost connection: %v", d.Err())
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal(err)
	}
	setupLogging(cfg.Logging)

	if *listPorts {
		ports, err := link.Ports()
		if err != nil {
			log.Fatal(err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *connTo != "" {
		cfg.Device.Link = *connTo
	}
	if *family != "" {
		cfg.Device.Family = *family
	}
	if *httpServe != "" {
		cfg.HTTP.Addr = *httpServe
	}
	// accept :[portnum] as well as [portnum]
	if i, err := strconv.Atoi(cfg.HTTP.Addr); err == nil {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", i)
	}

	p, err := cfg.Device.Profile()
	if err != nil {
		log.Fatal(err)
	}
	dcfg, err := cfg.Device.Driver()
	if err != nil {
		log.Fatal(err)
	}

	opts := httpapi.Options{
		CommandRate:  cfg.HTTP.CommandRate,
		CommandBurst: cfg.HTTP.CommandBurst,
		Version:      buildVersion,
		BuildDate:    buildDate,
	}
	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		reg := metrics.NewRegistry()
		m = metrics.New(reg)
		opts.Metrics = metrics.Handler(reg)
		opts.MetricsPath = cfg.Metrics.Path
	}

	d, err := lidar.New(dcfg, p, lidar.WithMetrics(m))
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	h := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.New(d, opts).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Infof("Serving http on %s", h.Addr)
		if err := h.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err)
		}
	}()

	keepConnected(ctx, d, cfg.Device.ReconnectDelay)

	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(sctx); err != nil {
		log.Error(err)
	}
	if d.Initialized() {
		if err := d.Uninitialize(sctx); err != nil {
			log.Error(err)
		}
	}
}
