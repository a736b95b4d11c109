package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/espargos/goespargos/internal/config"
	"github.com/espargos/goespargos/internal/csi/backlog"
	"github.com/espargos/goespargos/internal/csi/board"
	"github.com/espargos/goespargos/internal/csi/discover"
	"github.com/espargos/goespargos/internal/csi/pool"
	"github.com/espargos/goespargos/internal/csi/recorder"
	"github.com/espargos/goespargos/internal/fsutil"
	"github.com/espargos/goespargos/internal/version"
)

var (
	hosts           = flag.String("hosts", "", "Comma-separated controller addresses (host[:port])")
	useDiscovery    = flag.Bool("discover", false, "Discover controllers via mDNS instead of -hosts")
	discoverTimeout = flag.Duration("discover-timeout", 3*time.Second, "mDNS browse timeout")
	calibrate       = flag.Bool("calibrate", false, "Run phase calibration before capturing")
	calibDuration   = flag.Duration("calibration-duration", 0, "Calibration capture window (0 = default)")
	perBoard        = flag.Bool("per-board", false, "Calibrate each board independently")
	captureFor      = flag.Duration("duration", 0, "Capture duration (0 = until interrupted)")
	backlogSize     = flag.Int("backlog-size", 0, "Number of clusters to retain (0 = default)")
	macFilter       = flag.String("mac-filter", "", "Regular expression applied to transmitter MAC addresses")
	tuningFile      = flag.String("tuning", "", "Path to a tuning config JSON file")
	outputDir       = flag.String("output", "", "Directory for capture files (empty = no recording)")
	label           = flag.String("label", "capture", "Label for the capture file name")
	logInterval     = flag.Duration("log-interval", 5*time.Second, "Statistics logging interval")
	showVersion     = flag.Bool("version", false, "Print version information and exit")
)

func controllerHosts(ctx context.Context) ([]string, error) {
	if *hosts != "" {
		var out []string
		for _, h := range strings.Split(*hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				out = append(out, h)
			}
		}
		return out, nil
	}

	if !*useDiscovery {
		return nil, fmt.Errorf("no controllers given: pass -hosts or -discover")
	}

	found, err := discover.Controllers(ctx, *discoverTimeout)
	if err != nil {
		return nil, fmt.Errorf("mDNS discovery failed: %w", err)
	}
	var out []string
	for _, h := range found {
		log.Printf("Discovered %s at %s", h.Instance, h.ControlEndpoint())
		out = append(out, h.ControlEndpoint())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no controllers discovered within %s", *discoverTimeout)
	}
	return out, nil
}

func run(ctx context.Context) error {
	tuning := config.EmptyTuningConfig()
	if *tuningFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			return fmt.Errorf("load tuning config: %w", err)
		}
	}

	endpoints, err := controllerHosts(ctx)
	if err != nil {
		return err
	}

	boards := make([]*board.Board, 0, len(endpoints))
	for _, host := range endpoints {
		b, err := board.New(host,
			board.WithHandshakeTimeout(tuning.GetHandshakeTimeout()),
			board.WithIdleTimeout(tuning.GetStreamIdleTimeout()))
		if err != nil {
			return fmt.Errorf("connect to %s: %w", host, err)
		}
		boards = append(boards, b)
	}

	p := pool.New(boards, pool.WithTuning(tuning))
	if err := p.Start(); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	defer p.Stop()

	if *calibrate {
		log.Print("Running phase calibration...")
		err := p.Calibrate(pool.CalibrateOptions{
			Duration: *calibDuration,
			PerBoard: *perBoard,
		})
		if err != nil {
			return fmt.Errorf("calibration failed: %w", err)
		}
		primary, secondary := p.Calibration().Channels()
		log.Printf("Calibration complete (channels %d/%d)", primary, secondary)
	}

	opts := []backlog.Option{backlog.WithTuning(tuning)}
	if *backlogSize > 0 {
		opts = append(opts, backlog.WithSize(*backlogSize))
	}
	if !*calibrate {
		opts = append(opts, backlog.WithoutCalibration())
	}
	bl := backlog.New(p, opts...)
	if *macFilter != "" {
		if err := bl.SetMACFilter(*macFilter); err != nil {
			return fmt.Errorf("invalid MAC filter: %w", err)
		}
	}

	bl.Start()
	defer bl.Stop()
	log.Printf("Capturing CSI from %d boards (backlog %d clusters)", len(boards), bl.Cap())

	if *captureFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *captureFor)
		defer cancel()
	}

	ticker := time.NewTicker(*logInterval)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			stats := p.Stats()
			log.Printf("CSI stats: %d clusters buffered, %d packets seen, %d clusters assembling",
				bl.Len(), stats.PacketBacklog, stats.LiveClusters)
		}
	}

	if *outputDir == "" {
		return nil
	}

	rec, err := recorder.New(fsutil.OSFileSystem{}, *outputDir, *label)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	for _, entry := range bl.Snapshot() {
		if err := rec.Write(entry); err != nil {
			rec.Close()
			return fmt.Errorf("record capture: %w", err)
		}
	}
	if err := rec.Close(); err != nil {
		return fmt.Errorf("close capture file: %w", err)
	}
	log.Printf("Wrote %d clusters to %s", rec.Written(), rec.Path())

	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("csistream %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
