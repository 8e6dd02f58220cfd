package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/adapter"
	_ "github.com/samsamfire/canhost/pkg/canlib/kvaser"
	_ "github.com/samsamfire/canhost/pkg/canlib/socketcan"
	_ "github.com/samsamfire/canhost/pkg/canlib/virtual"
	_ "github.com/samsamfire/canhost/pkg/canlib/virtualcan"
	"github.com/samsamfire/canhost/pkg/config"
	"github.com/samsamfire/canhost/pkg/consumer"
	"github.com/samsamfire/canhost/pkg/monitor"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Command line arguments, they override the config file & environment
	configPath := flag.String("c", "", "ini configuration file")
	adapterName := flag.String("a", "", "adapter e.g. kvaser, loopback, virtual, virtualcan, socketcan, vcan")
	channel := flag.Int("ch", 0, "channel index")
	bitrate := flag.String("b", "", "bit rate e.g. 500K, 250000")
	dllPath := flag.String("dll", "", "canlib shared library to load at runtime")
	format := flag.String("format", "", "output format : text or cbor")
	send := flag.String("send", "", "frames to send, comma separated e.g. 123#0102,18FF0001#AA")
	interval := flag.Duration("interval", 0, "resend period for -send, 0 sends once")
	verbose := flag.Bool("v", false, "debug logs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.Adapter.Name = *adapterName
		case "ch":
			cfg.Adapter.Channel = *channel
		case "b":
			cfg.Adapter.Bitrate = *bitrate
		case "dll":
			cfg.Adapter.DLLPath = *dllPath
		case "format":
			cfg.Consumer.Format = *format
		}
	})
	if *verbose {
		cfg.Log.Level = log.DebugLevel.String()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration : %v", err)
	}
	level, _ := cfg.LogLevel()
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.StandardLogger()

	frames, err := parseFrames(*send)
	if err != nil {
		log.Fatal(err)
	}

	opts, err := cfg.AdapterOptions(logger)
	if err != nil {
		log.Fatal(err)
	}
	a, err := adapter.New(opts)
	if err != nil {
		log.Fatal(err)
	}

	// Keep stdout clean for binary output
	var out io.Writer = os.Stdout
	sink := consumer.WriterSink(os.Stdout)
	if cfg.Consumer.Format == config.FormatCBOR {
		out = os.Stderr
		sink = consumer.CBORSink(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := a.DriverInfo(ctx)
	fmt.Fprintf(out, "Found CANlib version %d.%d\n", info.VersionMajor, info.VersionMinor)
	fmt.Fprintf(out, "Found %d channels\n", info.Channels)

	m := monitor.New(a, sink,
		monitor.WithLogger(logger),
		monitor.WithConsumerOptions(cfg.ConsumerOptions(logger)...),
	)
	if err := m.Start(ctx); err != nil {
		m.Close()
		log.Fatalf("failed to start %v adapter : %v", opts.Name, err)
	}

	if len(frames) > 0 {
		go sendLoop(ctx, m, frames, *interval, out)
	}

	<-ctx.Done()
	log.Info("stopping")
	if err := m.Close(); err != nil {
		log.Warnf("close : %v", err)
	}
	if err := m.Err(); err != nil {
		log.Errorf("output stopped early : %v", err)
		os.Exit(1)
	}
}

// Send frames once, or every interval until ctx is done
func sendLoop(ctx context.Context, m *monitor.Monitor, frames []canhost.Frame, interval time.Duration, out io.Writer) {
	sendAll := func() {
		for _, frame := range frames {
			err := m.Send(ctx, frame)
			fmt.Fprintf(out, "send result: %v\n", err == nil)
			if err != nil {
				log.Warnf("send 0x%X failed : %v", frame.ID, err)
			}
		}
	}
	sendAll()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendAll()
		}
	}
}
