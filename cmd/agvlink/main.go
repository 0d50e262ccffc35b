package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/capture"
	"github.com/banshee-data/agvlink/internal/agv/discovery"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/agv/monitor"
	"github.com/banshee-data/agvlink/internal/agv/rplidar"
	"github.com/banshee-data/agvlink/internal/agv/visualiser"
	"github.com/banshee-data/agvlink/internal/agv/wire"
	"github.com/banshee-data/agvlink/internal/config"
	"github.com/banshee-data/agvlink/internal/monitoring"
	"github.com/banshee-data/agvlink/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a YAML or JSON config file")
	listen       = flag.String("listen", "", "Dashboard listen address (default :8080)")
	grpcListen   = flag.String("grpc-listen", "", "Telemetry gRPC listen address; empty disables")
	synthetic    = flag.Bool("synthetic", false, "Serve generated telemetry over gRPC")
	discoverOnly = flag.Bool("discover", false, "Discover vehicles, print them and exit")
	connectAddr  = flag.String("connect", "", "Vehicle telemetry address to connect at startup (host:port)")
	ctrlPort     = flag.Int("ctrl-port", 0, "Separate control port on the -connect host")
	serialPath   = flag.String("serial", "", "Serial device to connect at startup, e.g. /dev/ttyUSB0")
	baudRate     = flag.Int("baud", 0, "Serial baud rate (default 115200)")
	stream       = flag.String("stream", "", "Telemetry decoder: wire or rplidar")
	pcapFile     = flag.String("pcap", "", "Replay telemetry from a PCAP file into the dashboard")
	pcapPort     = flag.Int("pcap-port", 8080, "Vehicle telemetry port in the PCAP file")
	pcapSpeed    = flag.Float64("pcap-speed", 1, "PCAP replay speed; 0 replays as fast as possible")
	dbPath       = flag.String("db", "", "Capture database path; empty disables capture")
	logFile      = flag.String("log-file", "", "Also write logs to this rotated file")
	logLevel     = flag.String("log-level", "", "Log level: info or debug")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *grpcListen != "" {
		cfg.GRPCListen = *grpcListen
	}
	if *synthetic {
		cfg.Synthetic = true
	}
	if *stream != "" {
		cfg.Link.Stream = *stream
	}
	if *baudRate > 0 {
		cfg.Serial.BaudRate = *baudRate
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startupEndpoint returns the endpoint named by -connect or -serial.
func startupEndpoint() (agv.Endpoint, bool, error) {
	switch {
	case *connectAddr != "" && *serialPath != "":
		return agv.Endpoint{}, false, fmt.Errorf("-connect and -serial are mutually exclusive")
	case *serialPath != "":
		return agv.Endpoint{Name: "serial", Address: *serialPath}, true, nil
	case *connectAddr != "":
		host, portStr, err := net.SplitHostPort(*connectAddr)
		if err != nil {
			return agv.Endpoint{}, false, fmt.Errorf("invalid -connect %q: %w", *connectAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return agv.Endpoint{}, false, fmt.Errorf("invalid -connect port %q", portStr)
		}
		return agv.Endpoint{Address: host, Port: port, ControlPort: *ctrlPort}, true, nil
	}
	return agv.Endpoint{}, false, nil
}

func decoderFactory(streamKind string) func() link.Decoder {
	if streamKind == config.StreamRPLidar {
		return func() link.Decoder { return rplidar.NewAssembler(nil) }
	}
	return func() link.Decoder { return wire.NewStreamDecoder() }
}

func printDevices(ctx context.Context, src discovery.Source, timeout time.Duration, w io.Writer) error {
	n := 0
	for ep, err := range src.Discover(ctx, timeout) {
		if err != nil {
			return err
		}
		n++
		fmt.Fprintf(w, "%s\t%s\n", ep.Name, ep)
	}
	if n == 0 {
		fmt.Fprintln(w, "no vehicles found")
	}
	return nil
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logCloser, err := monitoring.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logCloser.Close()
	log.Printf("starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *discoverOnly {
		if err := printDevices(ctx, cfg.DiscoverySource(), cfg.GetDiscoveryTimeout(), os.Stdout); err != nil {
			log.Fatalf("discovery failed: %v", err)
		}
		return
	}

	ep, autoConnect, err := startupEndpoint()
	if err != nil {
		log.Fatal(err)
	}

	hub := monitor.NewHub(cfg.Monitor.Capacity)
	stats := link.NewLinkStats("link")

	linkCfg := cfg.SessionConfig()
	linkCfg.Name = "link"
	linkCfg.Dialer = link.AutoDialer{
		TCP:    link.TCPDialer{KeepAlive: 30 * time.Second},
		Serial: link.SerialDialer{Options: cfg.Serial},
	}
	linkCfg.NewDecoder = decoderFactory(cfg.Link.Stream)
	linkCfg.Sink = hub
	linkCfg.Stats = stats
	session := link.NewSession(linkCfg)
	defer session.Close()

	ctrlCfg := cfg.SessionConfig()
	ctrlCfg.Name = "ctrl"
	control := link.NewSession(ctrlCfg)
	defer control.Close()

	webCfg := monitor.WebServerConfig{
		Address:   cfg.Listen,
		Hub:       hub,
		Session:   session,
		Control:   control,
		Discovery: cfg.DiscoverySource(),
		LiveRate:  cfg.Monitor.LiveRate,
	}

	// Create a wait group for the background routines
	var wg sync.WaitGroup

	if cfg.DB != "" {
		store, err := capture.Open(cfg.DB)
		if err != nil {
			log.Fatalf("failed to open capture database: %v", err)
		}
		defer store.Close()
		webCfg.Recorder = store
		webCfg.Admin = append(webCfg.Admin, store)
		for name, s := range map[string]*link.Session{"link": session, "ctrl": control} {
			done := store.TrackSession(ctx, name, s)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-done
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		stats.Run(ctx, cfg.GetStatsInterval())
	}()

	if cfg.GRPCListen != "" {
		vs := visualiser.NewServer(visualiser.Config{ListenAddr: cfg.GRPCListen, MaxClients: cfg.GRPCMaxClients}, hub)
		if cfg.Synthetic {
			vs.EnableSyntheticMode(nil)
		}
		if err := vs.Start(); err != nil {
			log.Fatalf("failed to start telemetry gRPC server: %v", err)
		}
		defer vs.Stop()
	}

	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := capture.ReplayPCAPFile(ctx, *pcapFile, capture.ReplayConfig{
				Port:       *pcapPort,
				NewDecoder: decoderFactory(cfg.Link.Stream),
				Sink:       hub,
				Stats:      stats,
				Speed:      *pcapSpeed,
			})
			if err != nil {
				log.Printf("pcap replay stopped: %v", err)
			}
			log.Printf("pcap replay: %d packets, %d segments (%d duplicate), %d samples, %d rejected",
				res.Packets, res.Segments, res.Duplicates, res.Samples, res.Rejected)
		}()
	}

	if autoConnect {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.Connect(ctx, ep); err != nil {
				log.Printf("failed to connect to %s: %v", ep, err)
				return
			}
			if ctrlEP, ok := ep.Control(); ok {
				if err := control.Connect(ctx, ctrlEP); err != nil {
					log.Printf("control link to %s failed, commands use the telemetry link: %v", ctrlEP, err)
				}
			}
		}()
	}

	if err := monitor.NewWebServer(webCfg).Start(ctx); err != nil {
		log.Printf("%v", err)
		stop()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
