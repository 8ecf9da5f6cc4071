// Command onvifd is the ONVIF daemon for the camera: it serves the SOAP
// services over its own epoll HTTP server, answers WS-Discovery probes and
// persists configuration changes back to the INI file.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/admin"
	"github.com/SridarDhandapani/onvifd/config"
	"github.com/SridarDhandapani/onvifd/discovery"
	"github.com/SridarDhandapani/onvifd/platform"
	"github.com/SridarDhandapani/onvifd/server"
	"github.com/SridarDhandapani/onvifd/service"
)

const flushInterval = 5 * time.Second

func main() {
	var (
		configPath   = flag.String("config", "/etc/onvifd/onvif.ini", "path to the configuration file")
		snapshotPath = flag.String("snapshot", "/tmp/snapshot.jpeg", "path the video pipeline writes frames to")
		adminAddr    = flag.String("admin", "", "address for the debug surface (empty disables it)")
		logLevel     = flag.String("log-level", "info", "zerolog level: trace..error")
		console      = flag.Bool("console", true, "human-readable console log output")
	)
	flag.Parse()

	ring := admin.NewLogRing(512)
	log := buildLogger(*logLevel, *console, ring)

	if err := run(*configPath, *snapshotPath, *adminAddr, ring, log); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}

func buildLogger(level string, console bool, ring *admin.LogRing) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out zerolog.LevelWriter
	if console {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, ring)
	} else {
		out = zerolog.MultiLevelWriter(os.Stderr, ring)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func run(configPath, snapshotPath, adminAddr string, ring *admin.LogRing, log zerolog.Logger) error {
	store := config.NewStore(configPath, log)
	if err := store.Bootstrap(); err != nil {
		return err
	}
	store.StartFlusher(flushInterval)

	imaging := config.ConvertDeviceValues(config.DeviceImaging{
		DayNightMode:  2,
		DayToNightLum: 3000,
		NightToDayLum: 7000,
		LockTimeUs:    5_000_000,
	})

	host := hostResolver()
	driver := platform.NewSoftwarePTZ(log)
	sysinfo := platform.NewSysInfo()
	snapshot := &platform.FileSnapshotSource{Path: snapshotPath}

	deviceHandler := service.NewDeviceHandler(store, host, log)
	mediaHandler := service.NewMediaHandler(store, host, log)
	ptzHandler := service.NewPTZHandler(driver, log)
	imagingHandler := service.NewImagingHandler(imaging, log)

	handlers := map[string]*service.Handler{
		"/onvif/device_service":  deviceHandler,
		"/onvif/media_service":   mediaHandler,
		"/onvif/ptz_service":     ptzHandler,
		"/onvif/imaging_service": imagingHandler,
	}

	srv := server.New(store, handlers, snapshot, sysinfo, log)

	httpPort, err := store.GetInt(config.SectionONVIF, "http_port")
	if err != nil {
		return err
	}
	discoveryPort, err := store.GetInt(config.SectionNetwork, "ws_discovery_port")
	if err != nil {
		return err
	}
	model, err := store.GetString(config.SectionDevice, "model")
	if err != nil {
		return err
	}

	responder := discovery.NewResponder(discovery.Config{
		Port:     discoveryPort,
		XAddr:    fmt.Sprintf("http://%s:%d/onvif/device_service", host(), httpPort),
		Name:     model,
		Hardware: model,
	}, log)
	if err := responder.Start(); err != nil {
		log.Warn().Err(err).Msg("ws-discovery disabled")
		responder = nil
	}

	if adminAddr != "" {
		engine := admin.NewRouter(admin.Options{
			Ring:    ring,
			SysInfo: sysinfo,
			Handlers: []*service.Handler{
				deviceHandler, mediaHandler, ptzHandler, imagingHandler,
			},
			Server: srv,
		}, log)
		go func() {
			if err := admin.Serve(adminAddr, engine, log); err != nil {
				log.Error().Err(err).Msg("admin server failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	// Shutdown order matters: announce departure first, stop taking
	// requests, then flush pending configuration writes.
	if responder != nil {
		responder.Stop()
	}
	srv.Shutdown()
	if err := store.Shutdown(); err != nil {
		log.Error().Err(err).Msg("final configuration flush failed")
	}
	return nil
}

// hostResolver reports the primary outbound interface address, falling back
// to loopback. Resolved per call since DHCP may land after startup.
func hostResolver() func() string {
	return func() string {
		conn, err := net.Dial("udp4", "239.255.255.250:3702")
		if err != nil {
			return "127.0.0.1"
		}
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
		return "127.0.0.1"
	}
}
