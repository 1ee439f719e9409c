package main

import (
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dvbridge/adbd/authsvc"
	"github.com/dvbridge/adbd/cmn/nlog"
	"github.com/dvbridge/adbd/config"
	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/metrics"
	"github.com/dvbridge/adbd/services"
)

var errShuttingDown = errors.New("adbd: shutting down")

// liveConns tracks every connection currently being served so a shutdown
// signal can actually drain them instead of merely closing the listener
// and leaving already-accepted clients to hang the process indefinitely.
type liveConns struct {
	mu    sync.Mutex
	conns map[*dsrv.Conn]struct{}
}

func newLiveConns() *liveConns {
	return &liveConns{conns: make(map[*dsrv.Conn]struct{})}
}

func (l *liveConns) add(c *dsrv.Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *liveConns) remove(c *dsrv.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// closeAll closes every tracked connection; each Close wakes its own
// Serve() goroutine, so the caller's wg.Wait() still completes the drain.
func (l *liveConns) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		c.Close(errShuttingDown)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, accepting ADB connections over TCP",
		RunE: func(*cobra.Command, []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (YAML/TOML/JSON)")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	nlog.SetPre(cfg.LogDir, "adbd")
	defer nlog.Flush(true)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	var verifier dsrv.Verifier
	if cfg.AuthEnabled {
		v, err := authsvc.NewSSHVerifier(cfg.AuthorizedKeys)
		if err != nil {
			return err
		}
		verifier = v
		reload := func() {
			if err := v.Reload(); err != nil {
				nlog.Warningf("adbd: reloading authorized keys: %v", err)
			}
		}
		if w, err := config.WatchAuthorizedKeys(cfg.AuthorizedKeys, reload); err == nil {
			defer w.Close()
		} else {
			nlog.Warningf("adbd: not watching authorized keys file: %v", err)
		}
	}

	dcfg := dsrv.Config{
		FrameMax:       cfg.FrameMax,
		SmallClass:     cfg.SmallClassBytes,
		LargeClass:     cfg.LargeClassBytes,
		TokenSize:      cfg.TokenSize,
		DeviceID:       cfg.DeviceID,
		Banner:         cfg.Banner(),
		AuthEnabled:    cfg.AuthEnabled,
		AutoAcceptKeys: cfg.AuthPubkeyAuto,
		Verifier:       verifier,
		Metrics:        collector,
	}

	addr := ":" + strconv.Itoa(cfg.TCPServerPort)
	ln, err := dsrv.ListenTCP(addr)
	if err != nil {
		return err
	}
	nlog.Infof("adbd: listening on %s (device_id=%s)", addr, cfg.DeviceID)

	live := newLiveConns()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		nlog.Infoln("adbd: shutting down, draining live connections")
		ln.Close()
		live.closeAll()
	}()

	var wg sync.WaitGroup
	for {
		transport, err := ln.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(transport, dcfg, live)
		}()
	}
	wg.Wait()
	return nil
}

func serveConn(transport dsrv.Transport, dcfg dsrv.Config, live *liveConns) {
	router := services.NewRouter(services.Config{RebootFunc: defaultReboot})
	conn := dsrv.NewConn(transport, dcfg, router.Open)
	live.add(conn)
	defer live.remove(conn)
	if err := conn.Serve(); err != nil {
		nlog.Warningf("adbd: connection ended: %v", err)
	}
	router.Close()
}
