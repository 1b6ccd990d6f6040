// enosed is the supervisory controller daemon for the electronic-nose
// instrument. It owns the actuator and sensor transports, the load-cell
// driver, the hardware state machines, the program library, and the
// experiment orchestrator, and exposes a Prometheus /metrics endpoint.
//
// Usage:
//
//	enosed --config /etc/enosed/config.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gsq7474741/rpi-odor/internal/config"
	"github.com/gsq7474741/rpi-odor/internal/executors"
	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/loadcell"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/obsmetrics"
	"github.com/gsq7474741/rpi-odor/internal/orchestrator"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/proglib"
	"github.com/gsq7474741/rpi-odor/internal/sensor"
	"github.com/gsq7474741/rpi-odor/internal/store/sqlitestore"
	"github.com/gsq7474741/rpi-odor/internal/transport"
	"github.com/gsq7474741/rpi-odor/internal/validator"
)

func main() {
	configFile := pflag.String("config", "", "Configuration file (required)")
	pflag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		pflag.Usage()
		os.Exit(1)
	}

	log := obslog.New("enosed")

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.WithError(err).Error("loading config")
		os.Exit(1)
	}

	repo, err := sqlitestore.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Error("opening store")
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// C1: actuator transport.
	actuator := transport.New(log.WithComponent("transport"))
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = actuator.Connect(connectCtx, cfg.Actuator.URL, cfg.Actuator.SubscribeObjects)
	connectCancel()
	if err != nil {
		log.WithError(err).Error("connecting to actuator board")
		os.Exit(1)
	}
	defer actuator.Close()

	// C3: L0 peripheral state sits on top of the actuator transport.
	l0 := peripheral.New(actuator, log.WithComponent("peripheral"))

	// C4: L1 hardware state machine sits on top of L0.
	l1 := hwstate.New(l0, log.WithComponent("hwstate"))

	// C2: load-cell driver shares the same RPC transport (it queries the
	// load_cell printer object and issues calibration commands through it).
	calib, err := repo.LoadCalibration(ctx)
	if err != nil {
		log.WithError(err).Warn("loading calibration, using factory defaults")
		calib = loadcell.DefaultCalibration()
	}
	lc := loadcell.New(actuator, log.WithComponent("loadcell"), calib)
	lc.Start()
	defer lc.Stop()

	// C10: sensor board transport.
	sensorClient := sensor.New(log.WithComponent("sensor"))
	if err := sensorClient.Start(cfg.Sensor.Device, cfg.Sensor.Baud); err != nil {
		log.WithError(err).Error("connecting to sensor board")
		os.Exit(1)
	}
	defer sensorClient.Stop()

	// C12: program library, watching a directory of .yaml programs.
	lib, err := proglib.New(cfg.ProgramLib.Dir, log.WithComponent("proglib"))
	if err != nil {
		log.WithError(err).Error("loading program library")
		os.Exit(1)
	}
	if err := lib.Start(); err != nil {
		log.WithError(err).Warn("watching program library directory, hot-reload disabled")
	}
	defer lib.Close()

	// C7: validator.
	v := validator.New(log.WithComponent("validator"))

	// C8: orchestrator, constructed before the executor factory so the
	// factory's RecordConsumable/LogEvent hooks can bind to it.
	orch := orchestrator.New(orchestrator.Deps{
		Validator: v,
		Repo:      repo,
		L0:        l0,
		Log:       log.WithComponent("orchestrator"),
	})

	factory := executors.NewFactory(executors.Deps{
		L0:               l0,
		L1:               l1,
		LoadCell:         lc,
		Sensor:           sensorClient,
		Log:              log.WithComponent("executors"),
		RecordConsumable: orch.RecordConsumable,
		LogEvent:         orch.LogEvent,
	})
	orch.SetFactory(factory)

	// C12: metrics/health HTTP surface.
	mux := http.NewServeMux()
	mux.Handle("/metrics", obsmetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
		}
	}()

	log.WithField("http_addr", cfg.HTTP.Addr).Info("enosed ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	if orch.GetExperimentStatus().State == orchestrator.Running || orch.GetExperimentStatus().State == orchestrator.Paused {
		if err := orch.StopExperiment(); err != nil {
			log.WithError(err).Warn("stopping experiment during shutdown")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	shutdownCancel()

	log.Info("enosed stopped")
}
