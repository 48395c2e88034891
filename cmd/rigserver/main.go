// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command rigserver is the headless astrophotography rig control server:
// it wires every core component (device, solver, autofocus, dark library,
// stacker, scheduler, telemetry, history, settings, telescope state, config)
// to the spec 6 HTTP/WS surface and serves it.
//
// Grounded on the teacher's cmd/nightlight/main.go, which builds and wires
// one batch-processing pipeline from flag.* globals; replaced here with
// spf13/cobra (per bfv-astro-ai-archiver's go.mod) since the server has
// subcommand-shaped concerns (serve vs. version) instead of one flat flag set.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/air01a/rigserver/internal/config"
	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/device"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/httpapi"
	"github.com/air01a/rigserver/internal/logging"
	"github.com/air01a/rigserver/internal/sandbox"
	"github.com/air01a/rigserver/internal/scheduler"
	"github.com/air01a/rigserver/internal/settings"
	"github.com/air01a/rigserver/internal/solver"
	"github.com/air01a/rigserver/internal/stacker"
	"github.com/air01a/rigserver/internal/telemetry"
	"github.com/air01a/rigserver/internal/telescopestate"
)

const version = "0.1.0"

var (
	configDir string
	listen    string
	chroot    string
	setuid    int
	debug     bool
)

func main() {
	root := &cobra.Command{
		Use:     "rigserver",
		Short:   "Headless control server for a computerized astrophotography rig",
		Version: version,
		RunE:    runServe,
	}
	root.Flags().StringVar(&configDir, "config-dir", "./config", "directory holding config.json, observatory.json, telescope.json, cameras.json, filterwheels.json, default.json and their *schema.json")
	root.Flags().StringVar(&listen, "listen", "", "override config.json's listen_addr, e.g. :8080")
	root.Flags().StringVar(&chroot, "chroot", "", "directory to chroot and chdir to once the device backend is connected; must run as root")
	root.Flags().IntVar(&setuid, "setuid", -1, "user id to drop to after chroot; must run as root")
	root.Flags().BoolVar(&debug, "debug", false, "keep plate-solve sidecar (.ini/.wcs) and temp FITS files instead of removing them, overriding config.json's debug field")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.New(os.Stdout, "main")

	cfgMgr, err := config.Load(configDir, log)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfgMgr.Watch(func(category string) {
		log.Info().Str("category", category).Msg("config changed on disk")
	})

	global := cfgMgr.Global()
	addr := global.ListenAddr
	if listen != "" {
		addr = listen
	}
	if addr == "" {
		addr = ":8080"
	}
	debugMode := global.Debug || debug

	dev, err := buildDevice(cfgMgr, global, log)
	if err != nil {
		return fmt.Errorf("building device: %w", err)
	}
	if err := dev.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial device connect failed, continuing disconnected")
	}

	solv := solver.New(solver.Config{
		ExecutablePath:   global.PlateSolverPath,
		Catalog:          global.PlateSolverCatalog,
		DefaultRadiusDeg: 5,
		DownsampleFactor: 2,
		MaxStars:         400,
		KeepSidecarFiles: debugMode,
	})

	exclusive := darklib.NewExclusive()
	bus := telemetry.New(logging.Sub(log, "component", "telemetry"))
	hist := history.New(filepath.Join(global.CaptureRoot, "history.json"))
	if err := hist.Open(); err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	state := telescopestate.New()
	settingsMgr := settings.New()

	defaults := cfgMgr.Defaults()
	schedCfg := scheduler.Config{
		Camera:        defaults.Camera,
		CaptureRoot:   global.CaptureRoot,
		DarkIndexPath: filepath.Join(global.DarkRoot, "config.json"),
		StackerParams: stacker.DefaultParams(),
		Debug:         debugMode,
	}
	sched := scheduler.New(schedCfg, dev, solv, exclusive, bus, hist, state, settingsMgr, logging.Sub(log, "component", "scheduler"))

	darkCfg := darklib.Config{DarkDirectory: global.DarkRoot, Camera: defaults.Camera}
	darkMgr, err := darklib.New(darkCfg, dev, bus, exclusive, logging.Sub(log, "component", "darkmanager"))
	if err != nil {
		return fmt.Errorf("building dark manager: %w", err)
	}

	srv := httpapi.New(log, cfgMgr, dev, sched, darkMgr, hist, state, settingsMgr, bus)

	sandbox.Enter(log, chroot, setuid)

	log.Info().Str("addr", addr).Msg("rigserver listening")
	return srv.Run(addr)
}

// buildDevice constructs either the FITS-replay simulator or a real Alpaca
// driver, per global.Simulator -- spec 6's "real driver or simulator" per C1.
func buildDevice(cfgMgr *config.Manager, global config.Global, log zerolog.Logger) (device.Device, error) {
	if global.Simulator {
		sim, err := device.NewSimulator(device.SimulatorConfig{
			FrameDir:     global.SimulatorFrameDir,
			FocuserRange: [2]int{0, 60000},
		}, logging.Sub(log, "component", "device"))
		if err != nil {
			return nil, fmt.Errorf("simulator: %w", err)
		}
		return sim, nil
	}

	telescope, ok := cfgMgr.CurrentTelescope()
	if !ok {
		return nil, fmt.Errorf("no default telescope configured in %s", configDir)
	}
	camera, ok := cfgMgr.CurrentCamera()
	if !ok {
		return nil, fmt.Errorf("no default camera configured in %s", configDir)
	}
	wheel, _ := cfgMgr.CurrentFilterWheel()

	return device.NewAlpacaDevice(device.AlpacaConfig{
		BaseURL:           telescope.AlpacaBaseURL,
		TelescopeDevice:   telescope.TelescopeDevice,
		CameraDevice:      camera.AlpacaDeviceNumber,
		FocuserDevice:     telescope.FocuserDevice,
		FilterWheelDevice: wheel.AlpacaDeviceNumber,
		FilterNames:       wheel.Filters,
		HasGPS:            telescope.HasGPS,
	}, logging.Sub(log, "component", "device")), nil
}
