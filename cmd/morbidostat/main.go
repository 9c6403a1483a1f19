// Command morbidostat runs a multi-vial evolution experiment, or one of
// the maintenance sequences, against the rig described by its
// configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"periph.io/x/host/v3"

	"morbidostat/calibration"
	"morbidostat/config"
	"morbidostat/core"
	"morbidostat/experiment"
	"morbidostat/hostio"
	"morbidostat/runlog"
)

var (
	configPath = flag.String("config", "morbidostat.yaml", "configuration file")
	calPath    = flag.String("calibration", "calibration.yaml", "calibration file")

	clean    = flag.Int("clean", 0, "run n cleaning cycles instead of an experiment")
	cleanVol = flag.Float64("clean-volume", 15, "mL of cleaning fluid per cycle")
	soak     = flag.Duration("soak", 10*time.Minute, "soak time between cleaning cycles")
	empty    = flag.Bool("empty", false, "empty all vials and exit")
	fill     = flag.Bool("fill", false, "fill all vials with media and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cal, err := calibration.Load(*calPath)
	if err != nil {
		log.Fatalf("load calibration: %v", err)
	}

	if _, err := host.Init(); err != nil {
		log.Fatalf("init host: %v", err)
	}
	bus, err := hostio.OpenBus(cfg.Bus)
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()

	rig, err := buildRig(cfg, cal, bus)
	if err != nil {
		log.Fatalf("build rig: %v", err)
	}
	defer func() {
		if err := rig.TurnOff(); err != nil {
			log.Printf("turn off: %v", err)
		}
	}()

	m, err := buildExperiment(cfg, rig)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *clean > 0:
		err = m.CleaningSequence(*clean, *cleanVol, *soak)
	case *empty:
		err = m.EmptyCultures()
	case *fill:
		err = m.FillVials()
	default:
		err = m.Run(ctx)
	}
	if err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

func buildRig(cfg *config.Config, cal *calibration.Table, bus core.Bus) (*core.Rig, error) {
	reg, err := config.BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := core.NewExpander(bus, core.Addr(cfg.Expander.Address), true)
	if err != nil {
		return nil, err
	}
	adc, err := core.NewADCPair(bus, core.SystemClock,
		core.Addr(cfg.ADC.Address1), core.Addr(cfg.ADC.Address2), cfg.ADC.Bits)
	if err != nil {
		return nil, err
	}
	if err := adc.SetGain(cfg.ADC.Gain); err != nil {
		return nil, err
	}
	var caps *core.CapMux
	if cfg.CapSensor.Address != 0 {
		caps, err = core.NewCapMux(bus, core.Addr(cfg.CapSensor.Address),
			core.Addr(cfg.CapSensor.Mux1), core.Addr(cfg.CapSensor.Mux2))
		if err != nil {
			return nil, err
		}
	}
	light, err := hostio.OpenPin(gpioName(cfg.Pins.Light))
	if err != nil {
		return nil, err
	}
	waste, err := hostio.OpenPin(gpioName(cfg.Pins.WastePump))
	if err != nil {
		return nil, err
	}
	wasteDir, err := hostio.OpenPin(gpioName(cfg.Pins.WasteDirection))
	if err != nil {
		return nil, err
	}
	return core.NewRig(core.RigParams{
		Registry:    reg,
		Expander:    exp,
		ADC:         adc,
		CapMux:      caps,
		Calibration: cal,
		Clock:       core.SystemClock,
		Light:       light,
		WastePump:   waste,
		WasteDir:    wasteDir,
	})
}

func buildExperiment(cfg *config.Config, rig *core.Rig) (*experiment.Morbidostat, error) {
	if err := os.MkdirAll(cfg.Log.Directory, 0o755); err != nil {
		return nil, err
	}
	reg := rig.Registry()
	columns := runlog.Columns(len(reg.Cultures()), len(reg.Phages()))
	stamp := time.Now().Format("2006-01-02_15-04-05")
	odLog := runlog.NewTSV(filepath.Join(cfg.Log.Directory, "od_"+stamp+".tsv"), columns)
	levelLog := runlog.NewTSV(filepath.Join(cfg.Log.Directory, "level_"+stamp+".tsv"), columns)

	rc := cfg.Run
	return experiment.New(rig, odLog, levelLog, experiment.Params{
		TargetOD:      rc.TargetOD,
		CultureVolume: rc.CultureVolumeML,
		FeedFactor:    rc.FeedFactor,
		WasteFactor:   rc.WasteFactor,
		MaxDraw:       rc.MaxDrawML,
		MaxFeed:       rc.MaxFeedML,
		TopVolume:     rc.TopVolumeML,
		MixTime:       seconds(rc.MixTimeS),
		SettleTime:    seconds(rc.SettleTimeS),
		CycleTime:     seconds(rc.CycleTimeS),
		TotalTime:     seconds(rc.TotalTimeS),
		SampleLag:     time.Duration(rc.SampleLagMS * float64(time.Millisecond)),
		Samples:       rc.Samples,
		HistoryWindow: rc.HistoryWindow,
	}), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func gpioName(n int) string {
	return fmt.Sprintf("GPIO%d", n)
}
