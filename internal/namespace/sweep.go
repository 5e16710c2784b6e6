package namespace

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// IdleChecker reports, for a namespace name, whether it has had zero
// connected replicas for long enough that its primary-side replication
// service should shut down its streaming goroutines.
type IdleChecker func(name string) (idle bool, err error)

// RotatableChecker reports whether a namespace's frame log has grown past
// its rotation threshold while sitting idle (no compaction has run to
// reclaim it yet), so the sweep can nudge one instead of waiting for the
// next write-triggered rotation.
type RotatableChecker func(name string) (rotatable bool, err error)

// Sweeper runs a periodic pass over every known namespace, driving idle
// shutdown and rotation nudges on a schedule independent of write traffic.
type Sweeper struct {
	registry    *Registry
	cronRunner  *cron.Cron
	log         zerolog.Logger
	onIdle      IdleChecker
	onRotatable RotatableChecker
	onRotate    func(name string) error
}

// NewSweeper builds a Sweeper; Start schedules it.
func NewSweeper(registry *Registry, logger zerolog.Logger, onIdle IdleChecker, onRotatable RotatableChecker, onRotate func(name string) error) *Sweeper {
	return &Sweeper{
		registry:    registry,
		cronRunner:  cron.New(),
		log:         logger,
		onIdle:      onIdle,
		onRotatable: onRotatable,
		onRotate:    onRotate,
	}
}

// Start schedules the sweep and begins running it in the background. spec
// is a standard 5-field cron expression (e.g. "*/30 * * * *" for every 30
// minutes).
func (sw *Sweeper) Start(spec string) error {
	_, err := sw.cronRunner.AddFunc(spec, sw.runOnce)
	if err != nil {
		return err
	}
	sw.cronRunner.Start()
	return nil
}

// Stop halts the sweep, waiting for any in-flight run to finish.
func (sw *Sweeper) Stop() {
	ctx := sw.cronRunner.Stop()
	<-ctx.Done()
}

func (sw *Sweeper) runOnce() {
	for _, name := range sw.registry.Names() {
		if sw.onIdle != nil {
			idle, err := sw.onIdle(name)
			if err != nil {
				sw.log.Warn().Str("namespace", name).Err(err).Msg("idle check failed")
			} else if idle {
				sw.log.Info().Str("namespace", name).Msg("namespace idle, closing replication service")
				if err := sw.registry.Close(name); err != nil {
					sw.log.Warn().Str("namespace", name).Err(err).Msg("idle close failed")
				}
				continue
			}
		}
		if sw.onRotatable != nil && sw.onRotate != nil {
			rotatable, err := sw.onRotatable(name)
			if err != nil {
				sw.log.Warn().Str("namespace", name).Err(err).Msg("rotation check failed")
				continue
			}
			if rotatable {
				if err := sw.onRotate(name); err != nil {
					sw.log.Warn().Str("namespace", name).Err(err).Msg("nudged rotation failed")
				}
			}
		}
	}
}
