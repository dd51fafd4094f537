package usage

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeplane/xpd/pkg/health"
	"github.com/nodeplane/xpd/pkg/log"
)

// Defaults applied when a zero value is passed to NewSupervisor, matching
// spec.md §6's documented defaults for XP_XRAY_HEALTH_INTERVAL_SECS,
// XP_XRAY_HEALTH_FAILS_BEFORE_DOWN, and XP_XRAY_RESTART_COOLDOWN_SECS.
const (
	defaultProbeInterval   = 2 * time.Second
	defaultDownAfterFails  = 3
	defaultRestartCooldown = 30 * time.Second
)

// InitSystem names the local service manager used to restart the proxy
// process. "" disables the restart invocation entirely (e.g. when the
// proxy isn't run under an init system at all, such as in tests).
type InitSystem string

const (
	InitSystemNone    InitSystem = ""
	InitSystemSystemd InitSystem = "systemd"
	InitSystemOpenRC  InitSystem = "openrc"
)

// Kicker is the one thing the supervisor needs from the reconciler: a way
// to request an immediate pass on the down->up rising edge, bypassing the
// periodic tick.
type Kicker interface {
	Kick()
}

// Supervisor probes the local proxy's health every 2 seconds, declares it
// down after 3 consecutive failures, optionally asks the local init system
// to restart it (on a cooldown, so a wedged restart can't be retried in a
// tight loop), and kicks the reconciler on the down->up rising edge so a
// proxy restart doesn't have to wait for the next periodic reconcile.
type Supervisor struct {
	checker         *health.GRPCChecker
	runtime         *RuntimeStore
	reconciler      Kicker
	initSystem      InitSystem
	serviceName     string
	probeInterval   time.Duration
	downAfterFails  int
	restartCooldown time.Duration
	logger          zerolog.Logger

	mu          sync.Mutex
	status      *health.Status
	lastRestart time.Time
	stopC       chan struct{}
}

// NewSupervisor wires a health checker, the runtime store it records probes
// into, and the reconciler it kicks on recovery. probeInterval,
// downAfterFails, and restartCooldown come from XP_XRAY_HEALTH_INTERVAL_SECS,
// XP_XRAY_HEALTH_FAILS_BEFORE_DOWN, and XP_XRAY_RESTART_COOLDOWN_SECS
// (spec.md §6); a zero value falls back to that key's documented default.
func NewSupervisor(checker *health.GRPCChecker, runtime *RuntimeStore, reconciler Kicker, initSystem InitSystem, serviceName string, probeInterval time.Duration, downAfterFails int, restartCooldown time.Duration) *Supervisor {
	if probeInterval <= 0 {
		probeInterval = defaultProbeInterval
	}
	if downAfterFails <= 0 {
		downAfterFails = defaultDownAfterFails
	}
	if restartCooldown <= 0 {
		restartCooldown = defaultRestartCooldown
	}
	return &Supervisor{
		checker:         checker,
		runtime:         runtime,
		reconciler:      reconciler,
		initSystem:      initSystem,
		serviceName:     serviceName,
		probeInterval:   probeInterval,
		downAfterFails:  downAfterFails,
		restartCooldown: restartCooldown,
		logger:          log.WithComponent("usage-supervisor"),
		status:          health.NewStatus(),
		stopC:           make(chan struct{}),
	}
}

// Start begins the probe loop in a background goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop stops the probe loop.
func (s *Supervisor) Stop() {
	close(s.stopC)
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	cfg := health.Config{Retries: s.downAfterFails, Timeout: s.probeInterval}

	for {
		select {
		case <-ticker.C:
			s.probeOnce(cfg)
		case <-s.stopC:
			return
		}
	}
}

func (s *Supervisor) probeOnce(cfg health.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	result := s.checker.Check(ctx)

	s.mu.Lock()
	wasHealthy := s.status.Healthy
	s.status.Update(result, cfg)
	nowHealthy := s.status.Healthy
	s.mu.Unlock()

	transitioned := wasHealthy != nowHealthy
	if err := s.runtime.RecordProbe(ComponentProxy, result.Healthy, transitioned, result.Message); err != nil {
		s.logger.Error().Err(err).Msg("failed to record proxy health probe")
	}

	if transitioned && nowHealthy {
		s.logger.Info().Msg("proxy health recovered, kicking reconciler")
		if s.reconciler != nil {
			s.reconciler.Kick()
		}
		return
	}

	if transitioned && !nowHealthy {
		s.logger.Warn().Str("message", result.Message).Msg("proxy declared down")
		s.maybeRestart()
	}
}

// maybeRestart asks the local init system to restart the proxy service,
// skipping the attempt if the last one was within restartCooldown.
func (s *Supervisor) maybeRestart() {
	if s.initSystem == InitSystemNone {
		return
	}

	s.mu.Lock()
	if time.Since(s.lastRestart) < s.restartCooldown {
		s.mu.Unlock()
		return
	}
	s.lastRestart = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	switch s.initSystem {
	case InitSystemSystemd:
		cmd = exec.CommandContext(ctx, "systemctl", "restart", s.serviceName)
	case InitSystemOpenRC:
		cmd = exec.CommandContext(ctx, "rc-service", s.serviceName, "restart")
	default:
		return
	}

	if err := cmd.Run(); err != nil {
		s.logger.Error().Err(err).Str("init_system", string(s.initSystem)).Msg("proxy restart command failed")
		if err := s.runtime.AppendEvent(ComponentProxy, "restart command failed: "+err.Error()); err != nil {
			s.logger.Error().Err(err).Msg("failed to record restart failure event")
		}
		return
	}
	if err := s.runtime.AppendEvent(ComponentProxy, "restarted via "+string(s.initSystem)); err != nil {
		s.logger.Error().Err(err).Msg("failed to record restart event")
	}
}

// IsHealthy reports the supervisor's current view of proxy health.
func (s *Supervisor) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Healthy
}
