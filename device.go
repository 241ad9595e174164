package main

import (
	"log"
)

// deviceState is the monitor's current belief about a drive. It only moves
// on a fresh hardware query or a counters-changed observation, never by
// guessing.
type deviceState int

const (
	stateUnknown deviceState = iota
	stateActive
	stateStandby
	stateError
)

func (s deviceState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateStandby:
		return "standby"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

type deviceConfig struct {
	name        string
	idleTimeout int64 // seconds of inactivity before standby is attempted
}

// device owns the runtime state of one monitored drive. It is only ever
// touched from the scheduler loop, one tick at a time.
type device struct {
	deviceConfig

	ctrl  driveController
	stats counterSource

	hasCounters      bool
	lastCounters     diskCounters
	lastActivityAt   int64 // unix seconds of the last observed counter change
	state            deviceState
	spindownIssuedAt int64 // unix seconds, 0 = never issued
	standbyVerified  bool  // hardware confirmed the last standby request

	debug bool
}

func newDevice(cfg deviceConfig, ctrl driveController, stats counterSource, debug bool) *device {
	return &device{deviceConfig: cfg, ctrl: ctrl, stats: stats, debug: debug}
}

func (d *device) setState(s deviceState) {
	if d.state != s && d.debug {
		log.Printf("'%s': %s -> %s", d.name, d.state, s)
	}
	d.state = s
}

// tick runs one round of the monitor. Failures are contained here: the
// device lands in stateError for this tick and the next tick starts over.
func (d *device) tick(now, checkInterval int64) {
	cur, err := d.stats.read(d.name)
	if err != nil {
		log.Printf("'%s': reading counters: %v", d.name, err)
		d.setState(stateError)
		return
	}

	if !d.hasCounters {
		// The very first reading is only a baseline. It counts as
		// activity so a freshly started daemon never spins a drive
		// down before at least one confirmed unchanged reading.
		d.hasCounters = true
		d.lastCounters = cur
		d.lastActivityAt = now
		d.seedState()
		return
	}

	// A decrease can only be a counter wrap; treat it as activity too.
	if cur != d.lastCounters {
		d.observeActivity(cur, now)
		return
	}

	idle := now - d.lastActivityAt
	if idle >= d.idleTimeout && d.state != stateStandby {
		d.trySpindown(now, checkInterval)
		return
	}

	if d.state == stateStandby && !d.standbyVerified && now-d.spindownIssuedAt >= checkInterval {
		d.verifyStandby()
		return
	}

	if d.state == stateUnknown || d.state == stateError {
		d.seedState()
	}
}

// observeActivity records a counter delta. If the drive was believed asleep,
// the belief is reconciled against the hardware instead of assuming the I/O
// woke it.
func (d *device) observeActivity(cur diskCounters, now int64) {
	if d.debug {
		log.Printf("'%s': counters changed (r %d -> %d, w %d -> %d)", d.name,
			d.lastCounters.readOps, cur.readOps, d.lastCounters.writeOps, cur.writeOps)
	}
	d.lastCounters = cur
	d.lastActivityAt = now

	switch d.state {
	case stateStandby:
		mode, err := d.ctrl.queryPowerMode()
		if err != nil {
			log.Printf("'%s': querying power mode: %v", d.name, err)
			d.setState(stateError)
			return
		}
		if d.debug {
			log.Printf("'%s': reports %s", d.name, mode)
		}
		if mode == powerActive || mode == powerIdle {
			d.setState(stateActive)
		}
	case stateUnknown, stateError:
		d.setState(stateActive)
	}
}

// trySpindown issues STANDBY IMMEDIATE unless one was already issued within
// the last check interval. Success is optimistic; verifyStandby reconciles
// on a later tick. Failure leaves spindownIssuedAt alone so the next tick
// retries.
func (d *device) trySpindown(now, checkInterval int64) {
	if d.spindownIssuedAt != 0 && now-d.spindownIssuedAt < checkInterval {
		if d.debug {
			log.Printf("'%s': standby already issued, waiting for the drive to settle", d.name)
		}
		return
	}
	if err := d.ctrl.requestStandby(); err != nil {
		log.Printf("'%s': requesting standby: %v", d.name, err)
		d.setState(stateError)
		return
	}
	log.Printf("issued standby for '%s'", d.name)
	d.spindownIssuedAt = now
	d.standbyVerified = false
	d.setState(stateStandby)
}

// verifyStandby checks whether the drive actually obeyed the last standby
// request. A drive that ignored it goes back to stateActive, which makes
// the idle branch re-issue on the next tick.
func (d *device) verifyStandby() {
	mode, err := d.ctrl.queryPowerMode()
	if err != nil {
		log.Printf("'%s': querying power mode: %v", d.name, err)
		d.setState(stateError)
		return
	}
	if mode == powerActive || mode == powerIdle {
		log.Printf("'%s' is awake, but should be asleep", d.name)
		d.setState(stateActive)
		return
	}
	if mode == powerStandby {
		d.standbyVerified = true
		if d.debug {
			log.Printf("'%s': standby confirmed", d.name)
		}
	}
}

// seedState queries the drive to seed or recover the believed state. Best
// effort: a failed query changes nothing.
func (d *device) seedState() {
	mode, err := d.ctrl.queryPowerMode()
	if err != nil {
		if d.debug {
			log.Printf("'%s': querying power mode: %v", d.name, err)
		}
		return
	}
	if d.debug {
		log.Printf("'%s': reports %s", d.name, mode)
	}
	switch mode {
	case powerStandby:
		d.setState(stateStandby)
	case powerActive, powerIdle:
		d.setState(stateActive)
	case powerUnknown:
		d.setState(stateUnknown)
	}
}
