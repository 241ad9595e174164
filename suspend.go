package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
)

const pathPowerState = "/sys/power/state"

type suspendConfig struct {
	enabled     bool
	timeout     int64 // seconds all drives must stay asleep before suspending
	checkScript string
}

// suspendCoordinator gates full-system suspend on every monitored drive
// being in standby for a settle period, plus an optional readiness script.
// It fires at most once per sleep episode; a drive leaving standby re-arms
// it.
type suspendCoordinator struct {
	cfg suspendConfig

	allAsleepSince int64 // unix seconds, 0 = not all asleep
	requested      bool

	// replaced in tests
	runScript   func(path string) error
	suspendHost func() error

	debug bool
}

func newSuspendCoordinator(cfg suspendConfig, debug bool) *suspendCoordinator {
	return &suspendCoordinator{
		cfg:         cfg,
		runScript:   runCheckScript,
		suspendHost: suspendToMem,
		debug:       debug,
	}
}

// observe runs once per tick, after every device monitor, so it always sees
// the post-tick state of all devices.
func (s *suspendCoordinator) observe(devices []*device, now int64) {
	if !s.cfg.enabled {
		return
	}

	for _, d := range devices {
		if d.state != stateStandby {
			if s.allAsleepSince != 0 && s.debug {
				log.Printf("'%s' is not in standby, suspend re-armed", d.name)
			}
			s.allAsleepSince = 0
			s.requested = false
			return
		}
	}

	if s.allAsleepSince == 0 {
		s.allAsleepSince = now
		if s.debug {
			log.Printf("all devices in standby, suspending in %ds", s.cfg.timeout)
		}
	}
	if s.requested || now-s.allAsleepSince < s.cfg.timeout {
		return
	}

	if s.cfg.checkScript != "" {
		if err := s.runScript(s.cfg.checkScript); err != nil {
			log.Printf("suspend blocked: %v", err)
			return
		}
	}

	s.requested = true
	log.Print("suspending host")
	if err := s.suspendHost(); err != nil {
		log.Printf("host suspend failed: %v", err)
	}
}

// runCheckScript runs the readiness script; nil means ready to suspend.
// A non-zero exit and a script that cannot be executed at all both block
// suspension, only the error class differs.
func runCheckScript(path string) error {
	err := exec.Command(path).Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("readiness script '%s' exited %d", path, exitErr.ExitCode())
	}
	return &scriptError{path: path, err: err}
}

// suspendToMem asks the kernel to suspend to RAM. The write blocks until
// the host resumes or the kernel refuses.
func suspendToMem() error {
	return os.WriteFile(pathPowerState, []byte("mem"), 0)
}
