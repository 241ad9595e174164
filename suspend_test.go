package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testCoordinator(timeout int64, script string) (*suspendCoordinator, *int) {
	suspends := 0
	s := newSuspendCoordinator(suspendConfig{enabled: true, timeout: timeout, checkScript: script}, false)
	s.suspendHost = func() error {
		suspends++
		return nil
	}
	s.runScript = func(string) error { return nil }
	return s, &suspends
}

func devicesInState(states ...deviceState) []*device {
	devs := make([]*device, len(states))
	for i, state := range states {
		devs[i] = &device{deviceConfig: deviceConfig{name: "sd" + string(rune('b'+i))}, state: state}
	}
	return devs
}

func TestSuspendDisabled(t *testing.T) {
	s, suspends := testCoordinator(0, "")
	s.cfg.enabled = false

	devs := devicesInState(stateStandby, stateStandby)
	for now := int64(1000); now < 2000; now += 60 {
		s.observe(devs, now)
	}
	if *suspends != 0 || s.allAsleepSince != 0 {
		t.Error("a disabled coordinator must do nothing at all")
	}
}

func TestSuspendGating(t *testing.T) {
	s, suspends := testCoordinator(30, "")
	devs := devicesInState(stateStandby, stateStandby)

	s.observe(devs, 1000)
	if *suspends != 0 {
		t.Fatal("suspend requested before the settle time elapsed")
	}
	if s.allAsleepSince != 1000 {
		t.Fatalf("expected allAsleepSince 1000, got %d", s.allAsleepSince)
	}

	s.observe(devs, 1029)
	if *suspends != 0 {
		t.Fatal("suspend requested one second early")
	}

	s.observe(devs, 1030)
	if *suspends != 1 {
		t.Fatalf("expected one suspend, got %d", *suspends)
	}

	// must not fire again while the drives stay asleep
	for now := int64(1090); now < 2000; now += 60 {
		s.observe(devs, now)
	}
	if *suspends != 1 {
		t.Errorf("suspend must fire at most once per sleep episode, got %d", *suspends)
	}
}

func TestSuspendRearmsWhenDriveWakes(t *testing.T) {
	s, suspends := testCoordinator(30, "")
	devs := devicesInState(stateStandby, stateStandby)

	s.observe(devs, 1000)
	s.observe(devs, 1030)
	if *suspends != 1 {
		t.Fatalf("expected one suspend, got %d", *suspends)
	}

	devs[0].state = stateActive
	s.observe(devs, 1090)
	if s.allAsleepSince != 0 {
		t.Fatal("a woken drive must reset the settle timer")
	}

	devs[0].state = stateStandby
	s.observe(devs, 1150)
	s.observe(devs, 1180)
	if *suspends != 2 {
		t.Errorf("expected a second suspend after re-arming, got %d", *suspends)
	}
}

func TestDeviceErrorBlocksSuspend(t *testing.T) {
	s, suspends := testCoordinator(0, "")
	devs := devicesInState(stateStandby, stateError)

	for now := int64(1000); now < 2000; now += 60 {
		s.observe(devs, now)
	}
	if *suspends != 0 {
		t.Error("a failing device must not count as asleep")
	}
}

func TestFailingScriptBlocksSuspendForever(t *testing.T) {
	s, suspends := testCoordinator(30, "/usr/local/bin/ready.sh")
	s.runScript = func(string) error { return errors.New("exited 1") }
	devs := devicesInState(stateStandby, stateStandby)

	for now := int64(1000); now < 5000; now += 60 {
		s.observe(devs, now)
	}
	if *suspends != 0 {
		t.Fatal("a failing readiness script must block suspension")
	}
	if s.allAsleepSince != 1000 {
		t.Fatal("script failures must not reset the settle timer")
	}

	// once the script agrees, the pending suspend goes through
	s.runScript = func(string) error { return nil }
	s.observe(devs, 5000)
	if *suspends != 1 {
		t.Errorf("expected suspend once the script passed, got %d", *suspends)
	}
}

func TestRunCheckScript(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			t.Fatalf("writing script: %v", err)
		}
		return path
	}

	ready := write("ready.sh", "#!/bin/sh\nexit 0\n")
	if err := runCheckScript(ready); err != nil {
		t.Errorf("exit 0 must mean ready, got %v", err)
	}

	busy := write("busy.sh", "#!/bin/sh\nexit 1\n")
	err := runCheckScript(busy)
	if err == nil {
		t.Error("non-zero exit must block")
	}
	var serr *scriptError
	if errors.As(err, &serr) {
		t.Error("a clean non-zero exit is not an execution error")
	}

	err = runCheckScript(filepath.Join(dir, "missing.sh"))
	if !errors.As(err, &serr) {
		t.Errorf("expected scriptError for a missing script, got %v", err)
	}
}
