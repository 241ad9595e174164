package main

import (
	"errors"
	"testing"
)

func TestClassifyPowerMode(t *testing.T) {
	tests := []struct {
		code     byte
		expected powerMode
	}{
		{0x00, powerStandby},
		{0x40, powerStandby},
		{0x41, powerIdle},
		{0x80, powerIdle},
		{0x81, powerIdle},
		{0x82, powerIdle},
		{0x83, powerIdle},
		{0xff, powerActive},
		// firmware-specific codes must classify as unknown, not fail
		{0x01, powerUnknown},
		{0x37, powerUnknown},
		{0xfe, powerUnknown},
	}

	for _, tc := range tests {
		if got := classifyPowerMode(tc.code); got != tc.expected {
			t.Errorf("code 0x%02x: expected %s, got %s", tc.code, tc.expected, got)
		}
	}
}

// buildSense assembles descriptor-format sense data carrying an ATA status
// return descriptor, the way a SATL answers a CK_COND passthrough.
func buildSense(status, errReg, count byte) []byte {
	sense := make([]byte, senseLen)
	sense[senseResponseCode] = descriptorFormat
	sense[senseDescStart] = ataReturnDescrType
	sense[senseDescLength] = ataReturnDescLen
	sense[senseRegErr] = errReg
	sense[senseRegCount] = count
	sense[senseRegStatus] = status
	return sense
}

func TestParseATASense(t *testing.T) {
	sense := buildSense(0x50, 0x00, 0x80)

	regs, err := parseATASense(sense, len(sense))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regs.status != 0x50 || regs.errReg != 0x00 || regs.sectorCount != 0x80 {
		t.Errorf("unexpected registers: %+v", regs)
	}
}

func TestParseATASenseMalformed(t *testing.T) {
	tests := []struct {
		name  string
		sense []byte
		n     int
	}{
		{"truncated response", buildSense(0x50, 0x00, 0x00), 10},
		{"no sense data at all", buildSense(0x50, 0x00, 0x00), 0},
		{"length beyond buffer", buildSense(0x50, 0x00, 0x00), senseLen + 1},
		{"fixed format sense", func() []byte {
			s := buildSense(0x50, 0x00, 0x00)
			s[senseResponseCode] = 0x70
			return s
		}(), senseLen},
		{"missing ata descriptor", func() []byte {
			s := buildSense(0x50, 0x00, 0x00)
			s[senseDescStart] = 0x00
			return s
		}(), senseLen},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseATASense(tc.sense, tc.n)
			var perr *passthroughError
			if !errors.As(err, &perr) {
				t.Fatalf("expected passthroughError, got %v", err)
			}
			if perr.stage != stageResponse {
				t.Errorf("expected stage %s, got %s", stageResponse, perr.stage)
			}
		})
	}
}

func TestATAError(t *testing.T) {
	if err := ataError(ataRegisters{status: 0x50}); err != nil {
		t.Errorf("status without ERR bit must pass: %v", err)
	}

	err := ataError(ataRegisters{status: 0x51, errReg: 0x04})
	var perr *passthroughError
	if !errors.As(err, &perr) {
		t.Fatalf("expected passthroughError, got %v", err)
	}
	if perr.stage != stageStatus {
		t.Errorf("expected stage %s, got %s", stageStatus, perr.stage)
	}
}

// A synthetic response encoding "standby" must classify as standby, and an
// unrecognized code as unknown, never as an error.
func TestPowerModeRoundTrip(t *testing.T) {
	regs, err := parseATASense(buildSense(0x50, 0x00, 0x00), senseLen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := classifyPowerMode(regs.sectorCount); got != powerStandby {
		t.Errorf("expected standby, got %s", got)
	}

	regs, err = parseATASense(buildSense(0x50, 0x00, 0x42), senseLen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := classifyPowerMode(regs.sectorCount); got != powerUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
}
