package main

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// powerMode is the drive power state reported by ATA CHECK POWER MODE.
type powerMode int

const (
	powerUnknown powerMode = iota
	powerStandby
	powerIdle
	powerActive
)

func (p powerMode) String() string {
	switch p {
	case powerStandby:
		return "standby"
	case powerIdle:
		return "idle"
	case powerActive:
		return "active/idle"
	default:
		return "unknown"
	}
}

// powerModeCodes maps the raw sector-count register value returned by
// CHECK POWER MODE to a power state, per ATA8-ACS plus the NV cache and
// vendor idle sub-states seen on real drives. Firmware returns all kinds of
// values here; anything unlisted classifies as powerUnknown, never an error.
var powerModeCodes = map[byte]powerMode{
	0x00: powerStandby,
	0x40: powerStandby, // NV cache, spindle down
	0x41: powerIdle,    // NV cache, spindle up
	0x80: powerIdle,
	0x81: powerIdle, // idle_a
	0x82: powerIdle, // idle_b
	0x83: powerIdle, // idle_c
	0xff: powerActive,
}

func classifyPowerMode(code byte) powerMode {
	if mode, ok := powerModeCodes[code]; ok {
		return mode
	}
	return powerUnknown
}

const (
	sgIO = 0x2285

	sgDxferNone = -1

	sgInfoOKMask = 0x1
	sgInfoOK     = 0x0

	// DRIVER_SENSE is set whenever the driver hands back sense data, which
	// is exactly what CK_COND asks for, so it is not an error by itself.
	sgDriverSense = 0x08

	scsiGood           = 0x00
	scsiCheckCondition = 0x02

	sataPassThrough16 byte = 0x85

	ataOpCheckPowerMode byte = 0xe5
	ataOpStandbyNow     byte = 0xe0

	// ATA PASS-THROUGH (16) CDB fields, see t10.org 04-262r8 section
	// 13.2.3. Protocol 3 is non-data; CK_COND requests the ATA registers
	// back in the sense data even on success.
	satProtocolNonData = 3 << 1
	satCkCond          = 1 << 5
	satTDir            = 1 << 3
	satByteBlock       = 1 << 2

	senseLen        = 32
	sgTimeoutMillis = 15000

	// ERR bit in the ATA status register.
	ataStatusErr = 0x01
)

// sgIoHdr mirrors the kernel's sg_io_hdr_t.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// ataRegisters are the shadow registers the drive returned after a command,
// extracted from the ATA status return descriptor in the sense data.
type ataRegisters struct {
	status      byte
	errReg      byte
	sectorCount byte
}

// Offsets within descriptor-format sense data. The ATA status return
// descriptor (type 09h, length 0ch) starts at byte 8.
const (
	senseResponseCode  = 0
	senseDescStart     = 8
	senseDescLength    = 9
	senseRegErr        = 11
	senseRegCount      = 13
	senseRegStatus     = 21
	senseMinLen        = 22
	descriptorFormat   = 0x72
	ataReturnDescLen   = 0x0c
	ataReturnDescrType = 0x09
)

// parseATASense validates descriptor-format sense data of length n and
// extracts the ATA registers. Short or structurally malformed sense is an
// error at the response stage, never treated as a successful exchange.
func parseATASense(sense []byte, n int) (ataRegisters, error) {
	if n < senseMinLen || n > len(sense) {
		return ataRegisters{}, &passthroughError{stage: stageResponse,
			detail: fmt.Sprintf("short sense data (%d bytes)", n)}
	}
	if code := sense[senseResponseCode] & 0x7f; code != descriptorFormat {
		return ataRegisters{}, &passthroughError{stage: stageResponse,
			detail: fmt.Sprintf("unexpected sense response code 0x%02x", code)}
	}
	if sense[senseDescStart] != ataReturnDescrType || sense[senseDescLength] != ataReturnDescLen {
		return ataRegisters{}, &passthroughError{stage: stageResponse,
			detail: fmt.Sprintf("no ata status return descriptor (0x%02x/0x%02x)",
				sense[senseDescStart], sense[senseDescLength])}
	}
	return ataRegisters{
		status:      sense[senseRegStatus],
		errReg:      sense[senseRegErr],
		sectorCount: sense[senseRegCount],
	}, nil
}

// ataError checks the returned status register for a drive-side rejection.
func ataError(regs ataRegisters) error {
	if regs.status&ataStatusErr != 0 {
		return &passthroughError{stage: stageStatus,
			detail: fmt.Sprintf("drive rejected command: status 0x%02x, error 0x%02x",
				regs.status, regs.errReg)}
	}
	return nil
}

// driveController is the hardware-facing side of one monitored device.
type driveController interface {
	queryPowerMode() (powerMode, error)
	requestStandby() error
}

// sgioController talks to a single block device through the SG_IO ioctl.
// The handle is opened per call; access is strictly sequential (one tick at
// a time), so there is nothing worth caching.
type sgioController struct {
	path string
}

func newSgioController(name string) *sgioController {
	return &sgioController{path: devicePrefix + name}
}

// queryPowerMode issues CHECK POWER MODE and classifies the power state code
// from the returned sector count register.
func (c *sgioController) queryPowerMode() (powerMode, error) {
	regs, err := c.exchange(ataOpCheckPowerMode)
	if err != nil {
		return powerUnknown, err
	}
	return classifyPowerMode(regs.sectorCount), nil
}

// requestStandby issues STANDBY IMMEDIATE. Success means the drive
// acknowledged the command, not that the platters have stopped yet.
func (c *sgioController) requestStandby() error {
	_, err := c.exchange(ataOpStandbyNow)
	return err
}

// exchange wraps one ATA command in an ATA PASS-THROUGH (16) CDB, pushes it
// through SG_IO and returns the drive's shadow registers. Synchronous; the
// timeout is enforced by the kernel.
func (c *sgioController) exchange(op byte) (ataRegisters, error) {
	f, err := os.OpenFile(c.path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return ataRegisters{}, &passthroughError{stage: stageIoctl,
			detail: fmt.Sprintf("opening %s", c.path), err: err}
	}
	defer f.Close()

	cdb := make([]byte, 16)
	cdb[0] = sataPassThrough16
	cdb[1] = satProtocolNonData
	cdb[2] = satCkCond | satTDir | satByteBlock
	cdb[14] = op

	sense := make([]byte, senseLen)

	hdr := sgIoHdr{
		interfaceID:    int32('S'),
		dxferDirection: sgDxferNone,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        uint8(len(sense)),
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
		timeout:        sgTimeoutMillis,
	}

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(sgIO), uintptr(unsafe.Pointer(&hdr)))
	if errno != 0 {
		return ataRegisters{}, &passthroughError{stage: stageIoctl,
			detail: fmt.Sprintf("SG_IO on %s", c.path), err: errno}
	}

	// CHECK CONDITION plus DRIVER_SENSE is the normal CK_COND outcome;
	// everything else from the transport is a rejection.
	if hdr.status != scsiGood && hdr.status != scsiCheckCondition {
		return ataRegisters{}, &passthroughError{stage: stageStatus,
			detail: fmt.Sprintf("scsi status 0x%02x", hdr.status)}
	}
	if hdr.hostStatus != 0 || hdr.driverStatus&^sgDriverSense != 0 {
		return ataRegisters{}, &passthroughError{stage: stageStatus,
			detail: fmt.Sprintf("host status 0x%02x, driver status 0x%02x",
				hdr.hostStatus, hdr.driverStatus)}
	}
	if hdr.status == scsiGood && hdr.info&sgInfoOKMask != sgInfoOK {
		return ataRegisters{}, &passthroughError{stage: stageStatus,
			detail: fmt.Sprintf("sg info 0x%02x", hdr.info)}
	}

	regs, err := parseATASense(sense, int(hdr.sbLenWr))
	if err != nil {
		return ataRegisters{}, err
	}
	return regs, ataError(regs)
}
