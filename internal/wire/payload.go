// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"

	"grimm.is/muster/internal/errors"
)

// Application payload type tags. The first byte of every ordinary
// frame's payload names the structure of the rest.
const (
	PayloadOpaque   byte = 0x00 // raw task input/output
	PayloadRegister byte = 0x01 // client registration metadata
	PayloadModule   byte = 0x02 // module call
	PayloadResult   byte = 0x03 // task result
)

// Registration carries the client metadata sent after connecting.
type Registration struct {
	Hostname string
	Address  string
	OSInfo   string
}

// ModuleCall addresses a command with arguments to a named module on
// the client. Each field is length-prefixed on the wire.
type ModuleCall struct {
	Module  string
	Command string
	Args    string
}

// TaskResult resolves a previously dispatched task.
type TaskResult struct {
	TaskID [16]byte
	Failed bool
	Data   []byte // result bytes, or the error string when Failed
}

func putString(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, errors.New(errors.KindValidation, "truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, errors.Errorf(errors.KindValidation, "truncated field: want %d bytes, have %d", n, len(buf))
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeRegistration serializes client registration metadata.
func EncodeRegistration(reg Registration) []byte {
	buf := []byte{PayloadRegister}
	buf = putString(buf, reg.Hostname)
	buf = putString(buf, reg.Address)
	buf = putString(buf, reg.OSInfo)
	return buf
}

// DecodeRegistration parses a registration payload (tag included).
func DecodeRegistration(buf []byte) (Registration, error) {
	var reg Registration
	if len(buf) < 1 || buf[0] != PayloadRegister {
		return reg, errors.New(errors.KindValidation, "not a registration payload")
	}
	var err error
	rest := buf[1:]
	if reg.Hostname, rest, err = getString(rest); err != nil {
		return reg, err
	}
	if reg.Address, rest, err = getString(rest); err != nil {
		return reg, err
	}
	if reg.OSInfo, _, err = getString(rest); err != nil {
		return reg, err
	}
	return reg, nil
}

// EncodeModuleCall serializes a module call: three length-prefixed
// fields after the payload tag.
func EncodeModuleCall(call ModuleCall) ([]byte, error) {
	if call.Module == "" {
		return nil, errors.New(errors.KindValidation, "module name is required")
	}
	buf := []byte{PayloadModule}
	buf = putString(buf, call.Module)
	buf = putString(buf, call.Command)
	buf = putString(buf, call.Args)
	return buf, nil
}

// DecodeModuleCall parses a module-call payload (tag included).
func DecodeModuleCall(buf []byte) (ModuleCall, error) {
	var call ModuleCall
	if len(buf) < 1 || buf[0] != PayloadModule {
		return call, errors.New(errors.KindValidation, "not a module-call payload")
	}
	var err error
	rest := buf[1:]
	if call.Module, rest, err = getString(rest); err != nil {
		return call, err
	}
	if call.Command, rest, err = getString(rest); err != nil {
		return call, err
	}
	if call.Args, _, err = getString(rest); err != nil {
		return call, err
	}
	if call.Module == "" {
		return call, errors.New(errors.KindValidation, "module name is required")
	}
	return call, nil
}

// EncodeTaskResult serializes a task result: tag, 16-byte task id, a
// status byte, then the result or error bytes.
func EncodeTaskResult(res TaskResult) []byte {
	buf := make([]byte, 0, 18+len(res.Data))
	buf = append(buf, PayloadResult)
	buf = append(buf, res.TaskID[:]...)
	if res.Failed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, res.Data...)
}

// DecodeTaskResult parses a task-result payload (tag included).
func DecodeTaskResult(buf []byte) (TaskResult, error) {
	var res TaskResult
	if len(buf) < 18 || buf[0] != PayloadResult {
		return res, errors.New(errors.KindValidation, "not a task-result payload")
	}
	copy(res.TaskID[:], buf[1:17])
	res.Failed = buf[17] != 0
	res.Data = buf[18:]
	return res, nil
}
