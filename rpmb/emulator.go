// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmb

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Emulator implements the card side of the RPMB protocol in memory, it
// satisfies the Card interface and is used for host builds and tests.
type Emulator struct {
	sync.Mutex

	key        [KeyLen]byte
	programmed bool
	counter    uint32
	sectors    [][SectorLength]byte

	// result of the last reliable write, served on ResultRead
	result *DataFrame
	// response to be served on the next ReadRPMB
	pending *DataFrame
}

// NewEmulator returns an unprogrammed emulated RPMB partition with the given
// number of sectors.
func NewEmulator(sectors int) *Emulator {
	return &Emulator{
		sectors: make([][SectorLength]byte, sectors),
	}
}

// Programmed reports whether the emulated partition has a key programmed.
func (e *Emulator) Programmed() bool {
	e.Lock()
	defer e.Unlock()

	return e.programmed
}

// KeyEqual reports whether the argument matches the programmed key.
func (e *Emulator) KeyEqual(key []byte) bool {
	e.Lock()
	defer e.Unlock()

	return e.programmed && hmac.Equal(e.key[:], key)
}

// WriteRPMB processes a request frame.
func (e *Emulator) WriteRPMB(buf []byte, _ bool) error {
	req, err := parseFrame(buf)

	if err != nil {
		return err
	}

	e.Lock()
	defer e.Unlock()

	switch req.Req {
	case AuthenticationKeyProgramming:
		res := &DataFrame{Resp: AuthenticationKeyProgramming}

		if e.programmed {
			res.setResult(WriteFailure)
		} else {
			e.key = req.KeyMAC
			e.programmed = true
		}

		e.result = res
	case ResultRead:
		if e.result == nil {
			res := &DataFrame{Resp: ResultRead}
			res.setResult(GeneralFailure)
			e.pending = res
		} else {
			e.pending = e.result
			e.result = nil
		}
	case WriteCounterRead:
		res := &DataFrame{
			Resp:  WriteCounterRead,
			Nonce: req.Nonce,
		}

		if e.programmed {
			binary.BigEndian.PutUint32(res.WriteCounter[:], e.counter)
			e.sign(res)
		} else {
			res.setResult(AuthenticationKeyNotYetProgrammed)
		}

		e.pending = res
	case AuthenticatedDataWrite:
		e.result = e.write(req, buf)
	case AuthenticatedDataRead:
		e.pending = e.read(req)
	default:
		return fmt.Errorf("unsupported request type %d", req.Req)
	}

	return nil
}

// ReadRPMB returns the pending response frame.
func (e *Emulator) ReadRPMB(buf []byte) error {
	e.Lock()
	defer e.Unlock()

	if e.pending == nil {
		return errors.New("no response available")
	}

	if len(buf) < FrameLength {
		return errors.New("invalid buffer length")
	}

	copy(buf, e.pending.Bytes())
	e.pending = nil

	return nil
}

func (e *Emulator) write(req *DataFrame, buf []byte) (res *DataFrame) {
	res = &DataFrame{
		Resp:    AuthenticatedDataWrite,
		Address: req.Address,
	}

	addr := int(binary.BigEndian.Uint16(req.Address[:]))

	switch {
	case !e.programmed:
		res.setResult(AuthenticationKeyNotYetProgrammed)
		return
	case !hmac.Equal(req.KeyMAC[:], frameMAC(e.key[:], buf)):
		res.setResult(AuthenticationFailure)
	case req.Counter() != e.counter:
		res.setResult(CounterFailure)
	case addr >= len(e.sectors):
		res.setResult(AddressFailure)
	default:
		e.sectors[addr] = req.Data
		e.counter++
	}

	binary.BigEndian.PutUint32(res.WriteCounter[:], e.counter)
	e.sign(res)

	return
}

func (e *Emulator) read(req *DataFrame) (res *DataFrame) {
	res = &DataFrame{
		Resp:       AuthenticatedDataRead,
		Nonce:      req.Nonce,
		Address:    req.Address,
		BlockCount: req.BlockCount,
	}

	addr := int(binary.BigEndian.Uint16(req.Address[:]))

	switch {
	case !e.programmed:
		res.setResult(AuthenticationKeyNotYetProgrammed)
		return
	case addr >= len(e.sectors):
		res.setResult(AddressFailure)
	default:
		res.Data = e.sectors[addr]
	}

	e.sign(res)

	return
}

func (e *Emulator) sign(res *DataFrame) {
	copy(res.KeyMAC[:], frameMAC(e.key[:], res.Bytes()))
}

func (d *DataFrame) setResult(r uint16) {
	binary.BigEndian.PutUint16(d.Result[:], r)
}

// emulatorState is the persistent representation of an Emulator.
type emulatorState struct {
	Key        [KeyLen]byte
	Programmed bool
	Counter    uint32
	Sectors    uint32
}

// MarshalBinary returns a snapshot of the emulated partition.
func (e *Emulator) MarshalBinary() ([]byte, error) {
	e.Lock()
	defer e.Unlock()

	buf := new(bytes.Buffer)

	s := emulatorState{
		Key:        e.key,
		Programmed: e.programmed,
		Counter:    e.counter,
		Sectors:    uint32(len(e.sectors)),
	}

	if err := binary.Write(buf, binary.LittleEndian, &s); err != nil {
		return nil, err
	}

	for _, sector := range e.sectors {
		buf.Write(sector[:])
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary restores a snapshot of the emulated partition.
func (e *Emulator) UnmarshalBinary(buf []byte) error {
	var s emulatorState

	r := bytes.NewReader(buf)

	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return err
	}

	if r.Len() != int(s.Sectors)*SectorLength {
		return errors.New("invalid snapshot length")
	}

	e.Lock()
	defer e.Unlock()

	e.key = s.Key
	e.programmed = s.Programmed
	e.counter = s.Counter
	e.sectors = make([][SectorLength]byte, s.Sectors)

	for i := range e.sectors {
		r.Read(e.sectors[i][:])
	}

	return nil
}
