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
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	FrameLength = 512
	macOffset   = 284
	// SectorLength is the data payload of a single frame.
	SectorLength = 256
)

// p99, Table 18 — RPMB Request/Response Message Types, JESD84-B51
const (
	AuthenticationKeyProgramming = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
	AuthenticatedDeviceConfigurationWrite
	AuthenticatedDeviceConfigurationRead
)

// p100, Table 20 — RPMB Operation Results, JESD84-B51
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	switch e.Result {
	case AuthenticationFailure:
		return "operation failed (authentication failure)"
	case AuthenticationKeyNotYetProgrammed:
		return "operation failed (authentication key not yet programmed)"
	}

	return fmt.Sprintf("operation failed (%x)", e.Result)
}

// Request configuration
type Config struct {
	// compute request MAC before sending
	RequestMAC bool
	// validate response MAC after receiving
	ResponseMAC bool
	// set Nonce field with random value
	RandomNonce bool
	// get response with a result read request
	ResultRead bool
}

// p98, Table 17 — Data Frame Files for RPMB, JESD84-B51
type DataFrame struct {
	StuffBytes   [196]byte
	KeyMAC       [32]byte
	Data         [SectorLength]byte
	Nonce        [16]byte
	WriteCounter [4]byte
	Address      [2]byte
	BlockCount   [2]byte
	Result       [2]byte
	Resp         byte
	Req          byte
}

// Counter returns the data frame WriteCounter in uint32 format.
func (d *DataFrame) Counter() uint32 {
	return binary.BigEndian.Uint32(d.WriteCounter[:])
}

// Bytes converts the data frame structure to byte array format.
func (d *DataFrame) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// parseFrame converts a byte array to a data frame structure.
func parseFrame(buf []byte) (*DataFrame, error) {
	if len(buf) != FrameLength {
		return nil, fmt.Errorf("invalid frame length %d", len(buf))
	}

	d := &DataFrame{}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return d, nil
}

// frameMAC computes the HMAC-SHA256 of the authenticated portion of a frame.
func frameMAC(key []byte, buf []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(buf[FrameLength-macOffset:])
	return mac.Sum(nil)
}

// op performs a request/response exchange, key is used for request and
// response MAC computation and can be nil when neither is requested.
func (p *RPMB) op(key []byte, req *DataFrame, cfg *Config) (res *DataFrame, err error) {
	var rel bool

	p.Lock()
	defer p.Unlock()

	if (cfg.RequestMAC || cfg.ResponseMAC) && len(key) != KeyLen {
		return nil, errors.New("invalid MAC key size")
	}

	if cfg.RandomNonce {
		if _, err = rand.Read(req.Nonce[:]); err != nil {
			return
		}
	}

	if cfg.RequestMAC {
		copy(req.KeyMAC[:], frameMAC(key, req.Bytes()))
	}

	switch req.Req {
	case AuthenticationKeyProgramming, AuthenticatedDataWrite, AuthenticatedDeviceConfigurationWrite:
		rel = true
	default:
		rel = false
	}

	// send request
	if err = p.card.WriteRPMB(req.Bytes(), rel); err != nil {
		return
	}

	// read result when required
	if cfg.ResultRead {
		resReq := DataFrame{
			Req: ResultRead,
		}

		// send result read request
		if err = p.card.WriteRPMB(resReq.Bytes(), false); err != nil {
			return
		}
	}

	buf := make([]byte, FrameLength)

	// read response
	if err = p.card.ReadRPMB(buf); err != nil {
		return
	}

	// parse response
	if res, err = parseFrame(buf); err != nil {
		return
	}

	// validate response

	if req.Req != res.Resp {
		return nil, errors.New("request/response type mismatch")
	}

	result := binary.BigEndian.Uint16(res.Result[:])

	// an unprogrammed key yields no valid response MAC
	if result == uint16(AuthenticationKeyNotYetProgrammed) {
		return nil, &OperationError{result}
	}

	if cfg.ResponseMAC && !hmac.Equal(res.KeyMAC[:], frameMAC(key, buf)) {
		return nil, &OperationError{AuthenticationFailure}
	}

	if req.Nonce != res.Nonce {
		return nil, errors.New("nonce mismatch")
	}

	if result != uint16(OperationOK) {
		return nil, &OperationError{result}
	}

	return
}

func (p *RPMB) transfer(kind byte, offset uint16, buf []byte) (err error) {
	if len(buf) > SectorLength {
		return errors.New("transfer size must not exceed 256 bytes")
	}

	p.Lock()

	if !p.init {
		p.Unlock()
		return errors.New("RPMB key not set")
	}

	key := p.key
	p.Unlock()

	defer clear(key[:])

	cfg := &Config{
		RequestMAC:  true,
		ResponseMAC: true,
	}

	req := &DataFrame{
		Req: kind,
	}

	if kind == AuthenticatedDataWrite {
		counter, err := p.counter(key[:])

		if err != nil {
			return err
		}

		binary.BigEndian.PutUint32(req.WriteCounter[:], counter)

		cfg.ResultRead = true
	} else {
		cfg.RandomNonce = true
	}

	binary.BigEndian.PutUint16(req.BlockCount[:], 1)
	binary.BigEndian.PutUint16(req.Address[:], offset)
	copy(req.Data[:], buf)

	res, err := p.op(key[:], req, cfg)

	if err != nil {
		return
	}

	if kind == AuthenticatedDataRead {
		copy(buf, res.Data[:])
	} else if res.Counter() != req.Counter()+1 {
		return errors.New("write counter mismatch")
	}

	return
}
