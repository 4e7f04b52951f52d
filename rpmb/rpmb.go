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

// Package rpmb implements Replay Protected Memory Block (RPMB) configuration
// and control on eMMCs.
//
// The package is transport agnostic, the card driver is abstracted by the
// Card interface so that the same protocol code runs against real hardware
// and against the Emulator.
//
// The API supports mitigations for CVE-2020-13799 as described in the whitepaper linked at:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"errors"
	"fmt"
	"sync"
)

// KeyLen is the size of the RPMB authentication key.
const KeyLen = 32

// Card represents the eMMC RPMB partition transport.
type Card interface {
	// WriteRPMB transfers a request frame to the card, rel requests a
	// reliable write.
	WriteRPMB(buf []byte, rel bool) error
	// ReadRPMB transfers a response frame from the card.
	ReadRPMB(buf []byte) error
}

// RPMB defines a Replay Protected Memory Block partition access instance.
type RPMB struct {
	sync.Mutex

	card Card
	key  [KeyLen]byte
	init bool
}

// New returns a new RPMB instance for a specific MMC card, the instance has
// no MAC key until SetKey or ProgramKey are invoked.
func New(card Card) (p *RPMB, err error) {
	if card == nil {
		return nil, errors.New("no MMC card set")
	}

	return &RPMB{card: card}, nil
}

// SetKey sets the MAC key used for authenticated operations, the key is
// copied.
func (p *RPMB) SetKey(key []byte) error {
	if len(key) != KeyLen {
		return errors.New("invalid MAC key size")
	}

	p.Lock()
	defer p.Unlock()

	copy(p.key[:], key)
	p.init = true

	return nil
}

// ProgramKey programs the RPMB partition authentication key and sets it as
// the instance MAC key.
//
// *WARNING*: this is a one-time irreversible operation for the specific MMC
// card associated to the RPMB partition instance.
func (p *RPMB) ProgramKey(key []byte) (err error) {
	if len(key) != KeyLen {
		return errors.New("invalid MAC key size")
	}

	cfg := &Config{
		ResultRead: true,
	}

	req := &DataFrame{
		Req: AuthenticationKeyProgramming,
	}

	copy(req.KeyMAC[:], key)
	defer clear(req.KeyMAC[:])

	if _, err = p.op(nil, req, cfg); err != nil {
		return
	}

	return p.SetKey(key)
}

// IsProgrammed reports whether the RPMB partition authentication key has
// been programmed.
func (p *RPMB) IsProgrammed() (bool, error) {
	_, err := p.Counter(false)

	var e *OperationError

	switch {
	case errors.As(err, &e) && e.Result == AuthenticationKeyNotYetProgrammed:
		return false, nil
	case err != nil:
		return false, err
	}

	return true, nil
}

// Counter returns the RPMB partition write counter, the argument boolean
// indicates whether the read operation should be authenticated with the
// instance key.
func (p *RPMB) Counter(auth bool) (n uint32, err error) {
	var key []byte

	if auth {
		p.Lock()

		if !p.init {
			p.Unlock()
			return 0, errors.New("RPMB key not set")
		}

		k := p.key
		p.Unlock()

		defer clear(k[:])
		key = k[:]
	}

	return p.counter(key)
}

// ReadCounter performs an authenticated write counter read using a candidate
// key rather than the instance key, it allows probing which key has been
// programmed without changing the instance state.
//
// A response MAC mismatch is reported as an *OperationError with
// AuthenticationFailure result.
func (p *RPMB) ReadCounter(key []byte) (n uint32, err error) {
	if len(key) != KeyLen {
		return 0, errors.New("invalid MAC key size")
	}

	return p.counter(key)
}

func (p *RPMB) counter(key []byte) (n uint32, err error) {
	cfg := &Config{
		RandomNonce: key != nil,
		ResponseMAC: key != nil,
	}

	req := &DataFrame{
		Req: WriteCounterRead,
	}

	res, err := p.op(key, req, cfg)

	if err != nil {
		return
	}

	return res.Counter(), nil
}

// Write performs an authenticated data transfer to the card RPMB partition,
// the input buffer can contain up to 256 bytes of data.
//
// The write operation mitigates CVE-2020-13799 by verifying that the response
// counter is equal to a single increment of the request counter, otherwise an
// error is returned.
func (p *RPMB) Write(offset uint16, buf []byte) (err error) {
	return p.transfer(AuthenticatedDataWrite, offset, buf)
}

// Read performs an authenticated data transfer from the card RPMB partition,
// the input buffer can contain up to 256 bytes of data.
func (p *RPMB) Read(offset uint16, buf []byte) (err error) {
	return p.transfer(AuthenticatedDataRead, offset, buf)
}

// Invalidate writes an unused sector to invalidate uncommitted writes
// (CVE-2020-13799), it must be called once after the key is set on a
// previously programmed partition.
func (p *RPMB) Invalidate(dummyBlock uint16) error {
	if err := p.Write(dummyBlock, nil); err != nil {
		return fmt.Errorf("could not invalidate uncommitted writes, %v", err)
	}

	return nil
}
