/*
Relayd - programmable Mail Transfer Agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Relayd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package testutils

import (
	"context"
	"io"

	"github.com/foxcpp/relayd/framework/buffer"
	"github.com/foxcpp/relayd/framework/module"
)

// DeliveryData is the canonical test message payload used by CheckMsg.
const DeliveryData = "A: 1\r\nB: 2\r\n\r\nfoobar\r\n"

// Users is a map-backed module.UserLookup double.
type Users struct {
	Existing map[string]bool
	Err      error
}

func (u *Users) Exists(_ context.Context, address, _ string) (bool, error) {
	if u.Err != nil {
		return false, u.Err
	}
	return u.Existing[address], nil
}

// Scanner is a canned-verdict module.Scanner double.
type Scanner struct {
	ScannerName string
	Result      module.ScanResult
	Err         error

	Scanned [][]byte
}

func (s *Scanner) Name() string {
	return s.ScannerName
}

func (s *Scanner) Scan(_ context.Context, artifact buffer.Buffer) (module.ScanResult, error) {
	r, err := artifact.Open()
	if err != nil {
		return module.ScanResult{}, err
	}
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		return module.ScanResult{}, err
	}
	s.Scanned = append(s.Scanned, blob)
	return s.Result, s.Err
}

// Scorer is a canned-score module.SpamScorer double.
type Scorer struct {
	ScorerName string
	Result     module.ScanResult
	Err        error
}

func (s *Scorer) Name() string {
	return s.ScorerName
}

func (s *Scorer) Score(_ context.Context, _ buffer.Buffer) (module.ScanResult, error) {
	return s.Result, s.Err
}
