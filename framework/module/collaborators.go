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

package module

import (
	"context"
	"errors"

	"github.com/foxcpp/relayd/framework/buffer"
)

// ErrLookupUnavailable is returned by UserLookup implementations when the
// backend cannot be reached. It is a temporary condition.
var ErrLookupUnavailable = errors.New("module: user lookup backend unavailable")

// UserLookup checks whether a local recipient address exists.
//
// service names the protocol asking ("smtp", "lmtp") so backends can apply
// per-service visibility.
type UserLookup interface {
	Exists(ctx context.Context, address, service string) (bool, error)
}

// SASLResult is the outcome of one SASL authentication step.
type SASLResult int

const (
	SASLOk SASLResult = iota
	SASLFail
	SASLContinue
)

// SASLServer runs the server side of one SASL mechanism exchange against an
// external authentication backend.
//
// Step is called with the initial client response first ("" if none was
// provided). SASLContinue means challenge contains the next server
// challenge to send.
type SASLServer interface {
	Mechanisms() []string
	Start(mechanism string) (SASLSession, error)
}

type SASLSession interface {
	Step(response []byte) (result SASLResult, challenge []byte, identity string, err error)
}

// ScanVerdict classifies the result of an anti-virus scan.
type ScanVerdict int

const (
	ScanClean ScanVerdict = iota
	ScanInfected
	ScanError
)

// ScanResult is the structured record attached to the envelope.
type ScanResult struct {
	Scanner string
	Verdict ScanVerdict

	// VirusName is set when Verdict == ScanInfected.
	VirusName string

	// Symbols and Score are set by spam scorers.
	Score   float64
	Symbols []string

	Err error
}

// Scanner is the anti-virus collaborator contract.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, artifact buffer.Buffer) (ScanResult, error)
}

// SpamScorer is the spam classification collaborator contract.
//
// The caller compares Score against the configured reject/discard
// thresholds.
type SpamScorer interface {
	Name() string
	Score(ctx context.Context, artifact buffer.Buffer) (ScanResult, error)
}

// DeliveryStatus is the tri-state result of a local delivery attempt.
type DeliveryStatus int

const (
	DeliveryOk DeliveryStatus = iota
	DeliveryTempFail
	DeliveryPermFail
)

// LocalDelivery hands a message to the local delivery agent.
type LocalDelivery interface {
	Deliver(ctx context.Context, recipient string, artifact buffer.Buffer) (DeliveryStatus, error)
}

// WebhookEvent is the payload of one webhook dispatch.
type WebhookEvent struct {
	Verb      string
	SessionID string
	Sender    string
	Rcpts     []string
	RemoteIP  string
}

// WebhookResponse optionally overrides the SMTP reply for the verb that
// triggered the dispatch.
type WebhookResponse struct {
	OverrideCode int
	OverrideText string
}

// WebhookDispatcher fires an HTTP notification for an SMTP verb. Dispatch is
// fire-and-forget unless the configuration demands the verb to fail on
// dispatch errors, which the caller decides based on the returned error.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, ev WebhookEvent) (*WebhookResponse, error)
}
