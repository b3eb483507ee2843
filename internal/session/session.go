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

// Package session holds the model of one SMTP conversation: the session
// itself, its message envelopes and the transaction log.
//
// Values of these types are serialized into the relay queue, so all fields
// are exported and JSON-encodable.
package session

import (
	"os"
	"sync"
	"time"

	"github.com/foxcpp/relayd/framework/buffer"
	"github.com/foxcpp/relayd/framework/module"
	"github.com/google/uuid"
)

type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// TransactionEntry is one (verb, payload-or-response, error-flag) record.
type TransactionEntry struct {
	Verb   string `json:"verb"`
	Detail string `json:"detail"`
	Err    bool   `json:"err"`
}

// TransactionLog is the ordered, append-only log of protocol exchanges.
type TransactionLog struct {
	Entries []TransactionEntry `json:"entries"`
}

func (l *TransactionLog) Append(verb, detail string, isErr bool) {
	l.Entries = append(l.Entries, TransactionEntry{Verb: verb, Detail: detail, Err: isErr})
}

// Errors returns the entries with the error flag set.
func (l *TransactionLog) Errors() []TransactionEntry {
	var errs []TransactionEntry
	for _, e := range l.Entries {
		if e.Err {
			errs = append(errs, e)
		}
	}
	return errs
}

func (l *TransactionLog) Clone() TransactionLog {
	cpy := TransactionLog{}
	cpy.Entries = append(cpy.Entries, l.Entries...)
	return cpy
}

// TLSState records the TLS status of the conversation.
type TLSState struct {
	Requested  bool   `json:"requested"`
	Negotiated bool   `json:"negotiated"`
	Protocol   string `json:"protocol,omitempty"`
	Cipher     string `json:"cipher,omitempty"`
}

// RcptStatus is the per-recipient delivery outcome kept on the envelope.
type RcptStatus struct {
	Code     int    `json:"code"`
	Enhanced string `json:"enhanced,omitempty"`
	Message  string `json:"message,omitempty"`
	// Temporary distinguishes 4xx-class outcomes that are eligible for a
	// retry from final 5xx rejections.
	Temporary bool `json:"temporary"`
}

// Envelope is one message transaction (MAIL FROM up to end-of-data).
type Envelope struct {
	// Sender is the reverse-path, "" for the null sender.
	Sender string `json:"sender"`

	// Recipients is the ordered, deduplicated forward-path list.
	Recipients []string `json:"recipients"`

	DeclaredSize int64 `json:"declared_size,omitempty"`

	// ArtifactPath is the location of the message content on disk.
	ArtifactPath string `json:"artifact_path"`
	ArtifactSize int64  `json:"artifact_size,omitempty"`

	ScanResults []module.ScanResult `json:"scan_results,omitempty"`

	// Status maps recipients to their last delivery outcome.
	Status map[string]*RcptStatus `json:"status,omitempty"`

	// Log is the per-envelope slice of the transaction log.
	Log TransactionLog `json:"log"`
}

// AddRecipient appends the forward-path, silently ignoring duplicates.
func (e *Envelope) AddRecipient(addr string) {
	for _, r := range e.Recipients {
		if r == addr {
			return
		}
	}
	e.Recipients = append(e.Recipients, addr)
}

// Artifact returns the buffer view of the stored message content.
func (e *Envelope) Artifact() buffer.Buffer {
	return buffer.FileBuffer{Path: e.ArtifactPath, LenHint: int(e.ArtifactSize)}
}

func (e *Envelope) SetStatus(rcpt string, st *RcptStatus) {
	if e.Status == nil {
		e.Status = map[string]*RcptStatus{}
	}
	e.Status[rcpt] = st
}

func (e *Envelope) DeepCopy() *Envelope {
	cpy := &Envelope{
		Sender:       e.Sender,
		DeclaredSize: e.DeclaredSize,
		ArtifactPath: e.ArtifactPath,
		ArtifactSize: e.ArtifactSize,
		Log:          e.Log.Clone(),
	}
	cpy.Recipients = append(cpy.Recipients, e.Recipients...)
	cpy.ScanResults = append(cpy.ScanResults, e.ScanResults...)
	if e.Status != nil {
		cpy.Status = make(map[string]*RcptStatus, len(e.Status))
		for k, v := range e.Status {
			vCpy := *v
			cpy.Status[k] = &vCpy
		}
	}
	return cpy
}

// Session is the lifetime of one SMTP conversation, inbound or outbound.
type Session struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`

	// Created is the session creation timestamp. It is rendered in the
	// RFC 2822 date format in trace headers.
	Created time.Time `json:"created"`

	LocalIP    string `json:"local_ip,omitempty"`
	RemoteIP   string `json:"remote_ip,omitempty"`
	LocalRDNS  string `json:"local_rdns,omitempty"`
	RemoteRDNS string `json:"remote_rdns,omitempty"`

	// HeloDomain is the argument of the last HELO/EHLO/LHLO command.
	HeloDomain string `json:"helo_domain,omitempty"`

	// Extensions advertised (inbound) or seen (outbound).
	Extensions []string `json:"extensions,omitempty"`

	TLS TLSState `json:"tls"`

	AuthUser string `json:"auth_user,omitempty"`

	Envelopes []*Envelope `json:"envelopes"`

	Log TransactionLog `json:"log"`

	// Magic is the read-mostly substitution map attached to the session.
	// Written only during construction or via Put.
	Magic map[string]string `json:"magic,omitempty"`

	// Outbound routing state, set when the session is scoped to one MX
	// route.
	MXHosts []string `json:"mx_hosts,omitempty"`
	Port    int      `json:"port,omitempty"`

	closeOnce sync.Once
}

// New creates a session with a fresh UUID and the current timestamp.
func New(dir Direction) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Direction: dir,
		Created:   time.Now(),
	}
}

// CreatedRFC2822 renders the creation time the way trace headers expect it.
func (s *Session) CreatedRFC2822() string {
	return s.Created.Format("Mon, 2 Jan 2006 15:04:05 -0700")
}

func (s *Session) Put(key, value string) {
	if s.Magic == nil {
		s.Magic = map[string]string{}
	}
	s.Magic[key] = value
}

// OpenEnvelope starts a new message transaction.
func (s *Session) OpenEnvelope(sender string, declaredSize int64) *Envelope {
	env := &Envelope{Sender: sender, DeclaredSize: declaredSize}
	s.Envelopes = append(s.Envelopes, env)
	return env
}

// DetachEnvelope removes the envelope from the session without touching the
// artifact, used when its ownership moves to the relay queue.
func (s *Session) DetachEnvelope(env *Envelope) {
	for i, e := range s.Envelopes {
		if e == env {
			s.Envelopes = append(s.Envelopes[:i], s.Envelopes[i+1:]...)
			return
		}
	}
}

// DropEnvelope removes the envelope and deletes its artifact.
func (s *Session) DropEnvelope(env *Envelope) {
	for i, e := range s.Envelopes {
		if e == env {
			s.Envelopes = append(s.Envelopes[:i], s.Envelopes[i+1:]...)
			break
		}
	}
	if env.ArtifactPath != "" {
		os.Remove(env.ArtifactPath)
	}
}

// DeepCopy clones the session for enqueuing. The copy gets a fresh ID,
// deep-copied envelopes and a snapshot of the transaction log. The magic map
// is shared: it is read-only after enqueue by contract.
func (s *Session) DeepCopy() *Session {
	cpy := &Session{
		ID:         uuid.New().String(),
		Direction:  s.Direction,
		Created:    s.Created,
		LocalIP:    s.LocalIP,
		RemoteIP:   s.RemoteIP,
		LocalRDNS:  s.LocalRDNS,
		RemoteRDNS: s.RemoteRDNS,
		HeloDomain: s.HeloDomain,
		TLS:        s.TLS,
		AuthUser:   s.AuthUser,
		Log:        s.Log.Clone(),
		Magic:      s.Magic,
		Port:       s.Port,
	}
	cpy.Extensions = append(cpy.Extensions, s.Extensions...)
	cpy.MXHosts = append(cpy.MXHosts, s.MXHosts...)
	for _, env := range s.Envelopes {
		cpy.Envelopes = append(cpy.Envelopes, env.DeepCopy())
	}
	return cpy
}

// Close releases every artifact referenced by the session envelopes. It is
// safe to call multiple times, deletion happens exactly once.
func (s *Session) Close() error {
	var lastErr error
	s.closeOnce.Do(func() {
		for _, env := range s.Envelopes {
			if env.ArtifactPath == "" {
				continue
			}
			if err := os.Remove(env.ArtifactPath); err != nil && !os.IsNotExist(err) {
				lastErr = err
			}
		}
	})
	return lastErr
}

// RcptDomains returns the unique domains of all envelope recipients, in
// first-seen order.
func (s *Session) RcptDomains() []string {
	seen := map[string]struct{}{}
	var domains []string
	for _, env := range s.Envelopes {
		for _, rcpt := range env.Recipients {
			_, domain, err := splitAddr(rcpt)
			if err != nil {
				continue
			}
			if _, ok := seen[domain]; ok {
				continue
			}
			seen[domain] = struct{}{}
			domains = append(domains, domain)
		}
	}
	return domains
}
