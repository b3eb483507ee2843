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

package smtpconn

import (
	"context"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/relayd/framework/exterrors"
	"github.com/foxcpp/relayd/internal/testutils"
)

func TestSMTPUTF8(t *testing.T) {
	type test struct {
		clientSender string
		clientRcpt   string

		serverUTF8   bool
		serverSender string
		serverRcpt   string

		expectUTF8 bool
		expectErr  *exterrors.SMTPError
	}
	check := func(tc test) {
		t.Helper()

		be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
		srv.EnableSMTPUTF8 = tc.serverUTF8
		defer srv.Close()
		defer testutils.CheckSMTPConnLeak(t, srv)

		conn, err := Dial(context.Background(), testOpts(t), "mx.example.invalid", "127.0.0.1:"+testPort)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Quit()

		err = deliver(t, conn, tc.clientSender, []string{tc.clientRcpt}, smtp.MailOptions{UTF8: true})
		if err != nil {
			if tc.expectErr == nil {
				t.Errorf("unexpected failure: %v", err)
			} else {
				testutils.CheckSMTPErr(t, err, tc.expectErr.Code, tc.expectErr.EnhancedCode, tc.expectErr.Message)
			}
			return
		}
		if tc.expectErr != nil {
			t.Error("unexpected success")
			return
		}

		be.CheckMsg(t, 0, tc.serverSender, []string{tc.serverRcpt})
		if be.Messages[0].Opts.UTF8 != tc.expectUTF8 {
			t.Errorf("wrong SMTPUTF8 flag on the wire: %v", be.Messages[0].Opts.UTF8)
		}
	}

	// A peer without SMTPUTF8 gets the domains downgraded to A-labels.
	check(test{
		clientSender: "test@тест.example.org",
		clientRcpt:   "test@example.invalid",
		serverSender: "test@xn--e1aybc.example.org",
		serverRcpt:   "test@example.invalid",
	})
	check(test{
		clientSender: "test@example.org",
		clientRcpt:   "test@тест.example.invalid",
		serverSender: "test@example.org",
		serverRcpt:   "test@xn--e1aybc.example.invalid",
	})

	// Unicode local-parts cannot be downgraded at all.
	check(test{
		clientSender: "тест@example.org",
		clientRcpt:   "test@example.invalid",
		expectErr: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
		},
	})
	check(test{
		clientSender: "test@example.org",
		clientRcpt:   "тест@example.invalid",
		expectErr: &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
		},
	})

	// An SMTPUTF8-capable peer receives the addresses untouched.
	check(test{
		clientSender: "test@тест.org",
		clientRcpt:   "test@example.invalid",
		serverSender: "test@тест.org",
		serverRcpt:   "test@example.invalid",
		serverUTF8:   true,
		expectUTF8:   true,
	})
	check(test{
		clientSender: "test@example.org",
		clientRcpt:   "test@тест.example.invalid",
		serverSender: "test@example.org",
		serverRcpt:   "test@тест.example.invalid",
		serverUTF8:   true,
		expectUTF8:   true,
	})
}
