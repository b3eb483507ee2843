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
	"flag"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/relayd/framework/exterrors"
	"github.com/foxcpp/relayd/internal/testutils"
)

var testPort string

func TestMain(m *testing.M) {
	port := flag.String("test.smtpport", "random", "SMTP port to use for connections in tests")
	flag.Parse()

	if *port == "random" {
		rand.Seed(time.Now().UnixNano())
		testPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	} else {
		testPort = *port
	}
	os.Exit(m.Run())
}

func testOpts(t *testing.T) Opts {
	return Opts{
		EHLOName:       "mx.relayd.test",
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		Log:            testutils.Logger(t, "smtpconn"),
	}
}

func deliver(t *testing.T, conn *Conn, from string, rcpts []string, opts smtp.MailOptions) error {
	t.Helper()

	if err := conn.Mail(context.Background(), from, opts); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(context.Background(), rcpt); err != nil {
			return err
		}
	}

	hdr := textproto.Header{}
	hdr.Add("B", "2")
	hdr.Add("A", "1")
	return conn.Data(context.Background(), hdr, strings.NewReader("foobar\n"))
}

func TestDialAndDeliver(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	conn, err := Dial(context.Background(), testOpts(t), "mx.example.invalid", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Quit()

	if err := deliver(t, conn, "a@sender.test", []string{"b@example.invalid"}, smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	be.CheckMsg(t, 0, "a@sender.test", []string{"b@example.invalid"})
}

func TestRejectAnnotated(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.RcptErr = map[string]error{
		"denied@example.invalid": &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "User unknown",
		},
	}

	conn, err := Dial(context.Background(), testOpts(t), "mx.example.invalid", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Quit()

	if err := conn.Mail(context.Background(), "a@sender.test", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	err = conn.Rcpt(context.Background(), "denied@example.invalid")
	if err == nil {
		t.Fatal("expected a rejection")
	}

	fields := exterrors.Fields(err)
	if code, _ := fields["smtp_code"].(int); code != 550 {
		t.Errorf("wrong smtp_code: %v", code)
	}
	if server, _ := fields["remote_server"].(string); server != "mx.example.invalid" {
		t.Errorf("remote server not recorded: %v", server)
	}
	if msg, _ := fields["smtp_msg"].(string); !strings.Contains(msg, "User unknown") {
		t.Errorf("diagnostic text lost: %v", msg)
	}
}

func TestStorageFullRewrite(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.MailErr = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Storage allocation exceeded",
	}

	conn, err := Dial(context.Background(), testOpts(t), "mx.example.invalid", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Quit()

	err = conn.Mail(context.Background(), "a@sender.test", smtp.MailOptions{})
	if err == nil {
		t.Fatal("expected a rejection")
	}

	// RFC 5321 Section 4.5.3.1.10: 552 is treated as the transient 452.
	fields := exterrors.Fields(err)
	if code, _ := fields["smtp_code"].(int); code != 452 {
		t.Errorf("552 not rewritten to 452: %v", code)
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("rewritten error must be temporary")
	}
}
