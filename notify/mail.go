// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"crypto/tls"
	"fmt"

	"github.com/dajohi/goemail"
)

// Sender delivers drop notifications over SMTP.
type Sender struct {
	smtpFrom   string
	smtpServer *goemail.SMTP
}

// NewSender configures an SMTP sender.
func NewSender(smtpHost string, smtpUsername string, smtpPassword string,
	smtpFrom string, useSMTPS bool) (Sender, error) {
	// Format: smtp://[username[:password]@]host
	smtpURL := "smtp://"
	if useSMTPS {
		smtpURL = "smtps://"
	}

	if smtpUsername != "" {
		smtpURL += smtpUsername
		if smtpPassword != "" {
			smtpURL += ":" + smtpPassword
		}
		smtpURL += "@"
	}
	smtpURL += smtpHost

	tlsConfig := tls.Config{}
	smtpServer, err := goemail.NewSMTP(smtpURL, &tlsConfig)
	if err != nil {
		return Sender{}, err
	}

	// Validate smtpFrom address
	mailMsg := goemail.NewMessage(smtpFrom, "", "")
	if mailMsg == nil {
		return Sender{}, fmt.Errorf(`invalid smtpfrom address "%s"`, smtpFrom)
	}

	return Sender{
		smtpServer: smtpServer,
		smtpFrom:   smtpFrom,
	}, nil
}

func (s *Sender) sendMail(emailaddress, subject, body string) error {
	mailMsg := goemail.NewMessage(s.smtpFrom, subject, body)
	if mailMsg == nil {
		return fmt.Errorf(`invalid smtpfrom address "%s"`, s.smtpFrom)
	}
	mailMsg.AddTo(emailaddress)

	return s.smtpServer.Send(mailMsg)
}

// WinnerNotification tells a user they won the lottery.
func (s *Sender) WinnerNotification(email, dropID string) error {
	body := "You were selected in the drop " + dropID + ".\r\n\n" +
		"Start your purchase before the window closes. After that " +
		"your slot passes to the next person in line.\r\n"

	return s.sendMail(email, "You won a drop slot", body)
}

// PromotionNotification tells a backup winner a slot opened up.
func (s *Sender) PromotionNotification(email, dropID string) error {
	body := "A slot opened up in the drop " + dropID + " and it is " +
		"now yours.\r\n\n" +
		"Start your purchase soon; the window is already running.\r\n"

	return s.sendMail(email, "A drop slot opened up for you", body)
}

// ExpiryNotification tells a winner their purchase window lapsed.
func (s *Sender) ExpiryNotification(email, dropID string) error {
	body := "Your purchase window for the drop " + dropID + " has " +
		"expired and your slot was passed to the next person in " +
		"line.\r\n"

	return s.sendMail(email, "Your drop slot expired", body)
}
