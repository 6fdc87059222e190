// Package email sends plain and HTML mail over SMTP.
package email

import (
	"fmt"
	"net/smtp"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

func (c SMTPConfig) addr() string { return c.Host + ":" + c.Port }

func (c SMTPConfig) auth() smtp.Auth {
	if c.Username == "" {
		return nil
	}
	return smtp.PlainAuth("", c.Username, c.Password, c.Host)
}

// SendText sends a plain-text message.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", cfg.From, to, subject, body))
	return smtp.SendMail(cfg.addr(), cfg.auth(), cfg.From, []string{to}, msg)
}

// SendHTML sends an HTML message with the usual MIME headers.
func SendHTML(cfg SMTPConfig, to, subject, html string) error {
	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		cfg.From, to, subject, html))
	return smtp.SendMail(cfg.addr(), cfg.auth(), cfg.From, []string{to}, msg)
}
