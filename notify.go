package main

// This file defines pluggable notifiers that are told about every change of
// the gate state.  They complement the remote endpoint; a failing notifier
// is logged and never stops monitoring.

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// StateNotifier is told about every observed change of the gate state.
// Implementations may deliver notifications via a broker, email or other
// channels.  If an error is returned the caller logs it and continues.
type StateNotifier interface {
	Name() string
	Notify(ctx context.Context, state RemoteState, logger *EventLogger) error
}

// LogNotifier records state changes in the event log.  This is the default
// notifier if none are configured.
type LogNotifier struct{}

// Name returns the type name of the notifier.
func (LogNotifier) Name() string { return "log" }

// Notify writes the new state to the event log.
func (LogNotifier) Notify(_ context.Context, state RemoteState, logger *EventLogger) error {
	logger.Log("gate is %s", state)
	return nil
}

// MQTTNotifier publishes the state as a retained message so that late
// subscribers see the current value.  The broker connection is opened on
// first use, once the station is associated.
type MQTTNotifier struct {
	opts   *mqtt.ClientOptions
	topic  string
	broker string
	wait   time.Duration

	mu     sync.Mutex
	client mqtt.Client
}

// mqttWait bounds every blocking broker operation.
const mqttWait = 5 * time.Second

// NewMQTTNotifier prepares a notifier for the broker in nc.
func NewMQTTNotifier(nc NotifierConfig, cycleID string) *MQTTNotifier {
	clientID := nc.ClientID
	if clientID == "" {
		clientID = "gatewatch-" + cycleID
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(nc.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(nc.Username)
	opts.SetPassword(nc.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(mqttWait)
	topic := nc.Topic
	if topic == "" {
		topic = "gatewatch/state"
	}
	return &MQTTNotifier{opts: opts, topic: topic, broker: nc.Broker, wait: mqttWait}
}

// Name returns the type name of the notifier.
func (n *MQTTNotifier) Name() string { return "mqtt" }

// Notify publishes "open", "closed" or "unknown" on the configured topic.
func (n *MQTTNotifier) Notify(ctx context.Context, state RemoteState, _ *EventLogger) error {
	client, err := n.connect(ctx)
	if err != nil {
		return err
	}
	token := client.Publish(n.topic, 1, true, state.String())
	if !token.WaitTimeout(n.wait) {
		return fmt.Errorf("mqtt publish to %s: timed out", n.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", n.topic, err)
	}
	return nil
}

func (n *MQTTNotifier) connect(ctx context.Context) (mqtt.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil && n.client.IsConnected() {
		return n.client, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	maxRetries := 3

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(n.opts)
		token := client.Connect()
		if !token.WaitTimeout(n.wait) {
			// Abort the attempt still in flight before starting another.
			client.Disconnect(0)
			return fmt.Errorf("connect timed out")
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: failed to connect to %s: %v", n.broker, err)
			client.Disconnect(0)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", n.broker, err)
	}
	n.client = client
	return client, nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
	}
	n.client = nil
}

// smtpWait bounds a whole email delivery, from dial to QUIT.
const smtpWait = 10 * time.Second

// EmailNotifier sends an email via an SMTP server when the gate changes.
// The subject defaults to "Gatewatch" if empty.
type EmailNotifier struct {
	SMTPServer string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	To         string
	Subject    string
}

// Name returns the type name of the notifier.
func (EmailNotifier) Name() string { return "email" }

// Notify composes a minimal plaintext message and delivers it within
// smtpWait or the deadline of ctx, whichever comes first.
func (e EmailNotifier) Notify(ctx context.Context, state RemoteState, _ *EventLogger) error {
	subject := e.Subject
	if subject == "" {
		subject = "Gatewatch"
	}
	body := fmt.Sprintf("The gate is now %s (%s)", state, time.Now().Format(time.RFC3339))
	// RFC 5322 requires CRLF line endings.
	msg := fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s\r\n", e.To, subject, body)
	addr := net.JoinHostPort(e.SMTPServer, fmt.Sprint(e.SMTPPort))

	ctx, cancel := context.WithTimeout(ctx, smtpWait)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	// An earlier cancellation cuts the exchange short as well.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, e.SMTPServer)
	if err != nil {
		return fmt.Errorf("smtp %s: %w", addr, err)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.SMTPServer}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", e.Username, e.Password, e.SMTPServer)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(e.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := c.Rcpt(e.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	return c.Quit()
}

// initNotifiers builds the configured notifiers.  If none are configured or
// none are recognised, a LogNotifier is used.
func initNotifiers(cfg Config, cycleID string) []StateNotifier {
	var notifiers []StateNotifier
	for _, nc := range cfg.Notifiers {
		switch strings.ToLower(nc.Type) {
		case "log":
			notifiers = append(notifiers, LogNotifier{})
		case "mqtt":
			if nc.Broker == "" {
				log.Printf("mqtt notifier without broker ignored")
				continue
			}
			notifiers = append(notifiers, NewMQTTNotifier(nc, cycleID))
		case "email":
			notifiers = append(notifiers, EmailNotifier{
				SMTPServer: nc.SMTPServer,
				SMTPPort:   nc.SMTPPort,
				Username:   nc.Username,
				Password:   nc.Password,
				From:       nc.From,
				To:         nc.To,
				Subject:    nc.Subject,
			})
		default:
			log.Printf("unknown notifier type %q ignored", nc.Type)
		}
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, LogNotifier{})
	}
	return notifiers
}

// closeNotifiers releases notifiers that hold connections.
func closeNotifiers(notifiers []StateNotifier) {
	for _, n := range notifiers {
		if c, ok := n.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
