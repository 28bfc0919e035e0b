package command

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/shogotsuneto/go-async-command"
)

// Publisher is the part of *amqp091.Channel the AMQP invoker uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPConfig configures an AMQPInvoker.
type AMQPConfig struct {
	URL      string
	Exchange string
	TLS      TLSConfig
	Auth     AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c AMQPConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("amqp url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("amqp exchange is required")
	}
	return nil
}

// RoutingKey is "<device>.<command>" so consumers can bind per device or per command.
func RoutingKey(deviceID, commandName string) string {
	return deviceID + "." + commandName
}

// AMQPInvoker publishes commands to a topic exchange.
type AMQPInvoker struct {
	pub      Publisher
	exchange string
	now      func() time.Time
	closers  []func() error
}

// Compile-time interface compliance check
var _ asynccmd.Invoker = (*AMQPInvoker)(nil)

func NewAMQPInvoker(pub Publisher, exchange string) *AMQPInvoker {
	return &AMQPInvoker{pub: pub, exchange: exchange, now: time.Now}
}

// DialAMQP connects, declares the durable topic exchange and returns an invoker owning the connection.
func DialAMQP(cfg AMQPConfig) (*AMQPInvoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	if cfg.TLS.Enabled {
		dialCfg.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, ServerName: cfg.TLS.ServerName}
	}
	conn, err := amqp091.DialConfig(strings.TrimSpace(cfg.URL), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	inv := NewAMQPInvoker(ch, cfg.Exchange)
	inv.closers = []func() error{ch.Close, conn.Close}
	return inv, nil
}

// InvokeCommand publishes the command with the request id as message and correlation id.
func (a *AMQPInvoker) InvokeCommand(ctx context.Context, req asynccmd.CommandRequest) (asynccmd.CommandResponse, error) {
	msg, err := newMessage(req, a.now())
	if err != nil {
		return asynccmd.CommandResponse{}, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("encode command: %w", err)
	}

	err = a.pub.PublishWithContext(ctx, a.exchange, RoutingKey(req.DeviceID, req.CommandName), false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msg.RequestID,
		CorrelationId: msg.RequestID,
		Timestamp:     msg.SentAt,
		Type:          req.CommandName,
		Headers: amqp091.Table{
			"device-id": req.DeviceID,
			"interface": req.InterfaceName,
		},
		Body: body,
	})
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("publish command: %w", err)
	}
	return accepted(msg.RequestID), nil
}

// Close closes the channel and connection opened by DialAMQP.
func (a *AMQPInvoker) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
