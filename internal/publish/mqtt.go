package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/pkg/models"
)

// MQTTConfig defines the connection parameters for the Paho MQTT client.
type MQTTConfig struct {
	Broker   string `json:"broker" validate:"omitempty,url"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos" validate:"lte=2"`
	Retain   bool   `json:"retain"`
	// TimeoutMS bounds each publish
	TimeoutMS int `json:"timeout_ms" validate:"gte=0"`
}

// SetDefaults applies defaults for unset fields.
func (c *MQTTConfig) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "georebalance-" + uuid.NewString()[:8]
	}
	if c.Topic == "" {
		c.Topic = "georebalance"
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 5000
	}
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewClientOptions builds mqtt client options from MQTTConfig.
func NewClientOptions(cfg MQTTConfig) *paho.ClientOptions {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// MQTTPublisher publishes the updated snapshot and the transfer list of
// every pass to <topic>/snapshot and <topic>/transfers.
type MQTTPublisher struct {
	cli     pahoClient
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration
	log     logger.Logger
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	cfg.SetDefaults()
	log := logger.New("mqtt_publisher")

	opts := NewClientOptions(cfg)
	opts.OnConnect = func(paho.Client) {
		log.Infof("MQTT connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &MQTTPublisher{
		cli:     c,
		topic:   strings.TrimRight(cfg.Topic, "/"),
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:     log,
	}, nil
}

type snapshotMessage struct {
	PassID         string          `json:"pass_id"`
	Time           time.Time       `json:"time"`
	OccupancyField string          `json:"occupancy_field"`
	Snapshot       models.Snapshot `json:"snapshot"`
}

type transfersMessage struct {
	PassID      string            `json:"pass_id"`
	Time        time.Time         `json:"time"`
	Transfers   []models.Transfer `json:"transfers"`
	Unsatisfied []string          `json:"unsatisfied"`
}

// Publish sends the snapshot first, then the transfers.
func (p *MQTTPublisher) Publish(ctx context.Context, u Update) error {
	snap, err := json.Marshal(snapshotMessage{
		PassID: u.PassID, Time: u.Time, OccupancyField: u.OccupancyField, Snapshot: u.Snapshot,
	})
	if err != nil {
		return err
	}
	transfers := u.Transfers
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	tr, err := json.Marshal(transfersMessage{
		PassID: u.PassID, Time: u.Time, Transfers: transfers, Unsatisfied: u.Unsatisfied,
	})
	if err != nil {
		return err
	}

	if err := p.send(ctx, p.topic+"/snapshot", snap); err != nil {
		return err
	}
	if err := p.send(ctx, p.topic+"/transfers", tr); err != nil {
		return err
	}
	p.log.Debugw("published pass", map[string]any{"pass_id": u.PassID, "transfers": len(u.Transfers)})
	return nil
}

func (p *MQTTPublisher) send(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token := p.cli.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	if p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
