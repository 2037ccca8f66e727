package hubsync

import (
	"fmt"
	"path"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTSource subscribes to the data provider's feed topics and routes every
// message the same way as a websocket push frame.
type MQTTSource struct {
	client mqtt.Client
	topic  string
	router *router
}

func NewMQTTSource(cfg MQTTConfig, r *router) *MQTTSource {
	src := &MQTTSource{
		topic:  fmt.Sprintf("%s/feeds/+", cfg.Username),
		router: r,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Key)
	opts.SetAutoReconnect(true)
	opts.SetDefaultPublishHandler(src.messageHandler)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.WithField("topic", src.topic).Info("MQTT connected, subscribing to feeds")
		if token := c.Subscribe(src.topic, 0, nil); token.Wait() && token.Error() != nil {
			log.Errorf("Failed to subscribe to %s: %v", src.topic, token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	})

	src.client = mqtt.NewClient(opts)
	return src
}

func (m *MQTTSource) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect: timed out after %s", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (m *MQTTSource) Disconnect() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// messageHandler treats the last topic segment as the feed name and the
// payload as the value.
func (m *MQTTSource) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	feed := path.Base(msg.Topic())
	m.router.route(pushMessage{Feed: feed, Value: FlexString(msg.Payload())})
}
