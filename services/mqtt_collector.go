package services

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/wattline/home-energy/backend/models"
)

// Wildcard subscriptions covering both routing-key families the
// resolver understands.
var subscribeTopics = []string{
	"home/energy/#",
	"+/telemetry",
	"+/status",
	"+/notify",
	"+/result",
}

const commandTopicPrefix = "home/energy/cmd/"

// MQTTCollector subscribes to the telemetry broker and feeds every
// message through the resolver/normalizer into the pipeline. It also
// publishes outbound switch commands to per-device command topics.
type MQTTCollector struct {
	brokerURL string
	username  string
	password  string

	resolver *TopicResolver
	pipeline *Pipeline

	mu        sync.RWMutex
	client    mqtt.Client
	isRunning bool
}

func NewMQTTCollector(brokerURL, username, password string, resolver *TopicResolver, pipeline *Pipeline) *MQTTCollector {
	return &MQTTCollector{
		brokerURL: brokerURL,
		username:  username,
		password:  password,
		resolver:  resolver,
		pipeline:  pipeline,
	}
}

func (mc *MQTTCollector) Start() error {
	mc.mu.Lock()
	if mc.isRunning {
		mc.mu.Unlock()
		return nil
	}
	mc.isRunning = true
	mc.mu.Unlock()

	log.Println("=== MQTT Collector Starting ===")

	clientID := fmt.Sprintf("home-energy-%d", time.Now().Unix())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(mc.brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetOnConnectHandler(mc.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("WARNING: MQTT connection lost: %v - will attempt to reconnect", err)
	})

	if mc.username != "" {
		opts.SetUsername(mc.username)
		opts.SetPassword(mc.password)
		log.Printf("Using authentication for broker %s (username: %s)", mc.brokerURL, mc.username)
	}

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...", mc.brokerURL)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to broker: %v", token.Error())
	}

	mc.mu.Lock()
	mc.client = client
	mc.mu.Unlock()

	log.Printf("SUCCESS: Connected to MQTT broker: %s", mc.brokerURL)
	return nil
}

func (mc *MQTTCollector) Stop() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.isRunning {
		return
	}
	mc.isRunning = false

	if mc.client != nil && mc.client.IsConnected() {
		mc.client.Disconnect(250)
	}
	log.Println("MQTT Collector stopped")
}

func (mc *MQTTCollector) onConnect(client mqtt.Client) {
	log.Println("MQTT connection established, subscribing to telemetry topics...")

	for _, topic := range subscribeTopics {
		if token := client.Subscribe(topic, 1, mc.handleMessage); token.Wait() && token.Error() != nil {
			log.Printf("ERROR: Failed to subscribe to '%s': %v", topic, token.Error())
		} else {
			log.Printf("SUCCESS: Subscribed to '%s'", topic)
		}
	}
}

// handleMessage is the single entry point for inbound telemetry. Every
// failure mode here drops the one message with a diagnostic log and
// nothing else; a malformed payload must never take down ingestion.
func (mc *MQTTCollector) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	if strings.HasPrefix(topic, commandTopicPrefix) {
		return // our own outbound commands echo back on the wildcard
	}

	deviceID, ok := mc.resolver.Resolve(topic)
	if !ok {
		log.Printf("DEBUG: Dropping message on unroutable topic '%s'", topic)
		return
	}

	userID, ok := mc.pipeline.LookupDevice(deviceID)
	if !ok {
		log.Printf("DEBUG: Dropping message for unregistered device '%s' (topic '%s')", deviceID, topic)
		return
	}

	sample, ok := ParsePayload(msg.Payload())
	if !ok {
		log.Printf("WARNING: Could not parse payload for device '%s': %s", deviceID, string(msg.Payload()))
		return
	}

	mc.pipeline.Process(deviceID, userID, sample)
}

// PublishCommand sends a switch command to a device's command topic.
func (mc *MQTTCollector) PublishCommand(deviceID string, deviceIdx int, on bool) error {
	mc.mu.RLock()
	client := mc.client
	mc.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	cmd := models.DeviceCommand{
		ID:        uuid.New().String(),
		Source:    "home-energy-backend",
		Method:    "set_switch",
		DeviceIdx: deviceIdx,
		On:        on,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	topic := commandTopicPrefix + deviceID
	if token := client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %v", token.Error())
	}

	log.Printf("SUCCESS: Published switch command to '%s' (on=%v)", topic, on)
	return nil
}

func (mc *MQTTCollector) GetConnectionStatus() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	connected := mc.client != nil && mc.client.IsConnected()
	return map[string]interface{}{
		"mqtt_broker":    mc.brokerURL,
		"mqtt_connected": connected,
		"subscriptions":  subscribeTopics,
	}
}
