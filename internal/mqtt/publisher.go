package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/shopspring/decimal"

	"github.com/nugget/quarry/internal/buildinfo"
	"github.com/nugget/quarry/internal/config"
	"github.com/nugget/quarry/internal/events"
)

// Snapshot is one reading of the published values.
type Snapshot struct {
	CostToday        decimal.Decimal
	TokensToday      int64
	QueriesToday     int
	CacheHitsToday   int
	ActiveSessions   int
	ProvidersHealthy bool
}

// Source supplies snapshots. main wires it to the ledger, session
// manager and health monitor.
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Snapshot

// Snapshot implements Source.
func (f SourceFunc) Snapshot() Snapshot { return f() }

// Publisher owns the broker connection and the publish loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     Source
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher without connecting. bus may be nil; when set,
// cost_recorded and cache_hit events trigger an immediate publish.
func New(cfg config.MQTTConfig, instanceID string, source Source, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects and publishes until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "quarry-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out", "error", err)
	}

	p.run(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "quarry/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string, mod func(*SensorConfig)) sensorDef {
	c := SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	if mod != nil {
		mod(&c)
	}
	return sensorDef{entity: entity, config: c}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	return []sensorDef{
		p.sensor("cost_today", "Cost Today", "mdi:currency-usd", func(c *SensorConfig) {
			c.UnitOfMeasurement = "USD"
			c.DeviceClass = "monetary"
			c.StateClass = "total"
		}),
		p.sensor("tokens_today", "Tokens Today", "mdi:counter", func(c *SensorConfig) {
			c.UnitOfMeasurement = "tokens"
			c.StateClass = "total_increasing"
		}),
		p.sensor("queries_today", "Queries Today", "mdi:database-search", func(c *SensorConfig) {
			c.StateClass = "total_increasing"
		}),
		p.sensor("cache_hits_today", "Cache Hits Today", "mdi:cached", func(c *SensorConfig) {
			c.StateClass = "total_increasing"
		}),
		p.sensor("active_sessions", "Active Sessions", "mdi:account-multiple", func(c *SensorConfig) {
			c.StateClass = "measurement"
		}),
		p.sensor("providers", "Model Providers", "mdi:brain", func(c *SensorConfig) {
			c.EntityCategory = "diagnostic"
		}),
		p.sensor("version", "Version", "mdi:tag", func(c *SensorConfig) {
			c.EntityCategory = "diagnostic"
		}),
	}
}

// states renders a snapshot as sensor state payloads.
func states(s Snapshot) map[string]string {
	providers := "ok"
	if !s.ProvidersHealthy {
		providers = "degraded"
	}
	return map[string]string{
		"cost_today":       s.CostToday.StringFixed(4),
		"tokens_today":     strconv.FormatInt(s.TokensToday, 10),
		"queries_today":    strconv.Itoa(s.QueriesToday),
		"cache_hits_today": strconv.Itoa(s.CacheHitsToday),
		"active_sessions":  strconv.Itoa(s.ActiveSessions),
		"providers":        providers,
		"version":          buildinfo.Version,
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(s.entity)
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (p *Publisher) run(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var updates <-chan events.Event
	if p.bus != nil {
		updates = p.bus.Subscribe(32)
		defer p.bus.Unsubscribe(updates)
	}

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if ev.Kind == events.KindCostRecorded || ev.Kind == events.KindCacheHit || ev.Kind == events.KindProviderState {
				p.publishStates(ctx)
			}
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil || p.source == nil {
		return
	}
	st := states(p.source.Snapshot())
	for entity, value := range st {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt states published", "entities", len(st))
}
