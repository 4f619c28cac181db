// Package intake reads SIEM alerts from Kafka and turns them into cases.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"saker-scm/config"
	"saker-scm/core/cases"
	"saker-scm/core/sla"
	"saker-scm/core/utils"
)

const alertSource = "siem"

// seen map is pruned once it grows past this many alert keys.
const maxSeenKeys = 10000

var (
	ErrMissingAlertKey = errors.New("alert key is required")
	ErrUnknownSeverity = errors.New("unknown alert severity")
)

// Alert is the wire shape of a SIEM alert on the intake topic.
type Alert struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Detector    string `json:"detector,omitempty"`
}

// PriorityForSeverity maps SIEM alert severities onto case priority tiers.
func PriorityForSeverity(severity string) (sla.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical", "high":
		return sla.PriorityP1, nil
	case "medium":
		return sla.PriorityP2, nil
	case "low":
		return sla.PriorityP3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, severity)
	}
}

// Stats is a snapshot of intake counters since start.
type Stats struct {
	Consumed   uint64
	Created    uint64
	Duplicates uint64
	Rejected   uint64
	Failed     uint64
}

// Consumer subscribes to the SIEM alert topic and opens cases through the
// same validated path the API uses. Alerts repeating the same key within
// the dedup window, or while an earlier case is still open, do not open a
// second case.
type Consumer struct {
	cfg    config.IntakeConfig
	cases  *cases.Service
	clock  sla.Clock
	logger *utils.Logger

	mu      sync.Mutex
	client  *kgo.Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	seen    map[string]time.Time
	stats   Stats
}

func NewConsumer(cfg config.IntakeConfig, svc *cases.Service, clock sla.Clock, logger *utils.Logger) *Consumer {
	if clock == nil {
		clock = sla.SystemClock()
	}
	return &Consumer{
		cfg:    cfg,
		cases:  svc,
		clock:  clock,
		logger: logger,
		seen:   make(map[string]time.Time),
	}
}

// StartWithContext connects to Kafka and begins the poll loop. It is a
// no-op when intake is disabled or already running.
func (c *Consumer) StartWithContext(ctx context.Context) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled || c.running {
		return
	}
	if len(c.cfg.Brokers) == 0 {
		c.logger.Errorf("INTAKE enabled but no brokers configured")
		return
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumerGroup(c.cfg.Group),
		kgo.ConsumeTopics(c.cfg.Topic),
	)
	if err != nil {
		c.logger.Errorf("INTAKE kafka client: %v", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.client = client
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.pollLoop(runCtx, client)

	c.logger.Printf("INTAKE consumer started brokers=%s topic=%s group=%s",
		strings.Join(c.cfg.Brokers, ","), c.cfg.Topic, c.cfg.Group)
}

// StopWithContext cancels the poll loop and waits for it to drain, giving
// up when the shutdown context expires.
func (c *Consumer) StopWithContext(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	client := c.client
	c.running = false
	c.cancel = nil
	c.client = nil
	c.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		client.Close()
		c.logger.Printf("INTAKE consumer stopped")
		return nil
	case <-ctx.Done():
		client.Close()
		return ctx.Err()
	}
}

// Stats returns a copy of the intake counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Consumer) pollLoop(ctx context.Context, client *kgo.Client) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, ferr := range fetches.Errors() {
			if errors.Is(ferr.Err, context.Canceled) {
				return
			}
			c.logger.Errorf("INTAKE fetch %s[%d]: %v", ferr.Topic, ferr.Partition, ferr.Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			if err := c.processRecord(ctx, rec.Value); err != nil {
				c.logger.Errorf("INTAKE record offset=%d: %v", rec.Offset, err)
			}
		})
	}
}

func (c *Consumer) processRecord(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	c.stats.Consumed++
	c.mu.Unlock()

	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return fmt.Errorf("decode alert: %w", err)
	}
	return c.processAlert(ctx, &alert)
}

func (c *Consumer) processAlert(ctx context.Context, alert *Alert) error {
	key := strings.TrimSpace(alert.Key)
	if key == "" {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return ErrMissingAlertKey
	}
	tier, err := PriorityForSeverity(alert.Severity)
	if err != nil {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return err
	}

	now := c.clock.Now()
	if c.recentlySeen(key, now) {
		c.mu.Lock()
		c.stats.Duplicates++
		c.mu.Unlock()
		return nil
	}

	title := strings.TrimSpace(alert.Title)
	if title == "" {
		title = "SIEM alert " + key
	}
	description := strings.TrimSpace(alert.Description)
	if alert.Detector != "" {
		if description != "" {
			description += "\n"
		}
		description += "Detector: " + strings.TrimSpace(alert.Detector)
	}

	created, fresh, err := c.cases.EnsureAlertCase(ctx, cases.CreateInput{
		Title:       title,
		Description: description,
		Priority:    string(tier),
		Severity:    strings.ToLower(strings.TrimSpace(alert.Severity)),
		Source:      alertSource,
		SourceRef:   key,
	}, "system")
	if err != nil {
		c.mu.Lock()
		c.stats.Failed++
		c.mu.Unlock()
		return fmt.Errorf("alert %s: %w", key, err)
	}

	c.markSeen(key, now)
	c.mu.Lock()
	if fresh {
		c.stats.Created++
	} else {
		c.stats.Duplicates++
	}
	c.mu.Unlock()

	if fresh {
		c.logger.Printf("INTAKE case %s opened from alert %s priority=%s", created.RegNo, key, tier)
	}
	return nil
}

func (c *Consumer) recentlySeen(key string, now time.Time) bool {
	if c.cfg.DedupWindow <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.seen[key]
	if !ok {
		return false
	}
	if now.Sub(last) >= c.cfg.DedupWindow {
		delete(c.seen, key)
		return false
	}
	return true
}

func (c *Consumer) markSeen(key string, now time.Time) {
	if c.cfg.DedupWindow <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) >= maxSeenKeys {
		for k, at := range c.seen {
			if now.Sub(at) >= c.cfg.DedupWindow {
				delete(c.seen, k)
			}
		}
	}
	c.seen[key] = now
}
