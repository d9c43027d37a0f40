package alerter

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/correlation"
	"EchoTrace/internal/model"

	"github.com/gomarkdown/markdown"
)

// StatsSource exposes the correlation counters of each measurement.
type StatsSource interface {
	StoreStats(measurement string) (correlation.Stats, bool)
}

// Alerter watches for measurements whose signatures stop matching: over a
// check window enough signatures were stored but none was observed again.
// Usually this means the path between the vantage points is broken or the
// observers sample different audio.
type Alerter struct {
	rules         []config.AlerterRule
	source        StatsSource
	notifier      model.Notifier
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup

	mu   sync.Mutex
	last map[string]correlation.Stats
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, source StatsSource, notifier model.Notifier) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("alerter check_interval must be a positive duration")
	}

	a := &Alerter{
		rules:         cfg.Rules,
		source:        source,
		notifier:      notifier,
		checkInterval: interval,
		stopChan:      make(chan struct{}),
		last:          make(map[string]correlation.Stats),
	}
	// Baseline so the first window only covers traffic after startup.
	a.Evaluate()
	return a, nil
}

// Start begins the periodic evaluation of alert rules in its own goroutine.
func (a *Alerter) Start() {
	log.Println("Alerter started")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.Check()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop gracefully stops the alerter's evaluation loop.
func (a *Alerter) Stop() {
	log.Println("Stopping Alerter...")
	close(a.stopChan)
	a.wg.Wait()
}

// Evaluate compares every rule's counters with the previous window and returns
// one markdown section per violated rule.
func (a *Alerter) Evaluate() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var msgs []string
	for _, rule := range a.rules {
		cur, ok := a.source.StoreStats(rule.MeasurementName)
		if !ok {
			continue
		}
		prev, seen := a.last[rule.MeasurementName]
		a.last[rule.MeasurementName] = cur
		if !seen {
			continue
		}

		threshold := rule.MinSignatures
		if threshold == 0 {
			threshold = 1
		}
		inserted := cur.Inserted - prev.Inserted
		matched := cur.Matched - prev.Matched
		if inserted < threshold || matched > 0 {
			continue
		}
		expired := (cur.Expired - prev.Expired) + (cur.Evicted - prev.Evicted)

		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s\n\n", rule.Name)
		fmt.Fprintf(&sb, "Measurement **%s** stored %d signature(s) in the last %s but none was observed again.\n\n",
			rule.MeasurementName, inserted, a.checkInterval)
		fmt.Fprintf(&sb, "- expired or evicted: %d\n", expired)
		fmt.Fprintf(&sb, "- still pending: %d\n", cur.Active)
		msgs = append(msgs, sb.String())
	}
	return msgs
}

// Check evaluates the rules and sends one consolidated notification if any
// rule was violated.
func (a *Alerter) Check() {
	msgs := a.Evaluate()
	if len(msgs) == 0 {
		return
	}
	log.Printf("Alerter evaluation completed. %d alert(s) triggered.", len(msgs))

	report := "# EchoTrace Alert Summary\n\nThe following alerts were triggered during the last check:\n\n" +
		strings.Join(msgs, "\n---\n\n")
	body := string(markdown.ToHTML([]byte(report), nil, nil))

	if a.notifier == nil {
		log.Printf("Alerter: no notifier configured, report dropped:\n%s", report)
		return
	}
	subject := fmt.Sprintf("EchoTrace Alert Summary (%d Triggered)", len(msgs))
	if err := a.notifier.Send(subject, body); err != nil {
		log.Printf("ERROR: Failed to send consolidated alert notification: %v", err)
	} else {
		log.Printf("INFO: Consolidated alert notification sent successfully.")
	}
}
