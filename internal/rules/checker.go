// Package rules runs the cron-lite schedule: a rule names a replay source,
// a channel, and a local wall-clock trigger time; when the clock matches,
// the checker provisions the day's capture tasks and starts the combo.
package rules

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-parkops/internal/data"
)

const checkInterval = time.Minute

// Execution statuses recorded on the rule row.
const (
	ExecRunning = "running"
	ExecSuccess = "success"
	ExecFailed  = "failed"
)

// RuleStore is the slice of the rule model the checker needs.
type RuleStore interface {
	ListEnabled(ctx context.Context) ([]*data.ScheduleRule, error)
	RecordExecution(ctx context.Context, id int64, status string, errMsg *string) error
	UpdateExecutionStatus(ctx context.Context, id int64, status string, errMsg *string) error
}

// Provisioner provisions and runs one capture combination. Satisfied by
// capture.Scheduler.
type Provisioner interface {
	EnsureTasks(ctx context.Context, date, baseURL, channelCode string, intervalMinutes int, ruleID *int64) (*data.TaskBatch, int, error)
	RunCombo(ctx context.Context, date, baseURL, channelCode string) error
}

type Checker struct {
	rules RuleStore
	sched Provisioner
	loc   *time.Location

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

func NewChecker(rules RuleStore, sched Provisioner, loc *time.Location) *Checker {
	if loc == nil {
		loc = time.Local
	}
	return &Checker{
		rules:    rules,
		sched:    sched,
		loc:      loc,
		stopChan: make(chan struct{}),
	}
}

func (c *Checker) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		log.Printf("[INFO] [rules] schedule checker started")
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				c.CheckOnce(ctx, time.Now().In(c.loc))
				cancel()
			}
		}
	}()
}

func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()
	log.Printf("[INFO] [rules] schedule checker stopped")
}

// CheckOnce fires every enabled rule whose trigger time matches now's
// HH:mm, at most once per local day.
func (c *Checker) CheckOnce(ctx context.Context, now time.Time) {
	enabled, err := c.rules.ListEnabled(ctx)
	if err != nil {
		log.Printf("[ERROR] [rules] list enabled rules: %v", err)
		return
	}

	wallClock := now.Format("15:04")
	today := now.Format("2006-01-02")

	for _, rule := range enabled {
		if rule.TriggerTime != wallClock {
			continue
		}
		if rule.LastExecutedAt != nil && rule.LastExecutedAt.In(c.loc).Format("2006-01-02") == today {
			continue
		}

		log.Printf("[INFO] [rules] rule %d (%s) fired at %s", rule.ID, rule.Name, wallClock)
		go c.execute(rule, today)
	}
}

func (c *Checker) execute(rule *data.ScheduleRule, today string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	date := today
	if !rule.UseToday {
		if rule.CustomDate == nil || *rule.CustomDate == "" {
			msg := "rule has use_today=false but no custom_date"
			log.Printf("[ERROR] [rules] rule %d: %s", rule.ID, msg)
			if err := c.rules.RecordExecution(ctx, rule.ID, ExecFailed, &msg); err != nil {
				log.Printf("[ERROR] [rules] record execution for rule %d: %v", rule.ID, err)
			}
			return
		}
		date = *rule.CustomDate
	}

	// Mark the run first so a crash mid-provision still shows up in the
	// bookkeeping, and so the once-per-day guard engages immediately.
	if err := c.rules.RecordExecution(ctx, rule.ID, ExecRunning, nil); err != nil {
		log.Printf("[ERROR] [rules] record execution for rule %d: %v", rule.ID, err)
		return
	}

	if err := c.runRule(ctx, rule, date); err != nil {
		msg := err.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		log.Printf("[ERROR] [rules] rule %d: %v", rule.ID, err)
		if uerr := c.rules.UpdateExecutionStatus(ctx, rule.ID, ExecFailed, &msg); uerr != nil {
			log.Printf("[ERROR] [rules] update status for rule %d: %v", rule.ID, uerr)
		}
		return
	}

	if err := c.rules.UpdateExecutionStatus(ctx, rule.ID, ExecSuccess, nil); err != nil {
		log.Printf("[ERROR] [rules] update status for rule %d: %v", rule.ID, err)
	}
	log.Printf("[INFO] [rules] rule %d finished for %s", rule.ID, date)
}

func (c *Checker) runRule(ctx context.Context, rule *data.ScheduleRule, date string) error {
	ruleID := rule.ID
	if _, created, err := c.sched.EnsureTasks(ctx, date, rule.BaseURL, rule.ChannelCode, rule.IntervalMinutes, &ruleID); err != nil {
		return fmt.Errorf("provision tasks: %w", err)
	} else if created > 0 {
		log.Printf("[INFO] [rules] rule %d provisioned %d tasks for %s", rule.ID, created, date)
	}

	if err := c.sched.RunCombo(ctx, date, rule.BaseURL, rule.ChannelCode); err != nil {
		return fmt.Errorf("run combo: %w", err)
	}
	return nil
}
