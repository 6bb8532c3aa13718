package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

// RuleOptions are the optional parts of a new rule
type RuleOptions struct {
	Queue   string
	Tags    []string
	Timeout time.Duration
}

// AddRule validates and stores a new rule. The first occurrence counted is
// the first one after now.
func (s *Scheduler) AddRule(ctx context.Context, rule, task string, opts RuleOptions) (*domain.RuleDocument, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if task == "" {
		return nil, fmt.Errorf("%w: empty task name", domain.ErrInvalidTarget)
	}
	if opts.Queue == "" {
		opts.Queue = domain.DefaultQueueName
	}
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}

	now := s.now()
	doc := &domain.RuleDocument{
		Rule:     rule,
		Task:     task,
		Queue:    opts.Queue,
		Tags:     tags,
		Active:   true,
		Created:  now,
		Modified: now,
		Checked:  now,
		Timeout:  opts.Timeout,
	}
	if err := s.gw.InsertRule(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to add schedule rule: %w", err)
	}

	s.logger.Info("Schedule rule added",
		slog.String("rule_id", doc.ID),
		slog.String("rule", rule),
		slog.String("task", task),
	)
	return doc, nil
}

// RemoveRule deletes a rule
func (s *Scheduler) RemoveRule(ctx context.Context, ruleID string) error {
	if err := s.gw.RemoveRule(ctx, ruleID); err != nil {
		return fmt.Errorf("failed to remove schedule rule %s: %w", ruleID, err)
	}
	s.logger.Info("Schedule rule removed", slog.String("rule_id", ruleID))
	return nil
}

// UpdateRule changes the non-nil fields of upd. A new recurrence is
// validated before it is stored.
func (s *Scheduler) UpdateRule(ctx context.Context, ruleID string, upd store.RuleUpdate) error {
	if upd.Rule != nil {
		if err := ValidateRule(*upd.Rule); err != nil {
			return err
		}
	}
	if err := s.gw.UpdateRule(ctx, ruleID, upd); err != nil {
		return fmt.Errorf("failed to update schedule rule %s: %w", ruleID, err)
	}
	return nil
}

// PauseRule pauses or resumes a rule
func (s *Scheduler) PauseRule(ctx context.Context, ruleID string, paused bool) error {
	return s.UpdateRule(ctx, ruleID, store.RuleUpdate{Paused: &paused})
}

// Rules lists every rule, paused ones included
func (s *Scheduler) Rules(ctx context.Context) ([]*domain.RuleDocument, error) {
	return s.gw.ListRules(ctx)
}

// NextOccurrence is the first occurrence of r after t, or the zero time
func NextOccurrence(r *domain.RuleDocument, t time.Time) (time.Time, error) {
	rec, err := ParseRule(r.Rule, r.Created)
	if err != nil {
		return time.Time{}, err
	}
	return rec.After(t), nil
}
