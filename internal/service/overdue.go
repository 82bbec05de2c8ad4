package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// OverdueSweeper periodically marks conversations that have waited too long
// for a response as Overdue.
type OverdueSweeper struct {
	store        store.Store
	service      *ConversationService
	defaultAfter time.Duration
	cron         *cron.Cron
	logger       *logger.Logger
	now          func() time.Time
}

// NewOverdueSweeper creates a sweeper. defaultAfter applies to organizations
// without their own threshold.
func NewOverdueSweeper(st store.Store, svc *ConversationService, defaultAfter time.Duration, log *logger.Logger) *OverdueSweeper {
	return &OverdueSweeper{
		store:        st,
		service:      svc,
		defaultAfter: defaultAfter,
		cron:         cron.New(),
		logger:       log.Named("overdue"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep, for example "@every 5m".
func (o *OverdueSweeper) Start(schedule string) error {
	if _, err := o.cron.AddFunc(schedule, func() {
		if _, err := o.Sweep(context.Background()); err != nil {
			o.logger.Error("overdue sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid overdue schedule %q: %w", schedule, err)
	}
	o.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (o *OverdueSweeper) Stop() {
	<-o.cron.Stop().Done()
}

// Sweep moves every NeedsResponse conversation past its organization's
// threshold to Overdue, attributed to the organization's bot. It returns the
// number of conversations moved.
func (o *OverdueSweeper) Sweep(ctx context.Context) (int, error) {
	convs, err := o.store.ListConversationsInState(ctx, model.StateNeedsResponse)
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	orgs := make(map[string]*model.Organization)
	now := o.now()
	moved := 0
	var errs []error

	for i := range convs {
		conv := &convs[i]

		org, ok := orgs[conv.OrganizationID]
		if !ok {
			org, err = o.store.GetOrganization(ctx, conv.OrganizationID)
			if err != nil {
				errs = append(errs, fmt.Errorf("organization %s: %w", conv.OrganizationID, err))
				continue
			}
			orgs[conv.OrganizationID] = org
		}

		threshold := org.OverdueAfter
		if threshold <= 0 {
			threshold = o.defaultAfter
		}
		if now.Sub(conv.LastMessageAt) < threshold {
			continue
		}

		bot := o.botMember(ctx, org)
		updated, err := o.service.TransitionIf(ctx, conv, model.StateNeedsResponse, model.StateOverdue, bot, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", conv.ID, err))
			continue
		}
		if updated.State == model.StateOverdue {
			moved++
		}
	}

	if moved > 0 {
		o.logger.Info("marked conversations overdue", zap.Int("count", moved))
	}
	return moved, errors.Join(errs...)
}

func (o *OverdueSweeper) botMember(ctx context.Context, org *model.Organization) *model.Member {
	if org.BotMemberID == "" {
		return nil
	}
	bot, err := o.store.GetMember(ctx, org.BotMemberID)
	if err != nil {
		return &model.Member{ID: org.BotMemberID, OrganizationID: org.ID, IsBot: true}
	}
	return bot
}
