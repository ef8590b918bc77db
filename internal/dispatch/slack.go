package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"rotation-service/internal/utils"
)

var (
	_ Dispatcher = (*Slack)(nil)
	_ Reporter   = (*Slack)(nil)
)

// Slack delivers rotation traffic through the Slack Web API. Direct messages
// open the user's IM channel first; group and topic sync keep the on-call
// usergroup and the team channel in step with the assignment map.
type Slack struct {
	client          *slack.Client
	channelID       string
	groupID         string
	operatorChannel string
	logger          *logrus.Logger
	limiter         *rate.Limiter
	maxRetries      int
	retryDelay      time.Duration
	timeout         time.Duration
}

type SlackOptions struct {
	Token           string
	ChannelID       string
	GroupID         string
	OperatorChannel string
	RatePerSecond   int
	MaxRetries      int
	RetryDelay      time.Duration
	Timeout         time.Duration
}

func NewSlack(opts SlackOptions, logger *logrus.Logger) (*Slack, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("missing Slack bot token")
	}
	if opts.RatePerSecond < 1 {
		opts.RatePerSecond = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Slack{
		client:          slack.New(opts.Token),
		channelID:       opts.ChannelID,
		groupID:         opts.GroupID,
		operatorChannel: opts.OperatorChannel,
		logger:          logger,
		limiter:         rate.NewLimiter(rate.Limit(float64(opts.RatePerSecond)), opts.RatePerSecond),
		maxRetries:      opts.MaxRetries,
		retryDelay:      opts.RetryDelay,
		timeout:         opts.Timeout,
	}, nil
}

// SendDirectMessage opens (or reuses) the IM channel with userID and posts
// text there.
func (s *Slack) SendDirectMessage(ctx context.Context, userID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return utils.Retry(ctx, s.logger, s.maxRetries, s.retryDelay, func() error {
		channel, _, _, err := s.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users: []string{userID},
		})
		if err != nil {
			return fmt.Errorf("failed to open conversation with %s: %w", userID, err)
		}
		if _, _, err := s.client.PostMessageContext(ctx, channel.ID, slack.MsgOptionText(text, false)); err != nil {
			return fmt.Errorf("failed to send direct message to %s: %w", userID, err)
		}
		return nil
	})
}

// SyncGroupMembership replaces the on-call usergroup members. Slack rejects
// an empty member list on this endpoint, so an empty set is a logged no-op.
func (s *Slack) SyncGroupMembership(ctx context.Context, userIDs []string) error {
	if s.groupID == "" {
		return nil
	}
	if len(userIDs) == 0 {
		s.logger.Warn("skipping usergroup sync: empty on-call set")
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	members := strings.Join(userIDs, ",")
	return utils.Retry(ctx, s.logger, s.maxRetries, s.retryDelay, func() error {
		if _, err := s.client.UpdateUserGroupMembersContext(ctx, s.groupID, members); err != nil {
			return fmt.Errorf("failed to update usergroup %s: %w", s.groupID, err)
		}
		return nil
	})
}

// SyncChannelTopic rewrites the team channel topic with the on-call set.
func (s *Slack) SyncChannelTopic(ctx context.Context, userIDs []string) error {
	if s.channelID == "" {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	topic := topicText(userIDs)
	return utils.Retry(ctx, s.logger, s.maxRetries, s.retryDelay, func() error {
		if _, err := s.client.SetTopicOfConversationContext(ctx, s.channelID, topic); err != nil {
			return fmt.Errorf("failed to set topic of %s: %w", s.channelID, err)
		}
		return nil
	})
}

// ReportError posts a failure to the operator channel. It never propagates
// its own errors; a dead operator channel must not take down the caller.
func (s *Slack) ReportError(ctx context.Context, message string) {
	if s.operatorChannel == "" {
		s.logger.WithField("message", message).Error("operator channel not configured, dropping report")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, _, err := s.client.PostMessageContext(ctx, s.operatorChannel, slack.MsgOptionText(":rotating_light: "+message, false)); err != nil {
		s.logger.WithError(err).WithField("message", message).Error("failed to report to operator channel")
	}
}

func topicText(userIDs []string) string {
	if len(userIDs) == 0 {
		return "On call: nobody assigned"
	}
	mentions := make([]string, len(userIDs))
	for i, id := range userIDs {
		mentions[i] = fmt.Sprintf("<@%s>", id)
	}
	return "On call: " + strings.Join(mentions, ", ")
}
