package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/health"
)

// SlackConfig holds Slack alert delivery settings.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
	// APIURL overrides the Slack Web API base, mainly for tests.
	APIURL string `json:"api_url"`
}

// SlackNotifier posts health alerts to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	source  string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack alert sink.
func NewSlackNotifier(cfg SlackConfig, source string, logger *zap.Logger) *SlackNotifier {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackNotifier{
		client:  slack.New(cfg.BotToken, opts...),
		channel: cfg.Channel,
		source:  source,
		logger:  logger,
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

// Notify posts the formatted report.
func (n *SlackNotifier) Notify(ctx context.Context, rep *health.Report) error {
	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(FormatReport(n.source, rep), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	n.logger.Debug("slack alert sent", zap.String("channel", n.channel), zap.String("ts", ts))
	return nil
}
