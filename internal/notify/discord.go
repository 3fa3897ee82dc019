package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/health"
)

// DiscordConfig holds Discord alert delivery settings.
type DiscordConfig struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

// discordMaxLen is Discord's message length limit.
const discordMaxLen = 2000

// DiscordNotifier posts health alerts to a Discord channel over REST.
type DiscordNotifier struct {
	channelID string
	source    string
	send      func(channelID, content string) error
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord alert sink. No gateway connection
// is opened; messages go through the REST API.
func NewDiscordNotifier(cfg DiscordConfig, source string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{
		channelID: cfg.ChannelID,
		source:    source,
		send: func(channelID, content string) error {
			_, err := session.ChannelMessageSend(channelID, content)
			return err
		},
		logger: logger,
	}, nil
}

func (n *DiscordNotifier) Name() string { return "discord" }

// Notify sends the formatted report, truncated to Discord's limit.
func (n *DiscordNotifier) Notify(_ context.Context, rep *health.Report) error {
	content := FormatReport(n.source, rep)
	if r := []rune(content); len(r) > discordMaxLen {
		content = string(r[:discordMaxLen-3]) + "..."
	}
	if err := n.send(n.channelID, content); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	n.logger.Debug("discord alert sent", zap.String("channel", n.channelID))
	return nil
}
