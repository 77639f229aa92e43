package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/generate/openai"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/relay/discord"
	"github.com/zulandar/switchboard/internal/relay/slack"
	"github.com/zulandar/switchboard/internal/relay/telegram"
	"gorm.io/gorm"
)

// configFlags are shared by every command that reads switchboard.yaml.
type configFlags struct {
	configPath string
	envPath    string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&f.envPath, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")
}

// load reads the dotenv file into the process environment, then the config.
func (f *configFlags) load() (*config.Config, error) {
	if f.envPath != "" {
		if err := godotenv.Load(f.envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f.envPath, err)
		}
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connect opens the configured store and migrates it.
func connect(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}

// createTransport builds the chat platform transport from the config.
func createTransport(cfg *config.Config) (relay.Transport, error) {
	var (
		transport relay.Transport
		err       error
	)
	switch cfg.Platform {
	case config.PlatformTelegram:
		transport, err = telegram.New(telegram.TransportOpts{
			Token:       cfg.Telegram.Token,
			APIBaseURL:  cfg.Telegram.APIBaseURL,
			GroupID:     cfg.Support.GroupID,
			TopicID:     cfg.Support.TopicID,
			PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
		})
	case config.PlatformSlack:
		transport, err = slack.New(slack.TransportOpts{
			AppToken:       cfg.Slack.AppToken,
			BotToken:       cfg.Slack.BotToken,
			SupportChannel: cfg.Support.GroupID,
		})
	case config.PlatformDiscord:
		transport, err = discord.New(discord.TransportOpts{
			BotToken:       cfg.Discord.BotToken,
			SupportChannel: cfg.Support.GroupID,
			SupportThread:  cfg.Support.TopicID,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
	if err != nil {
		return nil, err
	}
	return transport, nil
}

// createGenerator builds the autoreply generator from the config.
func createGenerator(cfg *config.Config) (relay.Generator, error) {
	switch cfg.Autoreply.Generator {
	case config.GeneratorTemplate, "":
		return relay.TemplateGenerator{}, nil
	case config.GeneratorOpenAI:
		client, err := openai.NewClient(cfg.Autoreply.OpenAI.APIKey, cfg.Autoreply.OpenAI.Model,
			openai.WithBaseURL(cfg.Autoreply.OpenAI.BaseURL))
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported generator %q", cfg.Autoreply.Generator)
	}
}
