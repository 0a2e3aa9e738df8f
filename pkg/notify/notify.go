// Package notify provides stakeholder notification fan-out for rollout phase
// transitions. sends are best-effort and never feed back into phase state:
// a failed delivery is logged and dropped, the transition that triggered it
// stays committed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"strings"
	"time"

	ntfy "github.com/go-pkgz/notify"
)

// audience names understood by the message renderer.
const (
	AudienceDevelopers   = "developers"
	AudienceTesters      = "testers"
	AudienceManagers     = "managers"
	AudienceStakeholders = "stakeholders"
)

// Params holds configuration for creating a notification Service.
// embedded directly in the config values, no intermediate mapping needed.
type Params struct {
	Channels         []string
	TimeoutMs        int
	TelegramToken    string
	TelegramChat     string
	TelegramAudience string
	SlackToken       string
	SlackChannel     string
	SlackAudience    string
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPStartTLS     bool
	EmailFrom        string
	EmailTo          []string
	EmailAudience    string
	WebhookURLs      []string
	WebhookAudience  string
	CustomScript     string
}

// Transition holds the data rendered into stakeholder messages.
type Transition struct {
	Event       string    `json:"event"` // started, advanced, reverted, reopened
	Phase       string    `json:"phase"`
	Ring        string    `json:"ring"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	EvidencePct float64   `json:"evidence_pct"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Service orchestrates sending notifications through configured channels.
type Service struct {
	channels  []channel      // paired notifier + destination + audience
	custom    *customChannel // optional custom script channel
	timeoutMs int
	hostname  string // resolved once at creation via os.Hostname()
	log       logger
}

// channel pairs a notifier with its destination URI and target audience.
type channel struct {
	notifier   ntfy.Notifier
	dest       string
	audience   string
	htmlEscape bool // true for channels that use HTML parse mode (e.g., telegram)
}

// logger interface for dependency injection.
type logger interface {
	Logf(format string, args ...any)
}

// New creates a notification Service from the given Params.
// returns nil, nil if neither channels nor a custom script are configured,
// enabling callers to skip nil checks via nil-safe Send. validates required
// fields per channel and returns an error for misconfigured channels.
func New(p Params, log logger) (*Service, error) {
	if len(p.Channels) == 0 && p.CustomScript == "" {
		return nil, nil //nolint:nilnil // nil,nil signals "nothing configured" — callers use nil-safe Send
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	svc := &Service{
		timeoutMs: p.TimeoutMs,
		hostname:  hostname,
		log:       log,
	}
	if svc.timeoutMs <= 0 {
		svc.timeoutMs = 10000
	}

	for _, ch := range p.Channels {
		switch strings.TrimSpace(strings.ToLower(ch)) {
		case "telegram":
			if p.TelegramToken == "" {
				return nil, errors.New("telegram channel: notify_telegram_token is required")
			}
			if p.TelegramChat == "" {
				return nil, errors.New("telegram channel: notify_telegram_chat is required")
			}
			c, cErr := telegramChannelMaker(p)
			if cErr != nil {
				// telegram init makes a live API call to verify the bot token;
				// if the network/API is unavailable, skip the channel instead of
				// blocking startup — notifications are best-effort.
				// redact the token from the error to avoid leaking it in logs
				errMsg := strings.ReplaceAll(cErr.Error(), p.TelegramToken, "[REDACTED]")
				log.Logf("[WARN] telegram channel disabled: %s", errMsg)
				continue
			}
			svc.channels = append(svc.channels, c)
		case "email":
			c, cErr := makeEmailChannel(p)
			if cErr != nil {
				return nil, fmt.Errorf("email channel: %w", cErr)
			}
			svc.channels = append(svc.channels, c)
		case "slack":
			c, cErr := makeSlackChannel(p)
			if cErr != nil {
				return nil, fmt.Errorf("slack channel: %w", cErr)
			}
			svc.channels = append(svc.channels, c)
		case "webhook":
			chs, cErr := makeWebhookChannels(p)
			if cErr != nil {
				return nil, fmt.Errorf("webhook channel: %w", cErr)
			}
			svc.channels = append(svc.channels, chs...)
		case "custom":
			if p.CustomScript == "" {
				return nil, errors.New("custom channel: notify_custom_script is required")
			}
			svc.custom = newCustomChannel(p.CustomScript)
		default:
			return nil, fmt.Errorf("unknown notification channel: %q", ch)
		}
	}

	// notify_script alone is a valid setup, no "custom" entry in
	// notify_channels needed
	if p.CustomScript != "" && svc.custom == nil {
		svc.custom = newCustomChannel(p.CustomScript)
	}

	if len(svc.channels) == 0 && svc.custom == nil {
		log.Logf("[WARN] all notification channels were disabled due to initialization errors")
	}

	return svc, nil
}

// Send delivers the transition to all configured channels, rendering a
// message per channel audience. nil-safe on receiver — callers don't need
// nil checks. errors are logged but never returned (best-effort,
// at-most-once, no delivery confirmation back into phase state).
func (s *Service) Send(ctx context.Context, tr Transition) {
	if s == nil {
		return
	}

	timeout := time.Duration(s.timeoutMs) * time.Millisecond
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, ch := range s.channels {
		text := s.formatMessage(ch.audience, tr)
		if ch.htmlEscape {
			text = html.EscapeString(text)
		}
		if err := ch.notifier.Send(sendCtx, ch.dest, text); err != nil {
			s.log.Logf("[WARN] notification failed for %s: %v", ch.notifier, err)
		}
	}

	if s.custom != nil {
		if err := s.custom.send(sendCtx, tr); err != nil {
			s.log.Logf("[WARN] custom notification failed: %v", err)
		}
	}
}

// formatMessage renders the transition for one stakeholder audience.
// developers get the full status detail, testers get what needs exercising,
// managers get progress numbers, everyone else gets the one-line summary.
func (s *Service) formatMessage(audience string, tr Transition) string {
	var b strings.Builder

	fmt.Fprintf(&b, "beta rollout %s: phase %s (%s ring) on %s\n", tr.Event, tr.Phase, tr.Ring, s.hostname)

	switch audience {
	case AudienceDevelopers:
		b.WriteString("\n")
		if tr.From != "" || tr.To != "" {
			fmt.Fprintf(&b, "status:   %s -> %s\n", tr.From, tr.To)
		}
		fmt.Fprintf(&b, "evidence: %.0f%% of required keys validated\n", tr.EvidencePct)
		if tr.Detail != "" {
			fmt.Fprintf(&b, "detail:   %s\n", tr.Detail)
		}
	case AudienceTesters:
		b.WriteString("\n")
		fmt.Fprintf(&b, "phase %s needs testing - please exercise the %s ring scenarios and submit evidence\n",
			tr.Phase, tr.Ring)
	case AudienceManagers:
		b.WriteString("\n")
		fmt.Fprintf(&b, "progress: %.0f%% evidence coverage for %s\n", tr.EvidencePct, tr.Phase)
		if tr.Detail != "" {
			fmt.Fprintf(&b, "note:     %s\n", tr.Detail)
		}
	default:
		// stakeholders and anything unrecognized get the headline only
	}

	return b.String()
}

// audienceOrDefault falls back to the stakeholders audience.
func audienceOrDefault(a string) string {
	if a == "" {
		return AudienceStakeholders
	}
	return strings.TrimSpace(strings.ToLower(a))
}

// telegramChannelMaker creates a telegram notifier and destination.
// overridden in tests to avoid live API calls.
var telegramChannelMaker = makeTelegramChannel

// makeTelegramChannel creates a telegram notifier and destination.
// caller must validate that TelegramToken and TelegramChat are non-empty.
func makeTelegramChannel(p Params) (channel, error) {
	tg, err := ntfy.NewTelegram(ntfy.TelegramParams{Token: p.TelegramToken})
	if err != nil {
		return channel{}, fmt.Errorf("create telegram notifier: %w", err)
	}

	dest := fmt.Sprintf("telegram:%s?parseMode=HTML", p.TelegramChat)
	return channel{notifier: tg, dest: dest, audience: audienceOrDefault(p.TelegramAudience), htmlEscape: true}, nil
}

// makeEmailChannel creates an email notifier and destination.
func makeEmailChannel(p Params) (channel, error) {
	if p.SMTPHost == "" {
		return channel{}, errors.New("notify_smtp_host is required")
	}
	if p.EmailFrom == "" {
		return channel{}, errors.New("notify_email_from is required")
	}
	if len(p.EmailTo) == 0 {
		return channel{}, errors.New("notify_email_to is required")
	}

	em := ntfy.NewEmail(ntfy.SMTPParams{
		Host:     p.SMTPHost,
		Port:     p.SMTPPort,
		Username: p.SMTPUsername,
		Password: p.SMTPPassword,
		StartTLS: p.SMTPStartTLS,
	})

	// build mailto: destination with all recipients, from, and subject
	to := strings.Join(p.EmailTo, ",")
	dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s",
		to,
		url.QueryEscape(p.EmailFrom),
		url.QueryEscape("beta rollout update"),
	)

	return channel{notifier: em, dest: dest, audience: audienceOrDefault(p.EmailAudience)}, nil
}

// makeSlackChannel creates a slack notifier and destination.
func makeSlackChannel(p Params) (channel, error) {
	if p.SlackToken == "" {
		return channel{}, errors.New("notify_slack_token is required")
	}
	if p.SlackChannel == "" {
		return channel{}, errors.New("notify_slack_channel is required")
	}

	sl := ntfy.NewSlack(p.SlackToken)
	dest := "slack:" + p.SlackChannel
	return channel{notifier: sl, dest: dest, audience: audienceOrDefault(p.SlackAudience)}, nil
}

// makeWebhookChannels creates webhook notifiers for each configured URL.
func makeWebhookChannels(p Params) ([]channel, error) {
	if len(p.WebhookURLs) == 0 {
		return nil, errors.New("notify_webhook_urls is required")
	}

	wh := ntfy.NewWebhook(ntfy.WebhookParams{})
	var channels []channel
	for _, u := range p.WebhookURLs {
		channels = append(channels, channel{notifier: wh, dest: u, audience: audienceOrDefault(p.WebhookAudience)})
	}
	return channels, nil
}
