package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Values holds scalar configuration values.
// Fields ending in *Set (e.g., PortSet) track whether that field was explicitly
// set in config. This allows distinguishing explicit false/0 from "not set",
// enabling proper merge behavior where local config can override global config
// with zero values.
type Values struct {
	BasePath         string
	Mode             string
	Port             int
	PortSet          bool // tracks if port was explicitly set
	RequirementsFile string
	StuckAfterMin    int
	StuckAfterMinSet bool // tracks if stuck_after_min was explicitly set

	NotifyChannels   []string
	NotifyTimeoutMs  int
	NotifyTimeoutSet bool // tracks if notify_timeout_ms was explicitly set

	TelegramToken    string
	TelegramChat     string
	TelegramAudience string

	SlackToken    string
	SlackChannel  string
	SlackAudience string

	SMTPHost      string
	SMTPPort      int
	SMTPPortSet   bool // tracks if smtp_port was explicitly set
	SMTPUsername  string
	SMTPPassword  string
	SMTPStartTLS  bool
	SMTPTLSSet    bool // tracks if smtp_starttls was explicitly set
	EmailFrom     string
	EmailTo       []string
	EmailAudience string

	WebhookURLs     []string
	WebhookAudience string

	NotifyScript string
}

// valuesLoader loads Values with embedded filesystem fallback.
type valuesLoader struct {
	embedFS embed.FS
}

func newValuesLoader(embedFS embed.FS) *valuesLoader {
	return &valuesLoader{embedFS: embedFS}
}

// Load loads values from config files with fallback chain: local → global → embedded.
// localConfigPath and globalConfigPath are full paths to config files (not directories).
func (vl *valuesLoader) Load(localConfigPath, globalConfigPath string) (Values, error) {
	// start with embedded defaults
	embedded, err := vl.parseFromEmbedded()
	if err != nil {
		return Values{}, fmt.Errorf("parse embedded defaults: %w", err)
	}

	global, err := vl.parseFromFile(globalConfigPath)
	if err != nil {
		return Values{}, fmt.Errorf("parse global config: %w", err)
	}

	local, err := vl.parseFromFile(localConfigPath)
	if err != nil {
		return Values{}, fmt.Errorf("parse local config: %w", err)
	}

	// merge: embedded → global → local (local wins)
	result := embedded
	result.mergeFrom(&global)
	result.mergeFrom(&local)
	return result, nil
}

// parseFromFile reads a config file and parses it into Values.
// returns empty Values (not error) if the file doesn't exist or contains only
// comments/whitespace, so commented-out templates fall back to embedded defaults.
func (vl *valuesLoader) parseFromFile(path string) (Values, error) {
	if path == "" {
		return Values{}, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is constructed internally
	if err != nil {
		if os.IsNotExist(err) {
			return Values{}, nil
		}
		return Values{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if strings.TrimSpace(stripComments(string(data))) == "" {
		return Values{}, nil
	}
	return vl.parseFromBytes(data)
}

func (vl *valuesLoader) parseFromEmbedded() (Values, error) {
	data, err := vl.embedFS.ReadFile("defaults/config")
	if err != nil {
		return Values{}, fmt.Errorf("read embedded defaults: %w", err)
	}
	return vl.parseFromBytes(data)
}

// parseFromBytes parses configuration from a byte slice into Values.
//
//nolint:gocyclo // one branch per config key; splitting would hurt readability
func (vl *valuesLoader) parseFromBytes(data []byte) (Values, error) {
	// ignoreInlineComment: true prevents # from being treated as inline comment marker
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return Values{}, fmt.Errorf("parse config: %w", err)
	}

	var values Values
	section := cfg.Section("") // default section (no section header)

	// rollout settings
	if key, err := section.GetKey("base_path"); err == nil {
		values.BasePath = key.String()
	}
	if key, err := section.GetKey("mode"); err == nil {
		values.Mode = key.String()
	}
	if key, err := section.GetKey("port"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Values{}, fmt.Errorf("invalid port: %w", intErr)
		}
		if val < 0 || val > 65535 {
			return Values{}, fmt.Errorf("invalid port: must be 0..65535, got %d", val)
		}
		values.Port = val
		values.PortSet = true
	}
	if key, err := section.GetKey("requirements_file"); err == nil {
		values.RequirementsFile = key.String()
	}
	if key, err := section.GetKey("stuck_after_min"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Values{}, fmt.Errorf("invalid stuck_after_min: %w", intErr)
		}
		if val < 0 {
			return Values{}, fmt.Errorf("invalid stuck_after_min: must be non-negative, got %d", val)
		}
		values.StuckAfterMin = val
		values.StuckAfterMinSet = true
	}

	// notification settings
	if key, err := section.GetKey("notify_channels"); err == nil {
		values.NotifyChannels = splitList(key.String())
	}
	if key, err := section.GetKey("notify_timeout_ms"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Values{}, fmt.Errorf("invalid notify_timeout_ms: %w", intErr)
		}
		if val < 0 {
			return Values{}, fmt.Errorf("invalid notify_timeout_ms: must be non-negative, got %d", val)
		}
		values.NotifyTimeoutMs = val
		values.NotifyTimeoutSet = true
	}

	if key, err := section.GetKey("telegram_token"); err == nil {
		values.TelegramToken = key.String()
	}
	if key, err := section.GetKey("telegram_chat"); err == nil {
		values.TelegramChat = key.String()
	}
	if key, err := section.GetKey("telegram_audience"); err == nil {
		values.TelegramAudience = key.String()
	}

	if key, err := section.GetKey("slack_token"); err == nil {
		values.SlackToken = key.String()
	}
	if key, err := section.GetKey("slack_channel"); err == nil {
		values.SlackChannel = key.String()
	}
	if key, err := section.GetKey("slack_audience"); err == nil {
		values.SlackAudience = key.String()
	}

	if key, err := section.GetKey("smtp_host"); err == nil {
		values.SMTPHost = key.String()
	}
	if key, err := section.GetKey("smtp_port"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Values{}, fmt.Errorf("invalid smtp_port: %w", intErr)
		}
		values.SMTPPort = val
		values.SMTPPortSet = true
	}
	if key, err := section.GetKey("smtp_username"); err == nil {
		values.SMTPUsername = key.String()
	}
	if key, err := section.GetKey("smtp_password"); err == nil {
		values.SMTPPassword = key.String()
	}
	if key, err := section.GetKey("smtp_starttls"); err == nil {
		val, boolErr := key.Bool()
		if boolErr != nil {
			return Values{}, fmt.Errorf("invalid smtp_starttls: %w", boolErr)
		}
		values.SMTPStartTLS = val
		values.SMTPTLSSet = true
	}
	if key, err := section.GetKey("email_from"); err == nil {
		values.EmailFrom = key.String()
	}
	if key, err := section.GetKey("email_to"); err == nil {
		values.EmailTo = splitList(key.String())
	}
	if key, err := section.GetKey("email_audience"); err == nil {
		values.EmailAudience = key.String()
	}

	if key, err := section.GetKey("webhook_urls"); err == nil {
		values.WebhookURLs = splitList(key.String())
	}
	if key, err := section.GetKey("webhook_audience"); err == nil {
		values.WebhookAudience = key.String()
	}

	if key, err := section.GetKey("notify_script"); err == nil {
		values.NotifyScript = key.String()
	}

	return values, nil
}

// mergeFrom merges non-empty values from src into dst.
func (dst *Values) mergeFrom(src *Values) {
	if src.BasePath != "" {
		dst.BasePath = src.BasePath
	}
	if src.Mode != "" {
		dst.Mode = src.Mode
	}
	if src.PortSet {
		dst.Port = src.Port
		dst.PortSet = true
	}
	if src.RequirementsFile != "" {
		dst.RequirementsFile = src.RequirementsFile
	}
	if src.StuckAfterMinSet {
		dst.StuckAfterMin = src.StuckAfterMin
		dst.StuckAfterMinSet = true
	}
	if len(src.NotifyChannels) > 0 {
		dst.NotifyChannels = src.NotifyChannels
	}
	if src.NotifyTimeoutSet {
		dst.NotifyTimeoutMs = src.NotifyTimeoutMs
		dst.NotifyTimeoutSet = true
	}
	if src.TelegramToken != "" {
		dst.TelegramToken = src.TelegramToken
	}
	if src.TelegramChat != "" {
		dst.TelegramChat = src.TelegramChat
	}
	if src.TelegramAudience != "" {
		dst.TelegramAudience = src.TelegramAudience
	}
	if src.SlackToken != "" {
		dst.SlackToken = src.SlackToken
	}
	if src.SlackChannel != "" {
		dst.SlackChannel = src.SlackChannel
	}
	if src.SlackAudience != "" {
		dst.SlackAudience = src.SlackAudience
	}
	if src.SMTPHost != "" {
		dst.SMTPHost = src.SMTPHost
	}
	if src.SMTPPortSet {
		dst.SMTPPort = src.SMTPPort
		dst.SMTPPortSet = true
	}
	if src.SMTPUsername != "" {
		dst.SMTPUsername = src.SMTPUsername
	}
	if src.SMTPPassword != "" {
		dst.SMTPPassword = src.SMTPPassword
	}
	if src.SMTPTLSSet {
		dst.SMTPStartTLS = src.SMTPStartTLS
		dst.SMTPTLSSet = true
	}
	if src.EmailFrom != "" {
		dst.EmailFrom = src.EmailFrom
	}
	if len(src.EmailTo) > 0 {
		dst.EmailTo = src.EmailTo
	}
	if src.EmailAudience != "" {
		dst.EmailAudience = src.EmailAudience
	}
	if len(src.WebhookURLs) > 0 {
		dst.WebhookURLs = src.WebhookURLs
	}
	if src.WebhookAudience != "" {
		dst.WebhookAudience = src.WebhookAudience
	}
	if src.NotifyScript != "" {
		dst.NotifyScript = src.NotifyScript
	}
}

// splitList splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	var res []string
	for p := range strings.SplitSeq(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			res = append(res, t)
		}
	}
	return res
}

// stripComments removes lines starting with # (comment lines) from content.
// empty lines are preserved, inline comments are not supported.
// handles both Unix (LF) and Windows (CRLF) line endings.
func stripComments(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	lines := make([]string, 0, strings.Count(content, "\n")+1)
	for line := range strings.SplitSeq(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
