package notify

import (
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/cockroachdb/errors"
)

var zeroTime time.Time

// Validate checks that cfg can be used to deliver through channel. The
// returned error is marked with ErrConfiguration and lists every problem.
func Validate(channel Channel, cfg ChannelConfig) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, errors.Newf(format, args...).Error())
	}

	if len(cfg.Recipients) == 0 {
		add("no recipients")
	}
	for _, r := range cfg.Recipients {
		switch channel {
		case ChannelEmail:
			if !govalidator.IsEmail(r) {
				add("recipient %q is not an email address", r)
			}
		case ChannelWhatsApp, ChannelSMS:
			if !govalidator.IsE164(r) {
				add("recipient %q is not an E.164 phone number", r)
			}
		}
	}

	switch channel {
	case ChannelEmail:
		switch s := cfg.SMTP; {
		case s == nil || strings.TrimSpace(s.Host) == "":
			add("smtp host is required")
		default:
			if s.Port < 0 || s.Port > 65535 {
				add("smtp port %d out of range", s.Port)
			}
			if !govalidator.IsEmail(s.From) {
				add("smtp sender %q is not an email address", s.From)
			}
			switch strings.ToLower(s.TLS) {
			case "", "opportunistic", "mandatory", "implicit", "none":
			default:
				add("unknown smtp tls mode %q", s.TLS)
			}
		}
	case ChannelWhatsApp:
		if cfg.Gateway == nil || !govalidator.IsRequestURL(cfg.Gateway.URL) {
			add("gateway url must be an absolute http(s) URL")
		}
	case ChannelSMS:
		switch s := cfg.SNS; {
		case s == nil || strings.TrimSpace(s.Region) == "":
			add("sns region is required")
		case (s.AccessKeyID == "") != (s.SecretAccessKey == ""):
			add("sns access key id and secret must be set together")
		}
	default:
		add("unknown channel")
	}

	for i, w := range cfg.Schedule {
		if _, err := w.Permits(zeroTime); err != nil {
			add("schedule window %d: %v", i, err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return configurationf("%s: %s", channel, strings.Join(problems, "; "))
}
