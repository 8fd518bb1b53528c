package notify

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		cfg     func() ChannelConfig
		problem string
	}{
		{"valid email", ChannelEmail, emailCfg, ""},
		{"valid whatsapp", ChannelWhatsApp, whatsappCfg, ""},
		{"valid sms", ChannelSMS, smsCfg, ""},
		{"no recipients", ChannelEmail, func() ChannelConfig {
			c := emailCfg()
			c.Recipients = nil
			return c
		}, "no recipients"},
		{"bad email recipient", ChannelEmail, func() ChannelConfig {
			c := emailCfg()
			c.Recipients = []string{"ops@", "ok@example.com"}
			return c
		}, `recipient "ops@" is not an email address`},
		{"missing smtp host", ChannelEmail, func() ChannelConfig {
			c := emailCfg()
			c.SMTP.Host = ""
			return c
		}, "smtp host is required"},
		{"unknown tls", ChannelEmail, func() ChannelConfig {
			c := emailCfg()
			c.SMTP.TLS = "starttls-please"
			return c
		}, "unknown smtp tls mode"},
		{"phone format", ChannelWhatsApp, func() ChannelConfig {
			c := whatsappCfg()
			c.Recipients = []string{"555-1234"}
			return c
		}, "not an E.164 phone number"},
		{"relative gateway url", ChannelWhatsApp, func() ChannelConfig {
			c := whatsappCfg()
			c.Gateway.URL = "gateway/send"
			return c
		}, "gateway url"},
		{"sms region", ChannelSMS, func() ChannelConfig {
			c := smsCfg()
			c.SNS.Region = ""
			return c
		}, "sns region is required"},
		{"half static credentials", ChannelSMS, func() ChannelConfig {
			c := smsCfg()
			c.SNS.AccessKeyID = "AKIA"
			return c
		}, "set together"},
		{"bad schedule", ChannelSMS, func() ChannelConfig {
			c := smsCfg()
			c.Schedule = []Window{{Start: "noon"}}
			return c
		}, "schedule window 0"},
		{"unknown channel", Channel("pager"), emailCfg, "unknown channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.channel, tt.cfg())
			if tt.problem == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestRedactAndKeepSecrets(t *testing.T) {
	stored := emailCfg()
	stored.SMTP.Password = "hunter2"

	redacted := stored.Redacted()
	assert.Equal(t, RedactedSecret, redacted.SMTP.Password)
	assert.Equal(t, "hunter2", stored.SMTP.Password, "original untouched")

	restored := redacted.KeepSecrets(stored)
	assert.Equal(t, "hunter2", restored.SMTP.Password)

	changed := redacted.Clone()
	changed.SMTP.Password = "new-password"
	assert.Equal(t, "new-password", changed.KeepSecrets(stored).SMTP.Password)
}
