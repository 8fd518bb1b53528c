package notify

import "slices"

// Channel names one notification transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

// Channels lists every channel in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelWhatsApp, ChannelSMS}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return slices.Contains(Channels, c)
}

// RedactedSecret replaces secrets in API responses. Sending it back in an
// update keeps the stored secret.
const RedactedSecret = "********"

// ChannelConfig holds the settings of one channel. Only the transport block
// matching the channel is used.
type ChannelConfig struct {
	Enabled    bool             `yaml:"enabled" json:"enabled"`
	Recipients []string         `yaml:"recipients" json:"recipients"`
	Schedule   []Window         `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	SMTP       *SMTPSettings    `yaml:"smtp,omitempty" json:"smtp,omitempty"`
	Gateway    *GatewaySettings `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	SNS        *SNSSettings     `yaml:"sns,omitempty" json:"sns,omitempty"`
}

// SMTPSettings configures the email relay.
type SMTPSettings struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	From     string `yaml:"from" json:"from"`
	// TLS is one of opportunistic (default), mandatory, implicit or none.
	TLS string `yaml:"tls" json:"tls,omitempty"`
}

// GatewaySettings configures the HTTP messaging gateway used for WhatsApp.
type GatewaySettings struct {
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token" json:"token,omitempty"`
}

// SNSSettings configures SMS delivery through AWS SNS. Without static keys the
// default AWS credential chain is used.
type SNSSettings struct {
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"accessKeyId" json:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey" json:"secretAccessKey,omitempty"`
	SenderID        string `yaml:"senderId" json:"senderId,omitempty"`
}

// Clone returns a deep copy.
func (c ChannelConfig) Clone() ChannelConfig {
	out := c
	out.Recipients = slices.Clone(c.Recipients)
	out.Schedule = make([]Window, 0, len(c.Schedule))
	for _, w := range c.Schedule {
		w.Days = slices.Clone(w.Days)
		out.Schedule = append(out.Schedule, w)
	}
	if len(out.Schedule) == 0 {
		out.Schedule = nil
	}
	if c.SMTP != nil {
		smtp := *c.SMTP
		out.SMTP = &smtp
	}
	if c.Gateway != nil {
		gw := *c.Gateway
		out.Gateway = &gw
	}
	if c.SNS != nil {
		s := *c.SNS
		out.SNS = &s
	}
	return out
}

// Redacted returns a copy with every secret masked.
func (c ChannelConfig) Redacted() ChannelConfig {
	out := c.Clone()
	if out.SMTP != nil && out.SMTP.Password != "" {
		out.SMTP.Password = RedactedSecret
	}
	if out.Gateway != nil && out.Gateway.Token != "" {
		out.Gateway.Token = RedactedSecret
	}
	if out.SNS != nil && out.SNS.SecretAccessKey != "" {
		out.SNS.SecretAccessKey = RedactedSecret
	}
	return out
}

// KeepSecrets copies secrets from stored into c wherever c carries the
// redaction mask.
func (c ChannelConfig) KeepSecrets(stored ChannelConfig) ChannelConfig {
	out := c.Clone()
	if out.SMTP != nil && out.SMTP.Password == RedactedSecret && stored.SMTP != nil {
		out.SMTP.Password = stored.SMTP.Password
	}
	if out.Gateway != nil && out.Gateway.Token == RedactedSecret && stored.Gateway != nil {
		out.Gateway.Token = stored.Gateway.Token
	}
	if out.SNS != nil && out.SNS.SecretAccessKey == RedactedSecret && stored.SNS != nil {
		out.SNS.SecretAccessKey = stored.SNS.SecretAccessKey
	}
	return out
}
