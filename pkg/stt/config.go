package stt

import (
	"errors"
	"fmt"
	"strings"
)

const (
	EncodingLinear16 = "LINEAR16"
	EncodingMulaw    = "MULAW"
	EncodingAlaw     = "ALAW"
	EncodingFLAC     = "FLAC"
	EncodingOggOpus  = "OGG_OPUS"
)

const (
	DefaultEncoding   = EncodingLinear16
	DefaultSampleRate = 8000
	DefaultLanguage   = "ru-RU"
)

// Config is fixed for the lifetime of one session.
type Config struct {
	BackendID      string            `json:"backend_id" mapstructure:"backend_id"`
	Encoding       string            `json:"encoding" mapstructure:"encoding"`
	SampleRate     int               `json:"sample_rate" mapstructure:"sample_rate"`
	Language       string            `json:"language" mapstructure:"language"`
	InterimResults bool              `json:"interim_results" mapstructure:"interim_results"`
	EndpointURI    string            `json:"endpoint_uri" mapstructure:"endpoint_uri"`
	Model          string            `json:"model" mapstructure:"model"`
	ChannelCount   int               `json:"channel_count" mapstructure:"channel_count"`
	Extra          map[string]string `json:"extra,omitempty" mapstructure:"extra"`
}

func (c Config) WithDefaults() Config {
	c.BackendID = strings.TrimSpace(c.BackendID)
	c.Encoding = strings.ToUpper(strings.TrimSpace(c.Encoding))
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = DefaultLanguage
	}
	if c.ChannelCount == 0 {
		c.ChannelCount = 1
	}
	return c
}

func (c Config) Validate() error {
	if c.BackendID == "" {
		return errors.New("stt config: backend_id is required")
	}
	if c.Encoding == "" {
		return errors.New("stt config: encoding is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("stt config: invalid sample_rate %d", c.SampleRate)
	}
	if c.ChannelCount < 0 {
		return fmt.Errorf("stt config: invalid channel_count %d", c.ChannelCount)
	}
	return nil
}

// BytesPerSecond returns the raw audio rate for fixed-width encodings and 0
// for compressed ones.
func (c Config) BytesPerSecond() int {
	channels := c.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	switch c.Encoding {
	case EncodingLinear16:
		return c.SampleRate * 2 * channels
	case EncodingMulaw, EncodingAlaw:
		return c.SampleRate * channels
	default:
		return 0
	}
}
