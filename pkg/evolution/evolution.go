// Package evolution is a client for the Evolution WhatsApp API. Text
// delivery simulates human pacing: a typing indicator scaled to message
// length plus a randomized delay before the actual send.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	URL          string        `envconfig:"URL" split_words:"true" required:"true"`
	APIKey       string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	InstanceName string        `envconfig:"INSTANCE_NAME" split_words:"true" default:"ekkle-sales"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`

	// Humanized pacing knobs.
	TypingPerChar time.Duration `envconfig:"TYPING_PER_CHAR" split_words:"true" default:"50ms"`
	TypingMax     time.Duration `envconfig:"TYPING_MAX" split_words:"true" default:"5s"`
	DelayMin      time.Duration `envconfig:"DELAY_MIN" split_words:"true" default:"1s"`
	DelayMax      time.Duration `envconfig:"DELAY_MAX" split_words:"true" default:"3s"`
}

type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SendOptions struct {
	// SkipTyping disables the typing simulation and humanized delay.
	SkipTyping bool
}

const maxResponseSizeBytes = 1 << 20

type Client struct {
	baseURL      string
	apiKey       string
	instanceName string
	httpClient   *http.Client

	typingPerChar time.Duration
	typingMax     time.Duration
	delayMin      time.Duration
	delayMax      time.Duration

	// Injectable for tests.
	sleep func(context.Context, time.Duration)
	randN func(n int64) int64
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("evolution api url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid evolution api url: %w", err)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("evolution api key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		instanceName:  strings.TrimSpace(cfg.InstanceName),
		httpClient:    &http.Client{Timeout: timeout},
		typingPerChar: cfg.TypingPerChar,
		typingMax:     cfg.TypingMax,
		delayMin:      cfg.DelayMin,
		delayMax:      cfg.DelayMax,
		sleep:         sleepCtx,
		randN:         rand.Int63n,
	}
	if c.instanceName == "" {
		c.instanceName = "ekkle-sales"
	}
	return c, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// SetPacing overrides the sleep and random functions. Tests use this to run
// without real delays.
func (c *Client) SetPacing(sleep func(context.Context, time.Duration), randN func(int64) int64) {
	if sleep != nil {
		c.sleep = sleep
	}
	if randN != nil {
		c.randN = randN
	}
}

// FormatNumber normalizes a phone number to the provider's JID suffix format.
func FormatNumber(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@s.whatsapp.net"
}

// SendText delivers a text message with humanized pacing. The typing
// indicator and presence-clear calls are best effort; their failures never
// fail the send.
func (c *Client) SendText(ctx context.Context, to, text string, opts SendOptions) (SendResult, error) {
	start := time.Now()

	if !opts.SkipTyping {
		if err := c.SendTyping(ctx, to); err != nil {
			log.Warn().Err(err).Str("to", to).Msg("typing indicator failed")
		}
		typing := time.Duration(len(text)) * c.typingPerChar
		if typing > c.typingMax {
			typing = c.typingMax
		}
		c.sleep(ctx, typing)
		c.sleep(ctx, c.humanizedDelay())
	}

	body := map[string]any{
		"number": FormatNumber(to),
		"text":   text,
		"delay":  500,
	}
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+c.instanceName, body, &resp); err != nil {
		log.Error().Err(err).
			Str("to", to).
			Dur("latency", time.Since(start)).
			Msg("evolution sendText failed")
		return SendResult{Success: false, Error: err.Error()}, err
	}

	if !opts.SkipTyping {
		if err := c.ClearTyping(ctx, to); err != nil {
			log.Debug().Err(err).Str("to", to).Msg("presence clear failed")
		}
	}

	log.Info().
		Str("to", to).
		Str("message_id", resp.Key.ID).
		Dur("latency", time.Since(start)).
		Msg("whatsapp text sent")

	return SendResult{Success: true, MessageID: resp.Key.ID}, nil
}

// SendTyping marks the conversation as "composing".
func (c *Client) SendTyping(ctx context.Context, to string) error {
	return c.presence(ctx, to, "composing")
}

// ClearTyping resets presence to "paused".
func (c *Client) ClearTyping(ctx context.Context, to string) error {
	return c.presence(ctx, to, "paused")
}

func (c *Client) presence(ctx context.Context, to, presence string) error {
	body := map[string]any{
		"number":   FormatNumber(to),
		"presence": presence,
	}
	return c.do(ctx, http.MethodPost, "/chat/presence/"+c.instanceName, body, nil)
}

// ConnectionState reports whether the provider instance is connected.
func (c *Client) ConnectionState(ctx context.Context) (bool, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+c.instanceName, nil, &resp); err != nil {
		return false, err
	}
	return resp.State == "open", nil
}

func (c *Client) humanizedDelay() time.Duration {
	window := c.delayMax - c.delayMin
	if window <= 0 {
		return c.delayMin
	}
	return c.delayMin + time.Duration(c.randN(int64(window)))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal evolution request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("build evolution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute evolution request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read evolution response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("evolution http status=%d body=%s", resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode evolution response: %w", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
