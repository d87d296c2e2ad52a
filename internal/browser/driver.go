package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/relaybot/relaybot/internal/domain"
	"github.com/relaybot/relaybot/internal/session"
)

// DriverConfig holds per-page driver settings.
type DriverConfig struct {
	ClientURL         string
	NavigationTimeout time.Duration

	// LookupTimeout bounds optional element lookups (QR canvas, compose
	// box) that are expected to be missing in some page states.
	LookupTimeout time.Duration

	// PairingMaxAttempts and PairingRetryEvery bound how long pairing
	// code extraction keeps retrying before serving a placeholder.
	PairingMaxAttempts int
	PairingRetryEvery  time.Duration
}

// Factory allocates page drivers from the shared pool.
type Factory struct {
	pool *Pool
	cfg  DriverConfig
}

// NewFactory creates a driver factory backed by pool.
func NewFactory(pool *Pool, cfg DriverConfig) *Factory {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}
	if cfg.PairingMaxAttempts <= 0 {
		cfg.PairingMaxAttempts = 5
	}
	if cfg.PairingRetryEvery <= 0 {
		cfg.PairingRetryEvery = 2 * time.Second
	}
	return &Factory{pool: pool, cfg: cfg}
}

// NewDriver allocates a fresh page for the session key.
func (f *Factory) NewDriver(ctx context.Context, key domain.SessionKey) (session.Driver, error) {
	page, err := f.pool.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return &pageDriver{
		pool: f.pool,
		page: page,
		key:  key,
		cfg:  f.cfg,
	}, nil
}

// pageDriver drives one chat client page through the CDP connection.
type pageDriver struct {
	pool   *Pool
	page   *rod.Page
	key    domain.SessionKey
	cfg    DriverConfig
	closed bool
}

func (d *pageDriver) Navigate(ctx context.Context) error {
	page := d.page.Context(ctx).Timeout(d.cfg.NavigationTimeout)
	if err := page.Navigate(d.cfg.ClientURL); err != nil {
		return d.wrapNavError(err)
	}
	if err := page.WaitLoad(); err != nil {
		return d.wrapNavError(err)
	}
	return nil
}

func (d *pageDriver) wrapNavError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s within %s", session.ErrNavigationTimeout, d.cfg.ClientURL, d.cfg.NavigationTimeout)
	}
	return fmt.Errorf("navigate %s: %w", d.cfg.ClientURL, err)
}

// pageState mirrors detectStateJS output.
type pageState struct {
	QR       bool `json:"qr"`
	Landmark bool `json:"landmark"`
	Loading  bool `json:"loading"`
}

func (d *pageDriver) Authenticated(ctx context.Context) (bool, error) {
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      detectStateJS,
		ByValue: true,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate page state: %w", err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("marshal page state: %w", err)
	}
	var st pageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return false, fmt.Errorf("decode page state: %w", err)
	}

	// A visible pairing code always wins over the other signals: the
	// client keeps the chat pane mounted behind the QR overlay.
	if st.QR {
		return false, nil
	}
	return st.Landmark && !st.Loading, nil
}

func (d *pageDriver) PairingArtifact(ctx context.Context) []byte {
	for attempt := 1; attempt <= d.cfg.PairingMaxAttempts; attempt++ {
		if png := d.extractPairingCode(ctx); png != nil {
			return png
		}
		if attempt == d.cfg.PairingMaxAttempts {
			break
		}
		select {
		case <-time.After(d.cfg.PairingRetryEvery):
		case <-ctx.Done():
			return placeholderArtifact(d.key)
		}
	}

	slog.Warn("Pairing code extraction failed, serving placeholder",
		"session", d.key, "attempts", d.cfg.PairingMaxAttempts)
	return placeholderArtifact(d.key)
}

func (d *pageDriver) extractPairingCode(ctx context.Context) []byte {
	page := d.page.Context(ctx).Timeout(d.cfg.LookupTimeout)

	if el, err := page.Element(selQRCanvas); err == nil {
		png, shotErr := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
		if shotErr == nil && len(png) > 0 {
			return png
		}
		slog.Warn("QR canvas screenshot failed", "session", d.key, "error", shotErr)
	}

	if el, err := page.Element(selQRContainer); err == nil {
		if ref, attrErr := el.Attribute("data-ref"); attrErr == nil && ref != nil && *ref != "" {
			if png, encErr := encodePairingRef(*ref); encErr == nil {
				return png
			}
		}
	}
	return nil
}

// pollResult mirrors pollMessagesJS output.
type pollResult struct {
	Total int `json:"total"`
	Items []struct {
		Incoming bool   `json:"incoming"`
		Sender   string `json:"sender"`
		Text     string `json:"text"`
	} `json:"items"`
}

func (d *pageDriver) PollOnce(ctx context.Context, seen int) ([]domain.InboundMessage, int, error) {
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      pollMessagesJS,
		JSArgs:  []interface{}{seen},
		ByValue: true,
	})
	if err != nil {
		return nil, seen, fmt.Errorf("poll conversation: %w", err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, seen, fmt.Errorf("marshal poll result: %w", err)
	}
	var pr pollResult
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, seen, fmt.Errorf("decode poll result: %w", err)
	}
	if pr.Total <= seen {
		return nil, seen, nil
	}

	now := time.Now()
	var msgs []domain.InboundMessage
	for _, item := range pr.Items {
		if !item.Incoming || item.Text == "" {
			continue
		}
		msgs = append(msgs, domain.InboundMessage{
			Key:        d.key,
			Sender:     item.Sender,
			Text:       item.Text,
			ObservedAt: now,
		})
	}
	return msgs, pr.Total, nil
}

func (d *pageDriver) SendReply(ctx context.Context, contact, text string) error {
	page := d.page.Context(ctx)

	// Best effort: the reply usually targets the open conversation, but
	// switch to the contact's chat when it is visible in the list.
	if res, err := page.Timeout(d.cfg.LookupTimeout).Evaluate(&rod.EvalOptions{
		JS:      openConversationJS,
		JSArgs:  []interface{}{contact},
		ByValue: true,
	}); err == nil && !res.Value.Bool() {
		slog.Debug("Contact not in visible chat list, replying in open conversation",
			"session", d.key, "contact", contact)
	}

	compose, err := page.Timeout(d.cfg.LookupTimeout).Element(selCompose)
	if err != nil {
		return fmt.Errorf("%w: %q", session.ErrSendControlNotFound, selCompose)
	}
	if err := compose.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus compose control: %w", err)
	}
	if err := compose.Input(text); err != nil {
		return fmt.Errorf("type reply: %w", err)
	}

	if btn, err := page.Timeout(d.cfg.LookupTimeout).Element(selSendButton); err == nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click send: %w", err)
		}
		return nil
	}
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

func (d *pageDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.pool.ReleasePage(d.page)
	return nil
}
