package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const dispatchJS = `(selector, kind) => {
	const el = document.querySelector(selector);
	if (!el) return false;
	el.dispatchEvent(new Event(kind, { bubbles: true }));
	return true;
}`

// PageTarget replays into a live Chrome tab.
type PageTarget struct {
	Page *rod.Page
}

func (t PageTarget) Dispatch(ctx context.Context, selector string, kind models.InteractionKind) (bool, error) {
	res, err := t.Page.Context(ctx).Eval(dispatchJS, selector, string(kind))
	if err != nil {
		return false, fmt.Errorf("replay: eval dispatch: %w", err)
	}
	return res.Value.Bool(), nil
}

// Browser is a connected Chrome plus the tab replays run in.
type Browser struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	Target  PageTarget
	logger  *slog.Logger
}

// Open connects to controlURL, or launches a local headless Chrome when it
// is empty, and opens pageURL in a new tab.
func Open(ctx context.Context, controlURL, pageURL string, logger *slog.Logger) (*Browser, error) {
	logger = logging.OrDiscard(logger)
	b := &Browser{logger: logger}

	wsURL := controlURL
	if wsURL == "" {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("replay: launch browser: %w", err)
		}
		wsURL = u
		b.lnch = l
		logger.Info("replay: launched local chrome", logging.URL(wsURL))
	} else {
		logger.Info("replay: connecting to remote", logging.URL(wsURL))
	}

	b.browser = rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.browser.Connect(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("replay: connect: %w", err)
	}

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("replay: open tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		logger.Warn("replay: wait load timeout", logging.URL(pageURL), logging.Error(err))
	}

	b.Target = PageTarget{Page: page}
	return b, nil
}

func (b *Browser) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	b.cleanup()
	return err
}

func (b *Browser) cleanup() {
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
}
