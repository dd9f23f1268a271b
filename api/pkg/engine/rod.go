package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/ysmood/gson"
)

const (
	whatsappWebURL = "https://web.whatsapp.com"

	// DOM anchors on web.whatsapp.com. These shift occasionally; keep
	// them in one place.
	selQRContainer    = "div[data-ref]"
	selChatPane       = "#pane-side"
	selLinkWithPhone  = "span[role=button]"
	selPhoneInput     = "input[aria-label]"
	selPairingCode    = "div[data-link-code]"
	watchInterval     = time.Second
	qrImageSize       = 256
	pageLoadTimeout   = 45 * time.Second
	domActionTimeout  = 20 * time.Second
	pairingFlowJitter = 2 * time.Second
)

var unreadTitleRe = regexp.MustCompile(`^\((\d+)\)`)

// RodEngine drives WhatsApp Web through a dedicated Chromium instance.
type RodEngine struct {
	events     Events
	chromePath string

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	stop     chan struct{}
	stopped  bool
}

// NewRodFactory returns a Factory producing engines bound to the given
// browser binary ("" lets the launcher discover one).
func NewRodFactory(chromePath string) Factory {
	return func(events Events) Engine {
		return &RodEngine{
			events:     events,
			chromePath: chromePath,
			stop:       make(chan struct{}),
		}
	}
}

func (e *RodEngine) Initialize(ctx context.Context, opts InitOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		return fmt.Errorf("engine already initialized")
	}

	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		UserDataDir(opts.SessionDir).
		Set("disable-dev-shm-usage")
	if e.chromePath != "" {
		l = l.Bin(e.chromePath)
	}
	if opts.ProxyURL != "" {
		l = l.Proxy(opts.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	e.launcher = l

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	e.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: whatsappWebURL})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("failed to open session page: %w", err)
	}
	e.page = page

	go e.watch(opts)

	log.Info().
		Str("session_dir", opts.SessionDir).
		Bool("proxied", opts.ProxyURL != "").
		Bool("pairing", opts.PairingPhone != "").
		Msg("automation engine launched")

	return nil
}

// watch is the engine's event pump. Every failure inside it lands in
// OnFault rather than crashing the worker.
func (e *RodEngine) watch(opts InitOptions) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(fmt.Errorf("engine watch panic: %v", r))
		}
	}()

	if err := e.page.Timeout(pageLoadTimeout).WaitLoad(); err != nil {
		e.fault(fmt.Errorf("session page failed to load: %w", err))
		return
	}

	if opts.PairingPhone != "" {
		// The pairing flow needs the login screen settled first.
		time.Sleep(pairingFlowJitter)
		if err := e.startPairingFlow(opts.PairingPhone); err != nil {
			log.Warn().Err(err).Msg("pairing flow navigation failed, QR may still appear")
		}
	}

	var (
		lastQR      string
		lastCode    string
		ready       bool
		lastUnread  int
		hookedStore bool
	)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}

		page := e.currentPage()
		if page == nil {
			return
		}

		// logged in?
		if has, _, err := page.Has(selChatPane); err != nil {
			e.handleTransportError(err)
			return
		} else if has {
			if !ready {
				ready = true
				if e.events.OnAuthenticated != nil {
					e.events.OnAuthenticated()
				}
				if e.events.OnReady != nil {
					e.events.OnReady()
				}
			}
			if !hookedStore {
				hookedStore = e.hookIncomingMessages(page)
			}
			lastUnread = e.pollUnreadTitle(page, lastUnread)
			continue
		}

		if ready {
			// chat pane was there and is gone: the session dropped
			if e.events.OnDisconnected != nil {
				e.events.OnDisconnected("session surface disappeared")
			}
			return
		}

		// pairing code visible?
		if has, el, err := page.Has(selPairingCode); err == nil && has {
			if code, err := el.Attribute("data-link-code"); err == nil && code != nil && *code != lastCode {
				lastCode = *code
				if e.events.OnPairingCode != nil {
					e.events.OnPairingCode(*code)
				}
			}
			continue
		}

		// QR visible? data-ref holds the payload and rotates periodically
		if has, el, err := page.Has(selQRContainer); err == nil && has {
			if ref, err := el.Attribute("data-ref"); err == nil && ref != nil && *ref != lastQR {
				lastQR = *ref
				png, err := qrcode.Encode(*ref, qrcode.Medium, qrImageSize)
				if err != nil {
					e.fault(fmt.Errorf("failed to render QR image: %w", err))
					continue
				}
				if e.events.OnQR != nil {
					e.events.OnQR("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))
				}
			}
		}
	}
}

// startPairingFlow clicks through the "link with phone number" screen and
// submits the normalized phone number.
func (e *RodEngine) startPairingFlow(phone string) error {
	page := e.currentPage()
	if page == nil {
		return ErrNotInitialized
	}

	link, err := page.Timeout(domActionTimeout).ElementR(selLinkWithPhone, "(?i)link with phone")
	if err != nil {
		return fmt.Errorf("link-with-phone control not found: %w", err)
	}
	if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to open pairing screen: %w", err)
	}

	input, err := page.Timeout(domActionTimeout).Element(selPhoneInput)
	if err != nil {
		return fmt.Errorf("phone input not found: %w", err)
	}
	if err := input.SelectAllText(); err == nil {
		_ = input.Input("")
	}
	if err := input.Input(phone); err != nil {
		return fmt.Errorf("failed to enter phone number: %w", err)
	}

	next, err := page.Timeout(domActionTimeout).ElementR("button", "(?i)next")
	if err != nil {
		return fmt.Errorf("pairing submit button not found: %w", err)
	}
	if err := next.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to request pairing code: %w", err)
	}

	return nil
}

// hookIncomingMessages exposes a Go callback to the page and attaches it
// to the web client's message store. Best effort: the internal module
// layout changes between releases.
func (e *RodEngine) hookIncomingMessages(page *rod.Page) bool {
	if e.events.OnMessage == nil {
		return true
	}

	stopExpose, err := page.Expose("__waMessageSink", func(g gson.JSON) (interface{}, error) {
		e.events.OnMessage(g.Get("from").Str(), g.Get("body").Str())
		return nil, nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("failed to expose message sink")
		return false
	}
	_ = stopExpose

	_, err = page.Eval(`() => {
		if (window.__waHooked || !window.Store || !window.Store.Msg) return false;
		window.Store.Msg.on('add', (msg) => {
			if (msg && msg.isNewMsg && !msg.id.fromMe) {
				window.__waMessageSink({ from: '' + msg.from, body: '' + (msg.body || '') });
			}
		});
		window.__waHooked = true;
		return true;
	}`)
	if err != nil {
		log.Debug().Err(err).Msg("message store hook not installed")
		return false
	}
	return true
}

// pollUnreadTitle is the fallback signal when the store hook is not
// available: the page title carries the unread count.
func (e *RodEngine) pollUnreadTitle(page *rod.Page, last int) int {
	result, err := page.Eval(`() => document.title`)
	if err != nil {
		return last
	}
	match := unreadTitleRe.FindStringSubmatch(result.Value.Str())
	if match == nil {
		return 0
	}
	var unread int
	fmt.Sscanf(match[1], "%d", &unread)
	if unread > last && e.events.OnMessage != nil {
		e.events.OnMessage("", "")
	}
	return unread
}

func (e *RodEngine) handleTransportError(err error) {
	select {
	case <-e.stop:
		return
	default:
	}
	if e.events.OnDisconnected != nil {
		e.events.OnDisconnected(err.Error())
	}
}

func (e *RodEngine) fault(err error) {
	log.Error().Err(err).Msg("automation engine fault")
	if e.events.OnFault != nil {
		e.events.OnFault(err)
	}
}

func (e *RodEngine) currentPage() *rod.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page
}

func (e *RodEngine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true
	close(e.stop)

	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			log.Warn().Err(err).Msg("browser close failed, killing launcher")
		}
		e.browser = nil
	}
	if e.launcher != nil {
		e.launcher.Kill()
		e.launcher.Cleanup()
		e.launcher = nil
	}
	e.page = nil

	log.Info().Msg("automation engine destroyed")
	return nil
}
