package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"calcgate-mcp-server/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Identity names a browser context profile. Public contexts carry no
// credentials; authenticated contexts are seeded from the stored sign-in
// state so pages render without paywalls or login prompts.
type Identity string

const (
	IdentityPublic        Identity = "public"
	IdentityAuthenticated Identity = "authenticated"
)

// slotAcquireTimeout bounds how long a caller may queue for an automation
// slot. It exceeds the worst-case single operation (navigate + ready +
// submit waits) so healthy queues drain, but a stuck one still unwinds.
const slotAcquireTimeout = time.Minute

// StorageState mirrors the JSON produced by a recorded sign-in: cookies plus
// per-origin localStorage entries.
type StorageState struct {
	Cookies []StoredCookie `json:"cookies"`
	Origins []StoredOrigin `json:"origins"`
}

type StoredCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

type StoredOrigin struct {
	Origin       string `json:"origin"`
	LocalStorage []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"localStorage"`
}

// identityContext is one incognito browser context and the serialization
// lock that keeps concurrent operations from fighting over its pages. Health
// is tracked by map membership under Manager.mu: a broken context is removed
// via discardContext, never flagged in place.
type identityContext struct {
	id       string
	browser  *rod.Browser
	mu       sync.Mutex
	created  time.Time
	lastUsed time.Time
}

// Manager owns the Chrome instance and hands out pages bound to an identity.
// Operations against the same identity run one at a time; distinct identities
// proceed in parallel, capped by a global concurrency limit.
type Manager struct {
	cfg   config.BrowserConfig
	slots *semaphore.Weighted

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	contexts   map[Identity]*identityContext
	state      *StorageState
}

func NewManager(cfg config.BrowserConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.GetMaxConcurrent())),
		contexts: make(map[Identity]*identityContext),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's
// launcher, and loads the recorded sign-in state once for the lifetime of
// the process.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// If we already have a browser, verify it's still alive.
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.contexts = make(map[Identity]*identityContext)
	}

	if m.state == nil && m.cfg.AuthState != "" {
		state, err := loadStorageState(m.cfg.AuthState)
		if err != nil {
			return fmt.Errorf("load auth state: %w", err)
		}
		m.state = state
		log.Printf("Loaded sign-in state: %d cookies, %d origins", len(state.Cookies), len(state.Origins))
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		// No explicit endpoint or binary: let Rod's launcher find Chrome.
		url, err := launcher.New().Headless(m.cfg.IsHeadless()).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes every identity context and the underlying browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity, ic := range m.contexts {
		if ic.browser != nil {
			_ = ic.browser.Close()
		}
		delete(m.contexts, identity)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

// WithPage opens a page for the given identity at url, runs fn against it,
// and closes the page. The identity context is serialized: a second caller
// on the same identity blocks until the first finishes. The global slot
// limit bounds how many pages are open across all identities.
func (m *Manager) WithPage(ctx context.Context, identity Identity, url string, fn func(page *rod.Page) error) error {
	// The queue wait is bounded even when the caller's context never
	// expires; a wedged operation must not park everyone behind it forever.
	acquireCtx, cancel := context.WithTimeout(ctx, slotAcquireTimeout)
	defer cancel()
	if err := m.slots.Acquire(acquireCtx, 1); err != nil {
		return fmt.Errorf("acquire browser slot: %w", err)
	}
	defer m.slots.Release(1)

	// One retry with a fresh context covers a crashed renderer.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ic, err := m.contextFor(identity)
		if err != nil {
			return err
		}

		ic.mu.Lock()
		page, err := m.openPage(ctx, ic, identity, url)
		if err != nil {
			ic.mu.Unlock()
			m.discardContext(identity)
			lastErr = err
			continue
		}

		ic.lastUsed = time.Now()
		err = fn(page)
		_ = page.Close()
		ic.mu.Unlock()
		return err
	}
	return lastErr
}

// contextFor returns the live context for an identity, creating one on first
// use or after a crash teardown.
func (m *Manager) contextFor(identity Identity) (*identityContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ic, ok := m.contexts[identity]; ok {
		return ic, nil
	}

	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	ic := &identityContext{
		id:      uuid.NewString(),
		browser: incognito,
		created: time.Now(),
	}
	m.contexts[identity] = ic
	log.Printf("Created %s browser context %s", identity, ic.id)
	return ic, nil
}

// discardContext tears down an identity context so the next operation gets
// a fresh one.
func (m *Manager) discardContext(identity Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.contexts[identity]
	if !ok {
		return
	}
	if ic.browser != nil {
		_ = ic.browser.Close()
	}
	delete(m.contexts, identity)
	log.Printf("Discarded %s browser context %s", identity, ic.id)
}

func (m *Manager) openPage(ctx context.Context, ic *identityContext, identity Identity, url string) (*rod.Page, error) {
	page, err := ic.browser.Timeout(m.cfg.GetNavigationTimeout()).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(ctx)
	setup := page.Timeout(m.cfg.GetNavigationTimeout())

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(setup); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	if identity == IdentityAuthenticated && m.state != nil {
		if err := m.applyStorageState(setup); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("apply sign-in state: %w", err)
		}
	}

	if err := setup.Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	return page, nil
}

// applyStorageState restores cookies immediately and arranges for each
// origin's localStorage entries to be written before any page script runs.
func (m *Manager) applyStorageState(page *rod.Page) error {
	params := make([]*proto.NetworkCookieParam, 0, len(m.state.Cookies))
	for _, c := range m.state.Cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: cookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	if len(params) > 0 {
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}

	for _, origin := range m.state.Origins {
		if len(origin.LocalStorage) == 0 {
			continue
		}
		entries := make(map[string]string, len(origin.LocalStorage))
		for _, kv := range origin.LocalStorage {
			entries[kv.Name] = kv.Value
		}
		encoded, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode storage for %s: %w", origin.Origin, err)
		}
		script := fmt.Sprintf(`
		(() => {
			try {
				if (location.origin === %q) {
					const entries = JSON.parse(%q);
					Object.entries(entries).forEach(([k, v]) => {
						try { localStorage.setItem(k, v); } catch (e) {}
					});
				}
			} catch (e) {}
		})()`, origin.Origin, string(encoded))
		// Inject for every document so the entries exist before app code runs.
		if _, err := page.EvalOnNewDocument(script); err != nil {
			return fmt.Errorf("install storage for %s: %w", origin.Origin, err)
		}
	}
	return nil
}

func cookieSameSite(v string) proto.NetworkCookieSameSite {
	switch strings.ToLower(v) {
	case "strict":
		return proto.NetworkCookieSameSiteStrict
	case "none":
		return proto.NetworkCookieSameSiteNone
	case "lax":
		return proto.NetworkCookieSameSiteLax
	default:
		return ""
	}
}

// loadStorageState reads a recorded sign-in state file.
func loadStorageState(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &state, nil
}
