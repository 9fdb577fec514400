package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"calcgate-mcp-server/internal/browser"
	"calcgate-mcp-server/internal/config"

	"github.com/go-rod/rod"
)

// PageSnapshot is what a caller gets to look at: a compressed JPEG of the
// content region plus whatever structure could be read out of the DOM. The
// hints are best-effort; the image is the contract.
type PageSnapshot struct {
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	ImageBytes []byte      `json:"-"`
	MimeType   string      `json:"mime_type"`
	Hints      []FieldHint `json:"hints,omitempty"`
}

// FieldHint describes one input group found on the page.
type FieldHint struct {
	Label   string       `json:"label"`
	Type    string       `json:"type,omitempty"`
	Options []OptionHint `json:"options,omitempty"`
}

type OptionHint struct {
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
}

// FieldAssignment pairs the visible text that locates an element with the
// value to apply. DisplayText is matched literally against the page,
// including case, whitespace and typographic characters. Look-alike
// characters that differ from what the page renders will not match.
type FieldAssignment struct {
	DisplayText string `json:"display_text"`
	TargetValue string `json:"target_value"`
}

// ExecutionResult reports what Assign did. The snapshot is always present,
// success or failure, so the caller can see the page rather than trust the
// boolean alone.
type ExecutionResult struct {
	Success   bool              `json:"success"`
	Extracted map[string]string `json:"extracted,omitempty"`
	Unmatched []string          `json:"unmatched,omitempty"`
	Snapshot  *PageSnapshot     `json:"-"`
}

// Engine drives pages through the session manager. It is mechanical: it
// matches what it is told to match and reports what it saw, with no
// interpretation of page content.
type Engine struct {
	sessions *browser.Manager
	cfg      config.BrowserConfig
}

func New(sessions *browser.Manager, cfg config.BrowserConfig) *Engine {
	return &Engine{sessions: sessions, cfg: cfg}
}

// Inspect navigates to url and captures a snapshot with field hints. It has
// no side effects on page state; inspecting twice yields the same page.
func (e *Engine) Inspect(ctx context.Context, identity browser.Identity, url string) (*PageSnapshot, error) {
	var snap *PageSnapshot
	err := e.sessions.WithPage(ctx, identity, url, func(page *rod.Page) error {
		e.waitReady(page)

		var err error
		snap, err = e.snapshot(page)
		return err
	})
	if err != nil {
		return nil, asUnreachable(err, url)
	}
	return snap, nil
}

// Assign applies field assignments to the page at url, triggers submission,
// and captures the outcome. Assignments that match nothing are collected in
// Unmatched while the rest are still applied. The returned snapshot is taken
// after submission no matter what happened before it.
func (e *Engine) Assign(ctx context.Context, identity browser.Identity, url string, assignments []FieldAssignment) (*ExecutionResult, error) {
	result := &ExecutionResult{}
	err := e.sessions.WithPage(ctx, identity, url, func(page *rod.Page) error {
		e.waitReady(page)

		for _, a := range assignments {
			matched, err := e.applyAssignment(page, a)
			if err != nil {
				log.Printf("assignment %q failed: %v", a.DisplayText, err)
			}
			if !matched {
				result.Unmatched = append(result.Unmatched, a.DisplayText)
			}
		}

		e.submit(page)
		e.waitResults(page)

		result.Extracted = extractResults(page.Timeout(e.cfg.GetReadyTimeout()))
		result.Success = len(result.Unmatched) == 0 && len(result.Extracted) > 0

		snap, err := e.snapshot(page)
		if err != nil {
			return err
		}
		result.Snapshot = snap
		return nil
	})
	if err != nil {
		return nil, asUnreachable(err, url)
	}
	return result, nil
}

// Extract reads the result region of the page at url without touching any
// inputs.
func (e *Engine) Extract(ctx context.Context, identity browser.Identity, url string) (map[string]string, error) {
	var extracted map[string]string
	err := e.sessions.WithPage(ctx, identity, url, func(page *rod.Page) error {
		e.waitReady(page)
		extracted = extractResults(page.Timeout(e.cfg.GetReadyTimeout()))
		return nil
	})
	if err != nil {
		return nil, asUnreachable(err, url)
	}
	return extracted, nil
}

// waitReady blocks until the page has loaded and the DOM has settled, or
// the ready ceiling passes. Pages that keep mutating forever still proceed.
func (e *Engine) waitReady(page *rod.Page) {
	bounded := page.Timeout(e.cfg.GetReadyTimeout())
	if err := bounded.WaitLoad(); err != nil {
		log.Printf("warning: load wait: %v", err)
	}
	if err := bounded.WaitDOMStable(300*time.Millisecond, 0); err != nil {
		log.Printf("warning: DOM stability wait: %v", err)
	}
}

// applyAssignment locates the element named by a.DisplayText and either
// fills it or clicks it. Matching is strict equality in page JS: the label
// text, the clickable's own text, then a data-attribute hint, in that order.
func (e *Engine) applyAssignment(page *rod.Page, a FieldAssignment) (bool, error) {
	res, err := page.Timeout(e.cfg.GetFieldTimeout()).Evaluate(&rod.EvalOptions{
		JS: `
		(display, value) => {
			const apply = (el) => {
				const tag = el.tagName.toLowerCase();
				if (tag === 'input' || tag === 'textarea' || tag === 'select') {
					el.value = value;
					el.dispatchEvent(new Event('input', { bubbles: true }));
					el.dispatchEvent(new Event('change', { bubbles: true }));
					return 'filled';
				}
				el.click();
				return 'clicked';
			};

			for (const label of document.querySelectorAll('label')) {
				if (label.textContent !== display) continue;
				let field = label.htmlFor ? document.getElementById(label.htmlFor) : null;
				if (!field) field = label.querySelector('input, textarea, select');
				if (field) return apply(field);
			}

			const clickables = document.querySelectorAll(
				'button, [role="button"], a, li, div[class*="option"], span[class*="option"]');
			for (const el of clickables) {
				if (el.textContent === display) return apply(el);
			}

			for (const el of document.querySelectorAll('[data-label], [data-option], [data-value]')) {
				const d = el.dataset;
				if (d.label === display || d.option === display || d.value === display) {
					return apply(el);
				}
			}
			return '';
		}
		`,
		JSArgs:       []interface{}{a.DisplayText, a.TargetValue},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return false, err
	}
	return res.Value.Str() != "", nil
}

// submit triggers the page's submission control when one exists. Strategies
// are tried in order and the first hit wins; pages that recalculate on every
// input have no such control, which is fine.
func (e *Engine) submit(page *rod.Page) {
	res, err := page.Timeout(e.cfg.GetFieldTimeout()).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const explicit = document.querySelector('button[type="submit"], input[type="submit"]');
			if (explicit) { explicit.click(); return 'submit'; }

			const words = /^(calculate|submit|next|continue)$/i;
			for (const btn of document.querySelectorAll('button, [role="button"]')) {
				if (words.test(btn.textContent.trim())) { btn.click(); return 'button'; }
			}

			const form = document.querySelector('form');
			if (form && typeof form.requestSubmit === 'function') {
				form.requestSubmit();
				return 'form';
			}
			return '';
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		log.Printf("warning: submit affordance search: %v", err)
		return
	}
	if via := res.Value.Str(); via != "" {
		log.Printf("submitted via %s affordance", via)
	}
}

// waitResults polls for a results region until the submit window closes.
// Expiry is not an error: the post-submission snapshot shows whatever state
// the page reached.
func (e *Engine) waitResults(page *rod.Page) {
	deadline := time.Now().Add(e.cfg.GetSubmitTimeout())
	for time.Now().Before(deadline) {
		res, err := page.Timeout(time.Until(deadline)).Evaluate(&rod.EvalOptions{
			JS: `
			() => !!document.querySelector(
				'div[class*="result"], [class*="score"], [class*="answer"], output')
			`,
			ByValue: true,
		})
		if err == nil && res.Value.Bool() {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// snapshot captures the content region and reads field hints in one pass.
// Every call against the page carries the ready ceiling so a wedged renderer
// cannot hang the operation.
func (e *Engine) snapshot(page *rod.Page) (*PageSnapshot, error) {
	bounded := page.Timeout(e.cfg.GetReadyTimeout())

	info, err := bounded.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}

	img, err := captureContent(bounded)
	if err != nil {
		return nil, fmt.Errorf("capture content: %w", err)
	}
	if len(img) == 0 {
		return nil, newError(KindTargetUnreachable, "empty capture for %s", info.URL)
	}

	return &PageSnapshot{
		Title:      info.Title,
		URL:        info.URL,
		ImageBytes: img,
		MimeType:   "image/jpeg",
		Hints:      readFieldHints(bounded),
	}, nil
}

// readFieldHints lists option groups and labeled inputs. Heavily scripted
// pages may yield nothing here; the snapshot image still carries the full
// picture.
func readFieldHints(page *rod.Page) []FieldHint {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const groups = [];

			for (const container of document.querySelectorAll('div')) {
				const options = container.querySelectorAll('div[class*="calc_option"]');
				if (options.length < 2) continue;

				let label = null;
				for (const child of container.children) {
					if (child.children.length === 0 && !child.className.includes('calc_option')) {
						const text = child.textContent.trim();
						if (text && text.length < 100) { label = text; break; }
					}
				}
				if (!label || groups.some(g => g.label === label)) continue;

				groups.push({
					label,
					options: Array.from(options).map(opt => ({
						text: opt.textContent.trim(),
						selected: opt.className.includes('selected'),
					})),
				});
			}

			for (const input of document.querySelectorAll('input[type="number"], input[type="text"]')) {
				let label = null;
				if (input.id) {
					const el = document.querySelector('label[for="' + input.id + '"]');
					if (el) label = el.textContent.trim();
				}
				if (!label && input.labels && input.labels.length > 0) {
					label = input.labels[0].textContent.trim();
				}
				if (!label || groups.some(g => g.label === label)) continue;
				groups.push({ label, type: input.type, options: [] });
			}

			return groups;
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		log.Printf("warning: field hint scan: %v", err)
		return nil
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil
	}
	var hints []FieldHint
	if err := json.Unmarshal(raw, &hints); err != nil {
		log.Printf("warning: decode field hints: %v", err)
		return nil
	}
	return hints
}

// extractResults reads the fixed result regions: primary value, category
// label, explanatory text. Each slot takes its first matching element;
// absent slots are simply omitted.
func extractResults(page *rod.Page) map[string]string {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const firstMatch = (regex, maxLen) => {
				for (const el of document.querySelectorAll('*')) {
					if (el.children.length > 3) continue;
					const text = el.textContent || '';
					if (text.length > maxLen) continue;
					if (regex.test(text)) return text.trim();
				}
				return null;
			};

			const out = {};
			const score = firstMatch(/\d+\s*points?/, 80);
			if (score) out.score = score;
			const risk = firstMatch(/[Rr]isk.*%/, 200);
			if (risk) out.risk = risk;
			const interpretation = firstMatch(/(Low|Moderate|High)\s+(Score|Risk)/, 300);
			if (interpretation) out.interpretation = interpretation;
			return out;
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		log.Printf("warning: result extraction: %v", err)
		return nil
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil
	}
	var extracted map[string]string
	if err := json.Unmarshal(raw, &extracted); err != nil {
		return nil
	}
	if len(extracted) == 0 {
		return nil
	}
	return extracted
}

// asUnreachable wraps navigation and session failures as target_unreachable
// unless they already carry a kind.
func asUnreachable(err error, url string) error {
	if err == nil {
		return nil
	}
	var kindErr *Error
	if errors.As(err, &kindErr) {
		return err
	}
	return newError(KindTargetUnreachable, "%s: %v", url, err)
}
