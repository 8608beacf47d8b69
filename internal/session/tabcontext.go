package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tabmux/tabmux/internal/model"
)

// TabContext exposes the safe per-tab operations while its tab's lock is
// held. It is handed to the function passed to WithTab and invalidated when
// that function returns; using it afterwards is an error, never an engine
// call.
type TabContext struct {
	session *Session
	entry   *tabEntry
	valid   bool
}

// Name returns the tab this context is bound to.
func (tc *TabContext) Name() string { return tc.entry.name }

func (tc *TabContext) check() error {
	if !tc.valid {
		return fmt.Errorf("tab context for %q used after release", tc.entry.name)
	}
	return nil
}

// fail records op failures: errors that poison the browsing context mark
// the tab Broken so later calls fail fast instead of retrying a corrupted
// session.
func (tc *TabContext) fail(err error) error {
	if errIsSessionFatal(err) {
		tc.session.markBroken(tc.entry.name, err.Error())
	}
	return err
}

// Navigate loads url in this tab.
func (tc *TabContext) Navigate(ctx context.Context, url string) error {
	if err := tc.check(); err != nil {
		return err
	}
	if err := tc.session.driver.Navigate(ctx, url); err != nil {
		return tc.fail(err)
	}
	tc.session.mu.Lock()
	tc.entry.lastURL = url
	tc.session.mu.Unlock()
	return nil
}

// CurrentURL reports the tab's current URL.
func (tc *TabContext) CurrentURL(ctx context.Context) (string, error) {
	if err := tc.check(); err != nil {
		return "", err
	}
	url, err := tc.session.driver.CurrentURL(ctx)
	if err != nil {
		return "", tc.fail(err)
	}
	return url, nil
}

// Evaluate runs a script in the page and returns its JSON result.
func (tc *TabContext) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	if err := tc.check(); err != nil {
		return nil, err
	}
	result, err := tc.session.driver.Execute(ctx, script, nil)
	if err != nil {
		return nil, tc.fail(err)
	}
	return result, nil
}

// SetViewport stores and immediately applies a viewport override for this
// tab. The override is re-applied on every later switch to the tab.
func (tc *TabContext) SetViewport(ctx context.Context, v model.ViewportSize) error {
	if err := tc.check(); err != nil {
		return err
	}
	tc.session.mu.Lock()
	tc.entry.viewport = &v
	tc.session.mu.Unlock()
	if err := tc.session.applyViewport(ctx, v); err != nil {
		return tc.fail(err)
	}
	return nil
}

// resolve finds the elements for selector and applies index/expectOne
// selection semantics.
func (tc *TabContext) resolve(ctx context.Context, selector string, index int, expectOne bool) ([]string, error) {
	ids, err := tc.session.driver.FindElements(ctx, selector)
	if err != nil {
		return nil, tc.fail(err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no elements found matching selector: %s", selector)
	}
	if expectOne && len(ids) > 1 {
		return nil, fmt.Errorf("expected exactly one element matching %q, found %d", selector, len(ids))
	}
	if index >= 0 {
		if index >= len(ids) {
			return nil, fmt.Errorf("element index %d out of range: %q matched %d elements", index, selector, len(ids))
		}
		return ids[index : index+1], nil
	}
	return ids, nil
}

// Click clicks the element matching selector. index selects among multiple
// matches; negative means the first.
func (tc *TabContext) Click(ctx context.Context, selector string, index int) error {
	if err := tc.check(); err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	ids, err := tc.resolve(ctx, selector, index, false)
	if err != nil {
		return err
	}
	if err := tc.session.driver.ClickElement(ctx, ids[0]); err != nil {
		return tc.fail(err)
	}
	return nil
}

// Type sends text to the element matching selector, clearing it first when
// clear is set.
func (tc *TabContext) Type(ctx context.Context, selector, text string, clear bool) error {
	if err := tc.check(); err != nil {
		return err
	}
	ids, err := tc.resolve(ctx, selector, 0, false)
	if err != nil {
		return err
	}
	if clear {
		if err := tc.session.driver.ClearElement(ctx, ids[0]); err != nil {
			return tc.fail(err)
		}
	}
	if err := tc.session.driver.SendKeys(ctx, ids[0], text); err != nil {
		return tc.fail(err)
	}
	return nil
}

// Text returns the rendered text of the first element matching selector.
func (tc *TabContext) Text(ctx context.Context, selector string) (string, error) {
	if err := tc.check(); err != nil {
		return "", err
	}
	ids, err := tc.resolve(ctx, selector, 0, false)
	if err != nil {
		return "", err
	}
	text, err := tc.session.driver.ElementText(ctx, ids[0])
	if err != nil {
		return "", tc.fail(err)
	}
	return text, nil
}

// Inspect returns position, size and text for elements matching selector.
// With all unset, only the element chosen by index (default first) is
// returned; expectOne fails when the selector is ambiguous.
func (tc *TabContext) Inspect(ctx context.Context, selector string, all bool, index int, expectOne bool) ([]model.ElementInfo, error) {
	if err := tc.check(); err != nil {
		return nil, err
	}
	if !all && index < 0 {
		index = 0
	}
	if all {
		index = -1
	}
	ids, err := tc.resolve(ctx, selector, index, expectOne)
	if err != nil {
		return nil, err
	}
	infos := make([]model.ElementInfo, 0, len(ids))
	for i, id := range ids {
		rect, err := tc.session.driver.ElementRect(ctx, id)
		if err != nil {
			return nil, tc.fail(err)
		}
		text, err := tc.session.driver.ElementText(ctx, id)
		if err != nil {
			return nil, tc.fail(err)
		}
		infos = append(infos, model.ElementInfo{
			Selector: selector,
			Index:    i,
			X:        rect.X,
			Y:        rect.Y,
			Width:    rect.Width,
			Height:   rect.Height,
			Text:     text,
		})
	}
	return infos, nil
}

const scrollByScript = `window.scrollBy(arguments[0], arguments[1]); return null;`

const scrollToElementScript = `
var el = document.querySelector(arguments[0]);
if (!el) { return false; }
el.scrollIntoView({block: 'center'});
return true;
`

const scrollToEdgeScript = `
if (arguments[0] === 'top') { window.scrollTo(0, 0); }
else { window.scrollTo(0, document.body.scrollHeight); }
return null;
`

// Scroll scrolls the page: to "top"/"bottom", to the element matching
// selector, or by the given pixel offsets.
func (tc *TabContext) Scroll(ctx context.Context, selector string, byX, byY int, to string) error {
	if err := tc.check(); err != nil {
		return err
	}
	switch {
	case to == "top" || to == "bottom":
		if _, err := tc.session.driver.Execute(ctx, scrollToEdgeScript, []any{to}); err != nil {
			return tc.fail(err)
		}
	case selector != "":
		result, err := tc.session.driver.Execute(ctx, scrollToElementScript, []any{selector})
		if err != nil {
			return tc.fail(err)
		}
		var found bool
		if json.Unmarshal(result, &found) == nil && !found {
			return fmt.Errorf("no elements found matching selector: %s", selector)
		}
	default:
		if _, err := tc.session.driver.Execute(ctx, scrollByScript, []any{byX, byY}); err != nil {
			return tc.fail(err)
		}
	}
	return nil
}

// findTextScript walks the DOM for elements whose direct text contains the
// query, reporting a best-effort selector and geometry for each match.
const findTextScript = `
var query = arguments[0], limit = arguments[1];
var matches = [];
var walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
while (matches.length < limit) {
	var node = walker.nextNode();
	if (!node) { break; }
	if (node.textContent.indexOf(query) === -1) { continue; }
	var el = node.parentElement;
	if (!el) { continue; }
	var rect = el.getBoundingClientRect();
	var sel = el.tagName.toLowerCase();
	if (el.id) { sel += '#' + el.id; }
	matches.push({
		selector: sel,
		text: node.textContent.trim(),
		x: rect.x, y: rect.y, width: rect.width, height: rect.height
	});
}
return matches;
`

// FindText returns elements whose text contains query, up to limit matches.
func (tc *TabContext) FindText(ctx context.Context, query string, limit int) ([]model.ElementInfo, error) {
	if err := tc.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	raw, err := tc.session.driver.Execute(ctx, findTextScript, []any{query, limit})
	if err != nil {
		return nil, tc.fail(err)
	}
	var matches []model.ElementInfo
	if err := json.Unmarshal(raw, &matches); err != nil {
		return nil, fmt.Errorf("decode text matches: %w", err)
	}
	for i := range matches {
		matches[i].Index = i
	}
	return matches, nil
}
