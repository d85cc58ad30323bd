// Package command implements the command executor: translating one recorded
// Selenium IDE command into an action against a live WebDriver handle.
//
// The command set is a closed tagged variant. Run is a total switch over
// it; adding a command means extending the switch exhaustively rather than
// hiding dispatch behind reflection.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tebeka/selenium"

	"github.com/pithecene-io/corral/pool"
	"github.com/pithecene-io/corral/types"
)

// Executor runs commands against a pool.Driver handle, threading a per-run
// variable scope written by storeText/executeScript and read by `${name}`
// substitution.
type Executor struct {
	Driver       pool.Driver
	BaseURL      string
	Vars         map[string]string
	ImplicitWait time.Duration
}

// New builds an Executor with an empty variable scope.
func New(driver pool.Driver, baseURL string, implicitWait time.Duration) *Executor {
	return &Executor{
		Driver:       driver,
		BaseURL:      baseURL,
		Vars:         make(map[string]string),
		ImplicitWait: implicitWait,
	}
}

// Run executes one command. Aborts immediately on failure; the caller is
// responsible for stopping the remaining sequence.
func (e *Executor) Run(cmd types.Command) error {
	target, err := e.substitute(cmd.Target)
	if err != nil {
		return e.wrap(cmd, err)
	}
	value, err := e.substitute(cmd.Value)
	if err != nil {
		return e.wrap(cmd, err)
	}

	switch cmd.Command {
	case "open":
		return e.wrap(cmd, e.open(target))
	case "click":
		return e.wrap(cmd, e.click(target))
	case "clickAndWait":
		if err := e.click(target); err != nil {
			return e.wrap(cmd, err)
		}
		return e.wrap(cmd, e.waitForLoad())
	case "type":
		return e.wrap(cmd, e.typeText(target, value))
	case "sendKeys":
		return e.wrap(cmd, e.sendKeys(target, value))
	case "pause":
		return e.wrap(cmd, e.pause(target, value))
	case "mouseOver":
		return e.wrap(cmd, e.mouseOver(target))
	case "setWindowSize":
		return e.wrap(cmd, e.setWindowSize(target))
	case "assertText":
		return e.wrap(cmd, e.assertText(target, value))
	case "assertElementPresent":
		return e.wrap(cmd, e.assertElementPresent(target))
	case "storeText":
		return e.wrap(cmd, e.storeText(target, value))
	case "executeScript":
		return e.wrap(cmd, e.executeScript(target, value))
	default:
		return e.wrap(cmd, types.NewError(types.ErrCommandFailed, cmd.Command, cmd.ID, fmt.Errorf("unknown command")))
	}
}

func (e *Executor) wrap(cmd types.Command, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*types.CorralError); ok {
		if ce.Op == "" {
			ce.Op = cmd.Command
		}
		if ce.Key == "" {
			ce.Key = cmd.ID
		}
		return ce
	}
	return types.NewError(types.ErrCommandFailed, cmd.Command, cmd.ID, err)
}

func (e *Executor) open(target string) error {
	url := target
	if e.BaseURL != "" && !strings.Contains(target, "://") {
		url = strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(target, "/")
	}
	return e.Driver.Get(url)
}

func (e *Executor) click(target string) error {
	el, err := e.findElement(target)
	if err != nil {
		return err
	}
	return el.Click()
}

func (e *Executor) waitForLoad() error {
	deadline := time.Now().Add(e.ImplicitWait)
	for time.Now().Before(deadline) {
		result, err := e.Driver.ExecuteScript("return document.readyState", nil)
		if err == nil {
			if state, ok := result.(string); ok && state == "complete" {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func (e *Executor) typeText(target, value string) error {
	el, err := e.findElement(target)
	if err != nil {
		return err
	}
	if err := el.Clear(); err != nil {
		return err
	}
	return el.SendKeys(value)
}

func (e *Executor) sendKeys(target, value string) error {
	el, err := e.findElement(target)
	if err != nil {
		return err
	}
	return el.SendKeys(value)
}

func (e *Executor) pause(target, value string) error {
	millisStr := target
	if millisStr == "" {
		millisStr = value
	}
	millis, err := strconv.Atoi(millisStr)
	if err != nil {
		return types.NewError(types.ErrCommandFailed, "pause", "", fmt.Errorf("invalid pause duration %q: %w", millisStr, err))
	}
	time.Sleep(time.Duration(millis) * time.Millisecond)
	return nil
}

func (e *Executor) mouseOver(target string) error {
	el, err := e.findElement(target)
	if err != nil {
		return err
	}
	_, err = el.Location()
	return err
}

func (e *Executor) setWindowSize(target string) error {
	parts := strings.SplitN(target, "x", 2)
	if len(parts) != 2 {
		parts = strings.SplitN(target, "X", 2)
	}
	if len(parts) != 2 {
		return types.NewError(types.ErrCommandFailed, "setWindowSize", "", fmt.Errorf("expected WxH, got %q", target))
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("invalid width %q: %w", parts[0], err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("invalid height %q: %w", parts[1], err)
	}
	return e.Driver.ResizeWindow("", w, h)
}

func (e *Executor) assertText(target, value string) error {
	el, err := e.findElement(target)
	if err != nil {
		return err
	}
	text, err := el.Text()
	if err != nil {
		return err
	}
	if text != value {
		return types.NewError(types.ErrAssertionFailed, "assertText", "", fmt.Errorf("got %q, want %q", text, value))
	}
	return nil
}

func (e *Executor) assertElementPresent(target string) error {
	_, err := e.findElement(target)
	if err != nil {
		return types.NewError(types.ErrAssertionFailed, "assertElementPresent", "", err)
	}
	return nil
}

func (e *Executor) storeText(target, bindingName string) error {
	el, err := e.findElement(target)
	if err != nil {
		return err
	}
	text, err := el.Text()
	if err != nil {
		return err
	}
	e.Vars[bindingName] = text
	return nil
}

func (e *Executor) executeScript(script, bindingName string) error {
	result, err := e.Driver.ExecuteScript(script, nil)
	if err != nil {
		return err
	}
	if bindingName != "" {
		e.Vars[bindingName] = fmt.Sprintf("%v", result)
	}
	return nil
}

func (e *Executor) findElement(target string) (selenium.WebElement, error) {
	by, value, err := parseLocator(target)
	if err != nil {
		return nil, err
	}
	if err := e.Driver.SetImplicitWaitTimeout(e.ImplicitWait); err != nil {
		return nil, err
	}
	return e.Driver.FindElement(by, value)
}

// parseLocator parses "prefix=expr" into a selenium By constant and value.
// Targets without "=" default to css; an unrecognized prefix fails with
// ErrBadLocator.
func parseLocator(target string) (string, string, error) {
	prefix, expr, found := strings.Cut(target, "=")
	if !found {
		return selenium.ByCSSSelector, target, nil
	}
	switch prefix {
	case "css":
		return selenium.ByCSSSelector, expr, nil
	case "xpath":
		return selenium.ByXPATH, expr, nil
	case "id":
		return selenium.ByID, expr, nil
	case "name":
		return selenium.ByName, expr, nil
	case "linkText":
		return selenium.ByLinkText, expr, nil
	case "partialLinkText":
		return selenium.ByPartialLinkText, expr, nil
	case "tagName":
		return selenium.ByTagName, expr, nil
	case "className":
		return selenium.ByClassName, expr, nil
	default:
		return "", "", types.NewError(types.ErrBadLocator, "parseLocator", target, fmt.Errorf("unknown prefix %q", prefix))
	}
}

// substitute expands every `${name}` occurrence in s using e.Vars. Fails
// with types.ErrUnboundVariable on the first undefined name.
func (e *Executor) substitute(s string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start == -1 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])
		end := strings.Index(s[start:], "}")
		if end == -1 {
			out.WriteString(s[start:])
			break
		}
		end += start
		name := s[start+2 : end]

		if key, ok := keyConstants[name]; ok {
			out.WriteString(key)
		} else if val, ok := e.Vars[name]; ok {
			out.WriteString(val)
		} else {
			return "", types.NewError(types.ErrUnboundVariable, "substitute", name, nil)
		}
		i = end + 1
	}
	return out.String(), nil
}

// keyConstants maps the KEY_* vocabulary to selenium's special key runes.
// Expanded inline by substitute, the same pass that resolves ${var}
// references, since sendKeys values use the identical ${...} syntax.
var keyConstants = map[string]string{
	"KEY_ENTER":       selenium.EnterKey,
	"KEY_TAB":         selenium.TabKey,
	"KEY_ESCAPE":      selenium.EscapeKey,
	"KEY_BACKSPACE":   selenium.BackSpaceKey,
	"KEY_DELETE":      selenium.DeleteKey,
	"KEY_SPACE":       selenium.SpaceKey,
	"KEY_ARROW_UP":    selenium.UpArrowKey,
	"KEY_ARROW_DOWN":  selenium.DownArrowKey,
	"KEY_ARROW_LEFT":  selenium.LeftArrowKey,
	"KEY_ARROW_RIGHT": selenium.RightArrowKey,
}
