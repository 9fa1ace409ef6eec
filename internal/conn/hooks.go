package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
)

// ActivationHook prepares a freshly dialed client before the session goes
// live: enabling capability domains, attaching listeners, bootstrapping the
// overlay. Hooks run in order; a failed hook aborts the connect.
type ActivationHook func(ctx context.Context, client DevtoolsClient) error

// DefaultHooks is the activation set used in production.
func DefaultHooks(console *ConsoleBuffer) []ActivationHook {
	return []ActivationHook{
		EnableDomains("Page.enable", "Runtime.enable", "Log.enable"),
		CaptureConsole(console),
		InstallOverlay(),
	}
}

// EnableDomains activates the named capability domains on the target.
func EnableDomains(methods ...string) ActivationHook {
	return func(ctx context.Context, client DevtoolsClient) error {
		for _, method := range methods {
			if _, err := client.Call(ctx, method, nil); err != nil {
				return fmt.Errorf("activate %s: %w", method, err)
			}
		}
		return nil
	}
}

// CaptureConsole routes console API events from the page into buf.
func CaptureConsole(buf *ConsoleBuffer) ActivationHook {
	return func(ctx context.Context, client DevtoolsClient) error {
		client.Listen(func(ev interface{}) {
			e, ok := ev.(*runtime.EventConsoleAPICalled)
			if !ok {
				return
			}
			buf.Append(ConsoleEvent{
				Level:     string(e.Type),
				Text:      consoleText(e.Args),
				Timestamp: time.Now().UTC(),
			})
		})
		return nil
	}
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case len(arg.Value) > 0:
			parts = append(parts, string(arg.Value))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}

// overlayBootstrap installs the page-side namespace the highlight overlay
// commands drive. Idempotent across reconnects.
const overlayBootstrap = `(() => {
	if (window.__tabbridge_overlay) return "present";
	const ns = {};
	ns.box = null;
	ns.highlight = (selector) => {
		const el = document.querySelector(selector);
		if (!el) return false;
		const r = el.getBoundingClientRect();
		if (!ns.box) {
			ns.box = document.createElement("div");
			ns.box.style.cssText = "position:fixed;z-index:2147483647;pointer-events:none;border:2px solid #f60;background:rgba(255,102,0,.15)";
			document.documentElement.appendChild(ns.box);
		}
		ns.box.style.left = r.left + "px";
		ns.box.style.top = r.top + "px";
		ns.box.style.width = r.width + "px";
		ns.box.style.height = r.height + "px";
		return true;
	};
	ns.clear = () => { if (ns.box) { ns.box.remove(); ns.box = null; } return true; };
	window.__tabbridge_overlay = ns;
	return "installed";
})()`

// InstallOverlay evaluates the overlay bootstrap script in the page.
func InstallOverlay() ActivationHook {
	return func(ctx context.Context, client DevtoolsClient) error {
		params, err := json.Marshal(map[string]interface{}{
			"expression":    overlayBootstrap,
			"returnByValue": true,
		})
		if err != nil {
			return err
		}
		if _, err := client.Call(ctx, "Runtime.evaluate", params); err != nil {
			return fmt.Errorf("install overlay: %w", err)
		}
		return nil
	}
}
