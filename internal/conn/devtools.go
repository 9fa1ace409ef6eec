package conn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/mailru/easyjson"

	"tabbridge/internal/protocol"
)

// DevtoolsClient is the external remote-debugging client wrapped by a
// Session. The production implementation rides on chromedp; tests substitute
// fakes.
type DevtoolsClient interface {
	// Call performs one raw protocol method invocation. Not safe for
	// concurrent use; the bridge serializes callers.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Targets lists the debuggable targets known to the endpoint.
	Targets(ctx context.Context) ([]*target.Info, error)

	// Listen attaches an event listener for the lifetime of the client.
	Listen(fn func(ev interface{}))

	Close() error
}

// chromeClient drives one browser tab over the DevTools protocol via a
// chromedp remote allocator.
type chromeClient struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// DialChrome attaches to a running browser's debugging endpoint and binds a
// tab context. An empty targetID attaches to whatever page target chromedp
// picks first.
func DialChrome(ctx context.Context, cfg Config) (DevtoolsClient, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cfg.DevtoolsURL)

	var opts []chromedp.ContextOption
	if cfg.TargetID != "" {
		opts = append(opts, chromedp.WithTargetID(target.ID(cfg.TargetID)))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, opts...)

	dialCtx := tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}

	// Run with no actions forces the websocket connection and target attach.
	if err := chromedp.Run(dialCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, protocol.NewConnectionError(protocol.CodeConnectFailed,
			fmt.Sprintf("dial %s: %v", cfg.DevtoolsURL, err),
			map[string]interface{}{"devtools_url": cfg.DevtoolsURL})
	}

	return &chromeClient{allocCancel: allocCancel, tabCtx: tabCtx, tabCancel: tabCancel}, nil
}

func (c *chromeClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	runCtx := c.tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(c.tabCtx, deadline)
		defer cancel()
	}

	var res easyjson.RawMessage
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		var in easyjson.Marshaler
		if len(params) > 0 {
			raw := easyjson.RawMessage(params)
			in = &raw
		}
		return cdp.Execute(actionCtx, method, in, &res)
	}))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res), nil
}

func (c *chromeClient) Targets(ctx context.Context) ([]*target.Info, error) {
	return chromedp.Targets(c.tabCtx)
}

func (c *chromeClient) Listen(fn func(ev interface{})) {
	chromedp.ListenTarget(c.tabCtx, fn)
}

func (c *chromeClient) Close() error {
	c.tabCancel()
	c.allocCancel()
	return nil
}
