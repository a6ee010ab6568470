package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"shotsched/internal/tasks"
	logx "shotsched/pkg/logx"
)

var browserCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless_shell",
}

// ErrNoBrowser means no browser binary was configured or found on PATH.
var ErrNoBrowser = errors.New("no headless browser found")

// shootFunc renders t and returns the encoded PNG.
type shootFunc func(ctx context.Context, t tasks.Task) ([]byte, error)

// Browser drives a headless Chromium-family binary over the DevTools
// protocol. Every Execute starts a fresh browser process.
type Browser struct {
	cfg   Config
	log   logx.Logger
	bin   string
	now   func() time.Time
	shoot shootFunc
}

// NewBrowser resolves the browser binary once. An explicit BrowserPath must
// exist; otherwise PATH is searched for the usual names.
func NewBrowser(cfg Config, log logx.Logger) (*Browser, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if strings.TrimSpace(cfg.OutputDirectory) == "" {
		cfg.OutputDirectory = DefaultOutputDirectory()
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = tasks.DefaultWidth
	}
	if cfg.DefaultHeight <= 0 {
		cfg.DefaultHeight = tasks.DefaultHeight
	}

	bin, err := findBrowser(cfg.BrowserPath)
	if err != nil {
		return nil, err
	}
	b := &Browser{cfg: cfg, log: log.With(logx.String("comp", "capture")), bin: bin, now: time.Now}
	b.shoot = b.devtools
	return b, nil
}

func findBrowser(explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return exec.LookPath(p)
	}
	for _, name := range browserCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrNoBrowser
}

func (b *Browser) Binary() string { return b.bin }

// Execute writes <output>/<id>_<timestamp>.png. The navigation timeout bounds
// browser start, page load, the network-idle wait and the screenshot.
func (b *Browser) Execute(ctx context.Context, t tasks.Task) (bool, error) {
	if t.Width <= 0 {
		t.Width = b.cfg.DefaultWidth
	}
	if t.Height <= 0 {
		t.Height = b.cfg.DefaultHeight
	}
	dir := strings.TrimSpace(t.OutputPath)
	if dir == "" {
		dir = b.cfg.OutputDirectory
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create output dir: %w", err)
	}
	file, err := filepath.Abs(filepath.Join(dir, FileName(t.ID, b.now())))
	if err != nil {
		return false, err
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.NavigationTimeout)
	defer cancel()

	b.log.Debug("capturing", logx.Task(t.ID), logx.String("url", t.URL), logx.Bool("full_page", t.FullPage), logx.String("file", file))
	start := time.Now()
	img, err := b.shoot(cctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("capture cancelled: %w", ctx.Err())
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("navigation timeout after %s", b.cfg.NavigationTimeout)
		}
		return false, fmt.Errorf("browser: %w", err)
	}
	if len(img) == 0 {
		b.log.Warn("browser returned an empty screenshot", logx.Task(t.ID), logx.String("url", t.URL))
		return false, nil
	}
	if err := os.WriteFile(file, img, 0o644); err != nil {
		return false, fmt.Errorf("write screenshot: %w", err)
	}
	b.log.Info("screenshot saved",
		logx.Task(t.ID),
		logx.String("file", file),
		logx.Int("bytes", len(img)),
		logx.Duration("took", time.Since(start)),
	)
	return true, nil
}

func (b *Browser) allocatorOptions(t tasks.Task) []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(b.bin),
		chromedp.DisableGPU,
		chromedp.WindowSize(t.Width, t.Height),
		chromedp.Flag("hide-scrollbars", true),
	)
}

// devtools loads t.URL in a fresh headless browser, waits until the network
// has been idle for the navigation's loader, then captures the viewport or
// the whole page.
func (b *Browser) devtools(ctx context.Context, t tasks.Task) ([]byte, error) {
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocatorOptions(t)...)
	defer cancelAlloc()
	tctx, cancelTab := chromedp.NewContext(actx)
	defer cancelTab()

	idle := make(chan cdp.LoaderID, 16)
	chromedp.ListenTarget(tctx, func(ev any) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			select {
			case idle <- e.LoaderID:
			default:
			}
		}
	})

	var img []byte
	shot := chromedp.CaptureScreenshot(&img)
	if t.FullPage {
		shot = chromedp.FullScreenshot(&img, 100)
	}
	err := chromedp.Run(tctx,
		chromedp.EmulateViewport(int64(t.Width), int64(t.Height)),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, loader, errText, err := page.Navigate(t.URL).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return fmt.Errorf("page load error %s", errText)
			}
			return waitNetworkIdle(ctx, idle, loader)
		}),
		shot,
	)
	return img, err
}

func waitNetworkIdle(ctx context.Context, idle <-chan cdp.LoaderID, loader cdp.LoaderID) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-idle:
			if id == loader {
				return nil
			}
		}
	}
}
