// Package companionsim is an in-memory companion. It serves the
// CompanionService operations for a fixed set of simulated targets and is
// what companiond and the end-to-end tests run against.
package companionsim

import (
	"bytes"
	"companion-rpc/message"
	"companion-rpc/stub"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	StateBooted   = "Booted"
	StateShutdown = "Shutdown"

	ProcessRunning    = "running"
	ProcessNotRunning = "not_running"
	ProcessUnknown    = "unknown"
)

var errNoTargetSelected = errors.New("no target selected: pass a udid or run a companion with a single target")

type target struct {
	desc    stub.TargetDescription
	apps    map[string]*stub.AppInfo
	running map[string]int // bundle id -> pid
}

// Companion implements CompanionService. Register it with
// server.RegisterName(stub.ServiceName, c).
type Companion struct {
	info   stub.CompanionInfo
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]*target
	nextPID int
}

func New(info stub.CompanionInfo, logger *zap.Logger) *Companion {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Companion{
		info:    info,
		logger:  logger,
		targets: make(map[string]*target),
		nextPID: 1000,
	}
}

// AddTarget adds or replaces a simulated target with its installed apps.
func (c *Companion) AddTarget(desc stub.TargetDescription, apps ...stub.AppInfo) {
	t := &target{
		desc:    desc,
		apps:    make(map[string]*stub.AppInfo, len(apps)),
		running: make(map[string]int),
	}
	for i := range apps {
		app := apps[i]
		app.ProcessState = ProcessNotRunning
		app.PID = 0
		t.apps[app.BundleID] = &app
	}

	c.mu.Lock()
	c.targets[desc.UDID] = t
	c.mu.Unlock()
}

// UDIDs lists the simulated targets in sorted order.
func (c *Companion) UDIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.targets))
	for udid := range c.targets {
		out = append(out, udid)
	}
	sort.Strings(out)
	return out
}

// selectLocked picks the target named by the call's udid metadata. Without
// one, a companion that manages exactly one target uses it.
func (c *Companion) selectLocked(ctx context.Context) (*target, error) {
	md := message.MetadataFromContext(ctx)
	udid, ok := md["udid"]
	if !ok {
		if len(c.targets) == 1 {
			for _, t := range c.targets {
				return t, nil
			}
		}
		return nil, errNoTargetSelected
	}
	t, ok := c.targets[udid]
	if !ok {
		return nil, fmt.Errorf("no target with udid %q", udid)
	}
	return t, nil
}

func (c *Companion) ListTargets(ctx context.Context, req *stub.ListTargetsRequest, resp *stub.ListTargetsResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp.Targets = make([]stub.TargetDescription, 0, len(c.targets))
	for _, t := range c.targets {
		resp.Targets = append(resp.Targets, t.desc)
	}
	sort.Slice(resp.Targets, func(i, j int) bool { return resp.Targets[i].UDID < resp.Targets[j].UDID })
	return nil
}

func (c *Companion) Describe(ctx context.Context, req *stub.DescribeRequest, resp *stub.DescribeResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.selectLocked(ctx)
	if err != nil {
		return err
	}
	resp.Target = t.desc
	resp.Companion = c.info
	if req.FetchDiagnostics {
		resp.Diagnostics = map[string]string{
			"installed_apps": fmt.Sprint(len(t.apps)),
			"running_apps":   fmt.Sprint(len(t.running)),
		}
	}
	return nil
}

func (c *Companion) ListApps(ctx context.Context, req *stub.ListAppsRequest, resp *stub.ListAppsResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.selectLocked(ctx)
	if err != nil {
		return err
	}
	resp.Apps = make([]stub.AppInfo, 0, len(t.apps))
	for _, app := range t.apps {
		info := *app
		if req.SuppressProcessState {
			info.ProcessState = ProcessUnknown
			info.PID = 0
		}
		resp.Apps = append(resp.Apps, info)
	}
	sort.Slice(resp.Apps, func(i, j int) bool { return resp.Apps[i].BundleID < resp.Apps[j].BundleID })
	return nil
}

func (c *Companion) Launch(ctx context.Context, req *stub.LaunchRequest, resp *stub.LaunchResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.selectLocked(ctx)
	if err != nil {
		return err
	}
	if t.desc.State != StateBooted {
		return fmt.Errorf("target %s is not booted", t.desc.UDID)
	}
	app, ok := t.apps[req.BundleID]
	if !ok {
		return fmt.Errorf("app %s is not installed on %s", req.BundleID, t.desc.UDID)
	}
	if pid, running := t.running[req.BundleID]; running {
		if !req.ForegroundIfRunning {
			return fmt.Errorf("app %s is already running with pid %d", req.BundleID, pid)
		}
		resp.BundleID, resp.PID = req.BundleID, pid
		return nil
	}

	c.nextPID++
	t.running[req.BundleID] = c.nextPID
	app.ProcessState = ProcessRunning
	app.PID = c.nextPID
	resp.BundleID, resp.PID = req.BundleID, c.nextPID

	c.logger.Info("launched app",
		zap.String("udid", t.desc.UDID),
		zap.String("bundle_id", req.BundleID),
		zap.Int("pid", c.nextPID),
		zap.Bool("wait_for_debugger", req.WaitForDebugger),
	)
	return nil
}

func (c *Companion) Terminate(ctx context.Context, req *stub.TerminateRequest, resp *stub.TerminateResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.selectLocked(ctx)
	if err != nil {
		return err
	}
	if _, running := t.running[req.BundleID]; !running {
		return fmt.Errorf("app %s is not running on %s", req.BundleID, t.desc.UDID)
	}
	delete(t.running, req.BundleID)
	if app, ok := t.apps[req.BundleID]; ok {
		app.ProcessState = ProcessNotRunning
		app.PID = 0
	}
	c.logger.Info("terminated app", zap.String("udid", t.desc.UDID), zap.String("bundle_id", req.BundleID))
	return nil
}

func (c *Companion) Screenshot(ctx context.Context, req *stub.ScreenshotRequest, resp *stub.ScreenshotResponse) error {
	c.mu.Lock()
	t, err := c.selectLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	desc := t.desc
	c.mu.Unlock()

	if desc.State != StateBooted {
		return fmt.Errorf("target %s is not booted", desc.UDID)
	}
	data, err := render(desc)
	if err != nil {
		return err
	}
	resp.ImageData = data
	resp.ImageFormat = "png"
	return nil
}

// render draws a blank screen at a tenth of the target's pixel size.
func render(desc stub.TargetDescription) ([]byte, error) {
	w, h := 32, 64
	if desc.Screen != nil && desc.Screen.Width >= 10 && desc.Screen.Height >= 10 {
		w, h = desc.Screen.Width/10, desc.Screen.Height/10
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 0xee}.Y
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Demo returns a companion with two simulators, one booted, used by
// companiond when no targets are configured.
func Demo(logger *zap.Logger) *Companion {
	c := New(stub.CompanionInfo{UDID: "companion-demo", IsLocal: true, Version: "1.0"}, logger)
	c.AddTarget(stub.TargetDescription{
		UDID:         "ABCD-1234",
		Name:         "iPhone 15",
		State:        StateBooted,
		TargetType:   "simulator",
		OSVersion:    "iOS 17.5",
		Architecture: "arm64",
		Screen:       &stub.ScreenDimensions{Width: 1179, Height: 2556, Density: 3, WidthPt: 393, HeightPt: 852},
	},
		stub.AppInfo{BundleID: "com.apple.mobilesafari", Name: "Safari", InstallType: "system", Architectures: []string{"arm64"}},
		stub.AppInfo{BundleID: "com.example.demo", Name: "Demo", InstallType: "user", Architectures: []string{"arm64"}, Debuggable: true},
	)
	c.AddTarget(stub.TargetDescription{
		UDID:         "EFGH-5678",
		Name:         "iPad Air",
		State:        StateShutdown,
		TargetType:   "simulator",
		OSVersion:    "iPadOS 17.5",
		Architecture: "arm64",
	},
		stub.AppInfo{BundleID: "com.apple.mobilesafari", Name: "Safari", InstallType: "system", Architectures: []string{"arm64"}},
	)
	return c
}
