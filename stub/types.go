package stub

// TargetDescription describes a simulator or device a companion manages.
type TargetDescription struct {
	UDID         string            `json:"udid"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	TargetType   string            `json:"target_type"`
	OSVersion    string            `json:"os_version"`
	Architecture string            `json:"architecture"`
	Screen       *ScreenDimensions `json:"screen_dimensions,omitempty"`
}

type ScreenDimensions struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Density  float64 `json:"density"`
	WidthPt  int     `json:"width_points"`
	HeightPt int     `json:"height_points"`
}

// CompanionInfo identifies the companion process itself.
type CompanionInfo struct {
	UDID    string `json:"udid"`
	IsLocal bool   `json:"is_local"`
	Version string `json:"version,omitempty"`
}

type ListTargetsRequest struct{}

type ListTargetsResponse struct {
	Targets []TargetDescription `json:"targets"`
}

type DescribeRequest struct {
	FetchDiagnostics bool `json:"fetch_diagnostics"`
}

type DescribeResponse struct {
	Target      TargetDescription `json:"target_description"`
	Companion   CompanionInfo     `json:"companion"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}

// AppInfo is one installed application.
type AppInfo struct {
	BundleID      string   `json:"bundle_id"`
	Name          string   `json:"name"`
	InstallType   string   `json:"install_type"`
	Architectures []string `json:"architectures,omitempty"`
	ProcessState  string   `json:"process_state"` // "running", "not_running" or "unknown"
	PID           int      `json:"pid,omitempty"`
	Debuggable    bool     `json:"debuggable"`
}

type ListAppsRequest struct {
	SuppressProcessState bool `json:"suppress_process_state"`
}

type ListAppsResponse struct {
	Apps []AppInfo `json:"apps"`
}

type LaunchRequest struct {
	BundleID            string            `json:"bundle_id"`
	Args                []string          `json:"app_args,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	ForegroundIfRunning bool              `json:"foreground_if_running"`
	WaitForDebugger     bool              `json:"wait_for_debugger"`
}

type LaunchResponse struct {
	BundleID string `json:"bundle_id"`
	PID      int    `json:"pid"`
}

type TerminateRequest struct {
	BundleID string `json:"bundle_id"`
}

type TerminateResponse struct{}

type ScreenshotRequest struct{}

type ScreenshotResponse struct {
	ImageData   []byte `json:"image_data"`
	ImageFormat string `json:"image_format"`
}
