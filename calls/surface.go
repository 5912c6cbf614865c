package calls

import (
	"companion-rpc/rpcerr"
	"companion-rpc/stub"
	"context"
	"fmt"
)

// Surface is the typed view of a Set loaded from Definitions.
type Surface struct {
	set *Set
}

// Bind checks that set carries every call in Definitions.
func Bind(set *Set) (*Surface, error) {
	for _, def := range Definitions {
		if _, ok := set.Lookup(def.Name); !ok {
			return nil, fmt.Errorf("calls: bind: %w: %q", rpcerr.ErrUnknownCall, def.Name)
		}
	}
	return &Surface{set: set}, nil
}

func (s *Surface) ListTargets(ctx context.Context) ([]stub.TargetDescription, error) {
	var resp stub.ListTargetsResponse
	if err := s.set.Invoke(ctx, "list_targets", &stub.ListTargetsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Targets, nil
}

func (s *Surface) Describe(ctx context.Context, fetchDiagnostics bool) (*stub.DescribeResponse, error) {
	var resp stub.DescribeResponse
	if err := s.set.Invoke(ctx, "describe", &stub.DescribeRequest{FetchDiagnostics: fetchDiagnostics}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Surface) ListApps(ctx context.Context) ([]stub.AppInfo, error) {
	var resp stub.ListAppsResponse
	if err := s.set.Invoke(ctx, "list_apps", &stub.ListAppsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Apps, nil
}

func (s *Surface) Launch(ctx context.Context, req *stub.LaunchRequest) (*stub.LaunchResponse, error) {
	var resp stub.LaunchResponse
	if err := s.set.Invoke(ctx, "launch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Surface) Terminate(ctx context.Context, bundleID string) error {
	return s.set.Invoke(ctx, "terminate", &stub.TerminateRequest{BundleID: bundleID}, nil)
}

func (s *Surface) Screenshot(ctx context.Context) (*stub.ScreenshotResponse, error) {
	var resp stub.ScreenshotResponse
	if err := s.set.Invoke(ctx, "screenshot", &stub.ScreenshotRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
