// Package leopenpi runs openpi policies on SO-101 robot arms.
//
// It assembles synchronized camera and joint-state observations, sends them
// to a remote openpi inference server over websocket, and executes the
// returned actions on the follower arm at a fixed cadence, with limit and
// rate clamping between policy and hardware.
//
// # Installation
//
//	go install github.com/leopenpi/leopenpi/cmd/leopenpi@latest
//
// # Usage
//
// First, run detect to find and calibrate your arms:
//
//	leopenpi detect
//
// Record a home pose if episodes should start from one:
//
//	leopenpi set-home
//
// Then run an episode against a policy server:
//
//	leopenpi run --config config.yaml
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/leopenpi: CLI with run, detect, set-home and cameras commands
//   - pkg/config: the environment configuration document
//   - pkg/robot: arm control and calibration over the Feetech bus
//   - pkg/camera: camera capture and frame processing
//   - pkg/openpi: websocket/msgpack client for the policy server
//   - pkg/policy: per-step action sources (remote inference, leader teleop)
//   - pkg/govern: action limit and rate clamping
//   - pkg/env: per-step observation assembly
//   - pkg/episode: the control loop driver and its lifecycle events
package leopenpi
