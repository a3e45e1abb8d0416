package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/config"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "robocore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "multiprocess: false\n")
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "RUNNING", cfg.InitialRunlevel)
	require.EqualValues(t, -1, cfg.Motion.FeedbackDelay)
	require.NotNil(t, cfg.Drivers)
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeTempConfig(t, `
multiprocess: true
speed: 2.5
initial_time: 1000
initial_runlevel: STARTING
wait_for_sensors: true
motion:
  verbose: 2
  feedback_delay: 40
  zero_pid_feedback: true
  override_sensors: true
  start_pose: /poses/default.yaml
sensors:
  framerate: 30
  heartbeat: 500
  sources: [imu, encoders]
vision:
  framerate: 15
drivers:
  head: HeadDriver
comm_ports:
  main: /dev/ttyUSB0
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	require.True(t, cfg.Multiprocess)
	require.Equal(t, 2.5, cfg.Speed)
	require.EqualValues(t, 1000, cfg.InitialTime)
	require.Equal(t, "STARTING", cfg.InitialRunlevel)
	require.True(t, cfg.WaitForSensors)
	require.Equal(t, 2, cfg.Motion.Verbose)
	require.Equal(t, 40.0, cfg.Motion.FeedbackDelay)
	require.True(t, cfg.Motion.ZeroPIDFeedback)
	require.True(t, cfg.Motion.OverrideSensors)
	require.Equal(t, []string{"imu", "encoders"}, cfg.Sensors.Sources)
	require.Equal(t, "HeadDriver", cfg.Drivers["head"])
	require.Equal(t, "/dev/ttyUSB0", cfg.CommPorts["main"])
}

func TestCommandLineOverridesApplyAfterFileLoad(t *testing.T) {
	path := writeTempConfig(t, "speed: 1\nmotion:\n  feedback_delay: 10\n")
	cfg, err := config.Load(path, []string{"Speed=0", "Motion.FeedbackDelay=-1", "WaitForSensors=true"})
	require.NoError(t, err)
	require.Equal(t, 0.0, cfg.Speed)
	require.Equal(t, -1.0, cfg.Motion.FeedbackDelay)
	require.True(t, cfg.WaitForSensors)
}

func TestCommandLineOverrideUnknownKeyErrors(t *testing.T) {
	path := writeTempConfig(t, "speed: 1\n")
	_, err := config.Load(path, []string{"Bogus.Key=1"})
	require.Error(t, err)
}

func TestValidateRejectsBadRunlevel(t *testing.T) {
	path := writeTempConfig(t, "initial_runlevel: NOT_A_LEVEL\n")
	_, err := config.Load(path, nil)
	require.Error(t, err)
}

func TestValidateRejectsOutOfRangeMotionVerbose(t *testing.T) {
	path := writeTempConfig(t, "motion:\n  verbose: 9\n")
	_, err := config.Load(path, nil)
	require.Error(t, err)
}
