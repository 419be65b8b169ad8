package robot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MotorCalibration holds calibration data for a single motor.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all motors, keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// CalibrationPath returns the conventional location of an arm's calibration
// file for a given arm id ("follower", "leader").
func CalibrationPath(id string) string {
	return filepath.Join("calibration", id+".json")
}

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	// Parse into a map with string keys first
	var raw map[string]MotorCalibration
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}

	// Convert to Calibration with MotorName keys
	cal := make(Calibration, len(raw))
	for name, mc := range raw {
		cal[MotorName(name)] = mc
	}

	return cal, nil
}

// Save writes the calibration table to a JSON file, creating the parent
// directory if needed.
func (c Calibration) Save(path string) error {
	raw := make(map[string]MotorCalibration, len(c))
	for name, mc := range c {
		raw[string(name)] = mc
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Normalize converts a raw servo position to a normalized value in the range [-100, 100].
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return (float64(raw-c.RangeMin)/rangeSize)*200 - 100
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
func (c MotorCalibration) Denormalize(norm float64) int {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// NormalizeUnipolar converts a raw servo position to a value in [0, 100].
// The gripper uses this range: 0 is fully closed, 100 fully open.
func (c MotorCalibration) NormalizeUnipolar(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return float64(raw-c.RangeMin) / rangeSize * 100
}

// DenormalizeUnipolar converts a value in [0, 100] to a raw servo position.
func (c MotorCalibration) DenormalizeUnipolar(norm float64) int {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int(norm/100*rangeSize) + c.RangeMin
}

// MotorIDs returns the servo IDs for the given motor order.
func (c Calibration) MotorIDs(order []MotorName) []int {
	ids := make([]int, 0, len(order))
	for _, name := range order {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns motor name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}
