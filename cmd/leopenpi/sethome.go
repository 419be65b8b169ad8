package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/leopenpi/leopenpi/pkg/config"
	"github.com/leopenpi/leopenpi/pkg/robot"
)

// Mirroring cadence while the operator poses the arms.
const setHomeHz = 60

type SetHomeCommand struct {
	Config string `short:"c" long:"config" description:"Environment config file to update" default:"config.yaml"`
}

func (c *SetHomeCommand) Execute(args []string) error {
	cfg, err := config.LoadDraft(c.Config)
	if err != nil {
		return err
	}
	if cfg.Robot.Port == "" {
		return fmt.Errorf("no follower port configured; run `leopenpi detect` first")
	}
	if cfg.Teleop == nil || cfg.Teleop.Port == "" {
		return fmt.Errorf("set-home mirrors the leader arm; run `leopenpi detect` to configure teleop.port")
	}
	if cfg.Robot.ID == "" {
		cfg.Robot.ID = "follower"
	}
	if cfg.Teleop.ID == "" {
		cfg.Teleop.ID = "leader"
	}
	seedJoints(cfg)

	followerCal, err := robot.LoadCalibration(robot.CalibrationPath(cfg.Robot.ID))
	if err != nil {
		return fmt.Errorf("follower calibration: %w (run `leopenpi detect` first)", err)
	}
	leaderCal, err := robot.LoadCalibration(robot.CalibrationPath(cfg.Teleop.ID))
	if err != nil {
		return fmt.Errorf("leader calibration: %w (run `leopenpi detect` first)", err)
	}

	motors := motorsFor(cfg.Robot)
	follower, err := robot.Open(robot.Link{Port: cfg.Robot.Port, Motors: motors, Calibration: followerCal})
	if err != nil {
		return err
	}
	defer follower.Close()

	leader, err := robot.Open(robot.Link{Port: cfg.Teleop.Port, Motors: motors, Calibration: leaderCal})
	if err != nil {
		return err
	}
	defer leader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The operator moves the leader; the follower tracks it.
	if err := leader.DisableTorque(ctx); err != nil {
		return err
	}
	if err := follower.EnableTorque(ctx); err != nil {
		return err
	}
	defer follower.DisableTorque(context.Background())

	m := &mirror{
		leader:   leader,
		follower: follower,
		states:   make(chan robot.State, 1),
	}
	go m.run(ctx)

	finalModel, err := tea.NewProgram(newSetHomeModel(jointNames(cfg), m.states), tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	cancel()

	fm := finalModel.(setHomeModel)
	if !fm.captured || fm.current == nil {
		fmt.Println("Aborted; config unchanged.")
		return nil
	}

	applyHome(cfg, fm.current)
	if err := cfg.Save(c.Config); err != nil {
		return err
	}

	fmt.Println(successStyle.Render("Home pose saved:"))
	for i, j := range cfg.Robot.AllJoints() {
		if i < len(fm.current) {
			fmt.Printf("  %-14s %7.2f\n", j.Name, fm.current[i])
		}
	}
	fmt.Printf("Written to %s\n", c.Config)
	return nil
}

// applyHome writes the captured pose into the joint table, gripper last.
// Positions are clamped into the joint limits so the saved home always
// validates.
func applyHome(cfg *config.Config, pose []float64) {
	joints := cfg.Robot.AllJoints()
	for i := range joints {
		if i >= len(pose) {
			break
		}
		v := clampTo(pose[i], joints[i].Min, joints[i].Max)
		if i < len(cfg.Robot.Joints) {
			cfg.Robot.Joints[i].Home = &v
		} else if cfg.Robot.Gripper != nil {
			cfg.Robot.Gripper.Home = &v
		}
	}
}

func clampTo(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// mirror drives the follower from the leader's pose and publishes the
// realized follower state for the view.
type mirror struct {
	leader   *robot.Arm
	follower *robot.Arm
	states   chan robot.State
}

func (m *mirror) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / setHomeHz)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := m.leader.ReadState(ctx)
			if err != nil {
				continue
			}
			realized, err := m.follower.Execute(ctx, state.Positions)
			if err != nil {
				continue
			}
			m.sendState(realized.Clone())
		}
	}
}

// sendState delivers the newest state without blocking: when the channel is
// full the oldest entry is dropped.
func (m *mirror) sendState(s robot.State) {
	select {
	case m.states <- s:
	default:
		select {
		case <-m.states:
		default:
		}
		m.states <- s
	}
}

type poseMsg robot.State

func waitForPose(states <-chan robot.State) tea.Cmd {
	return func() tea.Msg {
		return poseMsg(<-states)
	}
}

// setHomeModel shows the live follower pose until the operator captures it.
type setHomeModel struct {
	joints   []string
	states   <-chan robot.State
	current  []float64
	captured bool
	quitting bool
}

func newSetHomeModel(joints []string, states <-chan robot.State) setHomeModel {
	return setHomeModel{joints: joints, states: states}
}

func (m setHomeModel) Init() tea.Cmd {
	return waitForPose(m.states)
}

func (m setHomeModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			if m.current != nil {
				m.captured = true
				m.quitting = true
				return m, tea.Quit
			}
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case poseMsg:
		m.current = robot.State(msg).Positions
		return m, waitForPose(m.states)
	}

	return m, nil
}

func (m setHomeModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(headerStyle.Render("leopenpi set-home"))
	sb.WriteString("\n")
	sb.WriteString("Move the leader arm until the follower sits in the desired home pose.\n\n")

	rowStyle := lipgloss.NewStyle().Padding(0, 1)
	jointStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)

	rows := make([][]string, 0, len(m.joints))
	for i, name := range m.joints {
		pos := "-"
		if i < len(m.current) {
			pos = fmt.Sprintf("%.2f", m.current[i])
		}
		rows = append(rows, []string{name, pos})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Position").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return rowStyle.Bold(true)
			}
			if col == 0 {
				return jointStyle
			}
			return valueStyle
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter to capture, q to abort"))

	return sb.String()
}
