// SPDX-License-Identifier: MIT
//
// Package tui provides an interactive picker for the capture device and
// sample rate.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"specrec/internal/capture"
	"specrec/internal/config"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned by Pick when the user quits without choosing.
var ErrCancelled = errors.New("device selection cancelled")

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)
)

// Sample rates offered on the configuration screen.
var sampleRates = []float64{8000, 16000, 44100, 48000, 88200, 96000}

// hostDevicesFunc is replaced in tests.
var hostDevicesFunc = capture.HostDevices

// ScreenType defines which screen is currently active
type ScreenType int

const (
	ListScreen ScreenType = iota
	ConfigScreen
)

var (
	keyQuit  = key.NewBinding(key.WithKeys("q", "ctrl+c"))
	keyUp    = key.NewBinding(key.WithKeys("up", "k"))
	keyDown  = key.NewBinding(key.WithKeys("down", "j"))
	keyEnter = key.NewBinding(key.WithKeys("enter"))
	keyBack  = key.NewBinding(key.WithKeys("esc"))
)

const (
	listHelp = "↑/↓: Navigate • Enter: Configure • q: Quit"
	rateHelp = "↑/↓: Change Value • Enter: Use • Esc: Back • q: Quit"

	// Rows taken by the title and help lines.
	viewSlack = 4
)

// Selection is the device and sample rate chosen in the picker.
type Selection struct {
	DeviceID   int
	DeviceName string
	SampleRate float64
}

// Apply writes the selection into cfg.
func (s Selection) Apply(cfg *config.AudioConfig) {
	cfg.Source = "portaudio"
	cfg.InputDevice = s.DeviceID
	cfg.SampleRate = s.SampleRate
}

// DeviceListModel is the Bubble Tea model of the picker. Only devices with
// input channels are listed.
type DeviceListModel struct {
	devices       []capture.Device
	selectedIndex int
	viewport      viewport.Model
	ready         bool
	err           error
	activeScreen  ScreenType

	sampleRateIndex int
	selection       *Selection
}

type devicesMsg struct {
	devices []capture.Device
}

type errMsg struct {
	err error
}

// NewDeviceListModel creates a new device list model
func NewDeviceListModel() DeviceListModel {
	return DeviceListModel{activeScreen: ListScreen}
}

// Init initializes the Bubble Tea model
func (m DeviceListModel) Init() tea.Cmd {
	return fetchDevices
}

func fetchDevices() tea.Msg {
	devices, err := hostDevicesFunc()
	if err != nil {
		return errMsg{err}
	}
	var inputs []capture.Device
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			inputs = append(inputs, d)
		}
	}
	return devicesMsg{inputs}
}

// Selection returns the confirmed choice, if any.
func (m DeviceListModel) Selection() (Selection, bool) {
	if m.selection == nil {
		return Selection{}, false
	}
	return *m.selection, true
}

// Update handles input and updates the model
func (m DeviceListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-viewSlack)
			m.viewport.Style = lipgloss.NewStyle()
			m.ready = true
			m.refresh()
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - viewSlack
		}

	case devicesMsg:
		m.devices = msg.devices
		m.refresh()

	case errMsg:
		m.err = msg.err

	case tea.KeyMsg:
		if key.Matches(msg, keyQuit) || m.err != nil {
			return m, tea.Quit
		}
		if m.activeScreen == ListScreen {
			return m.updateList(msg)
		}
		return m.updateConfig(msg)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m DeviceListModel) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keyUp):
		if m.selectedIndex > 0 {
			m.selectedIndex--
		}
	case key.Matches(msg, keyDown):
		if m.selectedIndex < len(m.devices)-1 {
			m.selectedIndex++
		}
	case key.Matches(msg, keyEnter):
		if len(m.devices) == 0 {
			break
		}
		m.activeScreen = ConfigScreen
		m.sampleRateIndex = nearestRate(m.devices[m.selectedIndex].DefaultSampleRate)
	}
	m.refresh()
	return m, nil
}

func (m DeviceListModel) updateConfig(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keyBack):
		m.activeScreen = ListScreen
	case key.Matches(msg, keyUp):
		if m.sampleRateIndex > 0 {
			m.sampleRateIndex--
		}
	case key.Matches(msg, keyDown):
		if m.sampleRateIndex < len(sampleRates)-1 {
			m.sampleRateIndex++
		}
	case key.Matches(msg, keyEnter):
		device := m.devices[m.selectedIndex]
		m.selection = &Selection{
			DeviceID:   device.ID,
			DeviceName: device.Name,
			SampleRate: sampleRates[m.sampleRateIndex],
		}
		return m, tea.Quit
	}
	m.refresh()
	return m, nil
}

// nearestRate returns the index of the offered rate closest to rate.
func nearestRate(rate float64) int {
	best := 0
	for i, r := range sampleRates {
		if abs(r-rate) < abs(sampleRates[best]-rate) {
			best = i
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (m *DeviceListModel) refresh() {
	if !m.ready {
		return
	}
	if m.activeScreen == ConfigScreen {
		m.viewport.SetContent(m.renderDeviceConfig())
		return
	}
	m.viewport.SetContent(m.renderDevices())
}

// View renders the UI
func (m DeviceListModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress any key to exit.", m.err)
	}
	if !m.ready {
		return "Initializing..."
	}

	title, help := titleStyle.Render("Input Devices"), infoStyle.Render(listHelp)
	if m.activeScreen == ConfigScreen {
		title, help = titleStyle.Render("Device Configuration"), infoStyle.Render(rateHelp)
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

func (m DeviceListModel) renderDevices() string {
	if len(m.devices) == 0 {
		return "No input devices found."
	}

	var sb strings.Builder
	for i, device := range m.devices {
		info := fmt.Sprintf("[%d] %s\n", device.ID, device.Name)
		info += fmt.Sprintf("    Input channels: %d\n", device.MaxInputChannels)
		info += fmt.Sprintf("    Default sample rate: %.0f Hz\n", device.DefaultSampleRate)
		if i == m.selectedIndex {
			info = highlightStyle.Render(info)
		}
		sb.WriteString(info)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m DeviceListModel) renderDeviceConfig() string {
	var sb strings.Builder
	device := m.devices[m.selectedIndex]

	fmt.Fprintf(&sb, "Configure Device: %s\n\n", device.Name)
	sb.WriteString("Sample Rate:\n")
	for i, rate := range sampleRates {
		marker := " "
		if i == m.sampleRateIndex {
			marker = "▶"
		}
		line := fmt.Sprintf("  %s %.0f Hz\n", marker, rate)
		if i == m.sampleRateIndex {
			line = highlightStyle.Render(line)
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// Pick runs the picker full screen and returns the confirmed selection.
// PortAudio must be initialized.
func Pick() (Selection, error) {
	final, err := tea.NewProgram(NewDeviceListModel(), tea.WithAltScreen()).Run()
	if err != nil {
		return Selection{}, err
	}
	m := final.(DeviceListModel)
	if m.err != nil {
		return Selection{}, m.err
	}
	sel, ok := m.Selection()
	if !ok {
		return Selection{}, ErrCancelled
	}
	return sel, nil
}
