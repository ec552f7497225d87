// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tui

import "github.com/charmbracelet/lipgloss"

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	styleStatus = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	styleRow         = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	styleRowSelected = lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	styleRowMarked   = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))

	styleDeadLetter = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	styleScheduled  = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))

	stylePane = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	stylePopupError = lipgloss.NewStyle().
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("203")).
			Padding(1, 2)

	stylePopupWarning = stylePopupError.BorderForeground(lipgloss.Color("214"))
	stylePopupSuccess = stylePopupError.BorderForeground(lipgloss.Color("78"))

	styleSpinner = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	styleHelp = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// spinnerFrames animate the loading indicator.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
