package main

import "github.com/fatih/color"

// color disables itself when stdout is not a terminal or NO_COLOR is set.
var (
	successMark = color.New(color.FgGreen)
	errorMark   = color.New(color.FgRed)
	warnMark    = color.New(color.FgYellow)
	highlight   = color.New(color.FgCyan)
	muted       = color.New(color.Faint)
)
