//go:build linux

// Package main serves the dma-pwm board model as a modular resource.
package main

import (
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/dma-pwm/pwmboard"
)

func main() {
	module.ModularMain(resource.APIModel{API: board.API, Model: pwmboard.Model})
}
